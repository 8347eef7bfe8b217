package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

func TestDeliveryAccessors(t *testing.T) {
	d := Delivery{
		HandlerName: "billing",
		Metadata: metadatapkg.Metadata{
			metadatapkg.KeyCorrelationID: "correlation-123",
			"key1":                       "value1",
		},
	}

	assert.Equal(t, "value1", d.Get("key1"))
	assert.Equal(t, "", d.Get("nonexistent"))
	assert.Equal(t, "correlation-123", d.CorrelationID())

	clone := d.CloneMetadata()
	clone["key1"] = "changed"
	assert.Equal(t, "value1", d.Get("key1"))
}

func TestDeliveryContextRoundTrip(t *testing.T) {
	_, ok := DeliveryFromContext(context.Background())
	assert.False(t, ok)
	assert.NotNil(t, LoggerFromContext(context.Background()))

	logger := loggingpkg.NewDiscardServiceLogger()
	ctx := WithDelivery(context.Background(), Delivery{HandlerName: "audit", RetriesLeft: 2, Logger: logger})

	d, ok := DeliveryFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "audit", d.HandlerName)
	assert.Equal(t, 2, d.RetriesLeft)
	assert.Equal(t, logger, LoggerFromContext(ctx))
}
