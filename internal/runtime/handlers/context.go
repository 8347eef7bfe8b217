package handlers

import (
	"context"

	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// Delivery describes the envelope a handler callback is running for. The
// dispatcher attaches it to the callback context.
type Delivery struct {
	HandlerName string
	EventType   string
	// RetriesLeft is the live retry budget still available after this attempt.
	RetriesLeft int
	Metadata    metadatapkg.Metadata
	Logger      loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing events without touching the original map.
func (d Delivery) CloneMetadata() metadatapkg.Metadata {
	return d.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (d Delivery) Get(key string) string {
	return d.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (d Delivery) CorrelationID() string {
	return d.Metadata[metadatapkg.KeyCorrelationID]
}

type deliveryKey struct{}

// WithDelivery attaches d to ctx.
func WithDelivery(ctx context.Context, d Delivery) context.Context {
	return context.WithValue(ctx, deliveryKey{}, d)
}

// DeliveryFromContext returns the delivery attached by the dispatcher.
func DeliveryFromContext(ctx context.Context) (Delivery, bool) {
	d, ok := ctx.Value(deliveryKey{}).(Delivery)
	return d, ok
}

// LoggerFromContext returns the delivery logger, or a discarding logger when
// the context carries none.
func LoggerFromContext(ctx context.Context) loggingpkg.ServiceLogger {
	if d, ok := DeliveryFromContext(ctx); ok && d.Logger != nil {
		return d.Logger
	}
	return loggingpkg.NewDiscardServiceLogger()
}
