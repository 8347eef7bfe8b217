package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	handlerpkg "github.com/drblury/fanout/internal/runtime/handlers"
	idspkg "github.com/drblury/fanout/internal/runtime/ids"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// Producer emits domain events onto the exchange.
type Producer interface {
	Publish(ctx context.Context, event envelope.Event) error
}

// NewEventMessage encodes event as a raw event message carrying the standard
// fan-out headers. The correlation id is taken from the delivery in ctx when
// there is one, otherwise a new one is generated.
func NewEventMessage(ctx context.Context, codec *envelope.Codec, event envelope.Event) (*message.Message, error) {
	if codec == nil {
		codec = envelope.NewCodec(nil)
	}
	msg, err := codec.EventMessage(event)
	if err != nil {
		return nil, err
	}

	correlationID := ""
	if delivery, ok := handlerpkg.DeliveryFromContext(ctx); ok {
		correlationID = delivery.CorrelationID()
	}
	if correlationID == "" {
		correlationID = idspkg.CreateULID()
	}
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)
	msg.SetContext(ctx)
	return msg, nil
}

// Publish sends event to the exchange, from where every bound inbox receives a
// copy. It fails with ErrServiceDisabled when the event system is switched off.
func (s *Service) Publish(ctx context.Context, event envelope.Event) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if !s.Conf.Enabled {
		return errspkg.ErrServiceDisabled
	}
	if ctx == nil {
		ctx = context.Background()
	}

	msg, err := NewEventMessage(ctx, s.codec, event)
	if err != nil {
		return err
	}
	if err := s.transport.Publisher.Publish(s.topology.Exchange, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.EventType(), s.topology.Exchange, err)
	}
	return nil
}
