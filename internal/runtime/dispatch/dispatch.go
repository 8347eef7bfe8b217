// Package dispatch fans events out to one envelope per matching handler and
// executes envelopes addressed to the local service instance.
package dispatch

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/fanout/internal/runtime/condition"
	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	handlerpkg "github.com/drblury/fanout/internal/runtime/handlers"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
	"github.com/drblury/fanout/internal/runtime/registry"
)

// Config wires a Dispatcher.
type Config struct {
	Registry  registry.Lookup
	Codec     *envelope.Codec
	Publisher message.Publisher
	// Worker receives the envelopes emitted by Process.
	Worker string
	// Inbox is the identity of this instance. Envelopes whose reply-to names
	// another inbox are not executed here.
	Inbox  string
	Logger loggingpkg.ServiceLogger
}

// Dispatcher is safe for concurrent use once constructed.
type Dispatcher struct {
	registry  registry.Lookup
	codec     *envelope.Codec
	publisher message.Publisher
	worker    string
	inbox     string
	logger    loggingpkg.ServiceLogger
}

func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Registry == nil:
		return nil, errspkg.ErrRegistryRequired
	case cfg.Publisher == nil:
		return nil, errspkg.ErrPublisherRequired
	case cfg.Worker == "" || cfg.Inbox == "":
		return nil, errspkg.ErrTopicRequired
	}
	codec := cfg.Codec
	if codec == nil {
		codec = envelope.NewCodec(nil)
	}
	return &Dispatcher{
		registry:  cfg.Registry,
		codec:     codec,
		publisher: cfg.Publisher,
		worker:    cfg.Worker,
		inbox:     cfg.Inbox,
		logger:    loggingpkg.OrDiscard(cfg.Logger),
	}, nil
}

// Inbox returns the identity used by the consumption guard.
func (d *Dispatcher) Inbox() string { return d.inbox }

// Process emits one envelope to the worker destination for every handler of
// the event whose condition matches, and returns how many were emitted. All
// conditions are evaluated before anything is published, so a condition error
// emits nothing.
func (d *Dispatcher) Process(ctx context.Context, event envelope.Event) (int, error) {
	if event == nil {
		return 0, errspkg.ErrEventRequired
	}
	eventType := event.EventType()
	if eventType == "" {
		return 0, errspkg.ErrEventTypeRequired
	}

	var matched []envelope.Envelope
	for _, h := range d.registry.HandlersFor(eventType) {
		env := envelope.New(event, h.Name)
		ok, err := condition.Evaluate(ctx, h.Condition, event, env)
		if err != nil {
			return 0, &errspkg.ConditionEvaluationError{
				Handler:    h.Name,
				Expression: condition.Describe(h.Condition),
				Err:        err,
			}
		}
		if ok {
			matched = append(matched, env)
		}
	}

	if len(matched) == 0 {
		d.logger.Trace("No handler matched event", loggingpkg.LogFields{"event_type": eventType})
		return 0, nil
	}

	correlationID := correlationFromContext(ctx)
	msgs := make([]*message.Message, 0, len(matched))
	for _, env := range matched {
		msg, err := d.codec.EnvelopeMessage(env)
		if err != nil {
			return 0, err
		}
		if correlationID != "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, correlationID)
		}
		msg.SetContext(ctx)
		msgs = append(msgs, msg)
	}

	if err := d.publisher.Publish(d.worker, msgs...); err != nil {
		return 0, err
	}

	d.logger.Debug("Event dispatched", loggingpkg.LogFields{
		"event_type": eventType,
		"envelopes":  len(msgs),
		"topic":      d.worker,
	})
	return len(msgs), nil
}

// Consume executes env if it is addressed to this instance. destination is the
// reply-to recorded on the message; "" means any instance may execute it. The
// live retry budget of the handler is written to env.RetriesLeft before the
// callback runs.
func (d *Dispatcher) Consume(ctx context.Context, destination string, env *envelope.Envelope) error {
	if env == nil {
		return errspkg.ErrEventRequired
	}
	if destination != "" && destination != d.inbox {
		d.logger.Trace("Envelope addressed to another instance", loggingpkg.LogFields{
			"destination": destination,
			"inbox":       d.inbox,
			"handler":     env.HandlerName,
		})
		return nil
	}

	h, ok := d.registry.ByName(env.HandlerName)
	if !ok {
		d.logger.Info("Dropping envelope", loggingpkg.LogFields{
			"reason":     errspkg.NoHandlerFound(env.HandlerName).Error(),
			"event_type": env.EventType(),
		})
		return nil
	}

	budget := h.RetryBudget
	env.RetriesLeft = &budget

	delivery, _ := handlerpkg.DeliveryFromContext(ctx)
	delivery.HandlerName = h.Name
	delivery.EventType = h.EventType
	delivery.RetriesLeft = budget
	if delivery.Logger == nil {
		delivery.Logger = d.logger.With(loggingpkg.LogFields{"handler": h.Name})
	}

	if err := h.Callback(handlerpkg.WithDelivery(ctx, delivery), env.Event); err != nil {
		return &errspkg.HandlerExecutionError{Handler: h.Name, Err: err}
	}
	return nil
}

// HandleMessage is the Watermill entry point for inbox and worker subscriptions.
// It matches message.NoPublishHandlerFunc.
func (d *Dispatcher) HandleMessage(msg *message.Message) error {
	ctx := handlerpkg.WithDelivery(msg.Context(), handlerpkg.Delivery{
		Metadata: metadatapkg.FromWatermill(msg.Metadata),
		Logger: d.logger.With(loggingpkg.LogFields{
			"message_uuid":   msg.UUID,
			"correlation_id": msg.Metadata.Get(metadatapkg.KeyCorrelationID),
		}),
	})

	kind := msg.Metadata.Get(metadatapkg.KeyKind)
	if kind == "" {
		kind = d.sniffKind(msg.Payload)
		if kind == "" {
			return &errspkg.PoisonMessageError{Reason: "payload is neither an event nor an envelope"}
		}
		msg.Metadata.Set(metadatapkg.KeyKind, kind)
	}

	switch kind {
	case metadatapkg.KindEvent:
		event, err := d.codec.DecodeEvent(msg.Payload)
		if err != nil {
			return err
		}
		_, err = d.Process(ctx, event)
		return err
	case metadatapkg.KindEnvelope:
		env, err := d.codec.DecodeEnvelope(msg.Payload)
		if err != nil {
			return err
		}
		err = d.Consume(ctx, metadatapkg.ReplyTo(msg), &env)
		if _, hasHeader := metadatapkg.RetryLeft(msg); !hasHeader && env.RetriesLeft != nil {
			// Expose the live budget to the retry coordinator.
			metadatapkg.SetRetryLeft(msg, *env.RetriesLeft)
		}
		return err
	default:
		d.logger.Debug("Ignoring message of unknown kind", loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"kind":         kind,
		})
		return nil
	}
}

// sniffKind classifies payloads from producers that do not set the kind header.
func (d *Dispatcher) sniffKind(payload []byte) string {
	if _, err := d.codec.DecodeEnvelope(payload); err == nil {
		return metadatapkg.KindEnvelope
	}
	if _, err := d.codec.DecodeEvent(payload); err == nil {
		return metadatapkg.KindEvent
	}
	return ""
}

// IsPoison reports whether err marks a message that must not be retried.
func IsPoison(err error) bool {
	return errors.Is(err, errspkg.ErrPoisonMessage)
}

func correlationFromContext(ctx context.Context) string {
	if delivery, ok := handlerpkg.DeliveryFromContext(ctx); ok {
		return delivery.CorrelationID()
	}
	return ""
}
