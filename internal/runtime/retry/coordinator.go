// Package retry implements the broker failure hook of the fan-out protocol.
//
// A failed envelope is either sent to the retry queue with a decremented budget,
// from where the broker returns it to the exchange after the retry delay, or,
// once the budget is spent, parked on the error queue for the replayer. The
// coordinator never sleeps; delays are a property of the topology.
package retry

import (
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	idspkg "github.com/drblury/fanout/internal/runtime/ids"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
	"github.com/drblury/fanout/transport"
)

// Metrics receives retry and dead-letter notifications. *metrics.DLQMetrics
// satisfies it.
type Metrics interface {
	RecordRetryScheduled(topic, handler string)
	RecordMessageToDLQ(topic, handler string, retryCount int, age time.Duration)
}

// Config wires a Coordinator.
type Config struct {
	Publisher message.Publisher
	Topology  transport.Topology
	// Codec is used to read the budget from the envelope body when the
	// retry_left header is missing. Optional.
	Codec   *envelope.Codec
	Metrics Metrics
	Logger  loggingpkg.ServiceLogger
	// Now is overridable in tests.
	Now func() time.Time
}

// Coordinator decides what happens to a message whose handler failed.
type Coordinator struct {
	publisher message.Publisher
	topology  transport.Topology
	codec     *envelope.Codec
	metrics   Metrics
	logger    loggingpkg.ServiceLogger
	now       func() time.Time
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topology.Inbox == "" || cfg.Topology.RetryQueue == "" || cfg.Topology.ErrorQueue == "" {
		return nil, errspkg.ErrTopicRequired
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		publisher: cfg.Publisher,
		topology:  cfg.Topology,
		codec:     cfg.Codec,
		metrics:   cfg.Metrics,
		logger:    loggingpkg.OrDiscard(cfg.Logger),
		now:       now,
	}, nil
}

// Middleware wraps h so that every handler error is resolved into a retry or a
// dead-letter. The original message is acked once that publish succeeds; a
// publish failure is returned so the broker redelivers.
func (c *Coordinator) Middleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err == nil {
			return produced, nil
		}
		if handleErr := c.Handle(msg, err); handleErr != nil {
			return nil, errors.Join(err, handleErr)
		}
		return nil, nil
	}
}

// Handle resolves a single failure of msg.
func (c *Coordinator) Handle(msg *message.Message, cause error) error {
	handler := msg.Metadata.Get(metadatapkg.KeyHandler)

	if errors.Is(cause, errspkg.ErrPoisonMessage) || msg.Metadata.Get(metadatapkg.KeyKind) != metadatapkg.KindEnvelope {
		c.logger.Error("Dead-lettering message without retry", cause, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"kind":         msg.Metadata.Get(metadatapkg.KeyKind),
			"topic":        c.topology.ErrorQueue,
		})
		return c.deadLetter(msg, cause, false)
	}

	remaining := c.remaining(msg)
	if remaining > 0 {
		return c.scheduleRetry(msg, handler, remaining-1)
	}

	if err := c.deadLetter(msg, cause, true); err != nil {
		return err
	}
	c.logger.Info("Retry budget exhausted, envelope dead-lettered", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"handler":      handler,
		"topic":        c.topology.ErrorQueue,
		"error":        cause.Error(),
	})
	if c.metrics != nil {
		c.metrics.RecordMessageToDLQ(c.topology.ErrorQueue, handler, attempts(msg), c.age(msg))
	}
	return nil
}

// remaining resolves the budget: header first, then the envelope body, then 0.
func (c *Coordinator) remaining(msg *message.Message) int {
	if n, ok := metadatapkg.RetryLeft(msg); ok {
		return max(n, 0)
	}
	if c.codec != nil {
		if env, err := c.codec.DecodeEnvelope(msg.Payload); err == nil {
			return max(env.Retries(), 0)
		}
	}
	return 0
}

func (c *Coordinator) scheduleRetry(msg *message.Message, handler string, left int) error {
	out := msg.Copy()
	metadatapkg.SetRetryLeft(out, left)
	out.Metadata.Set(metadatapkg.KeyReplyTo, c.topology.Inbox)
	out.Metadata.Set(metadatapkg.KeyAttempts, strconv.Itoa(attempts(msg)+1))

	if err := c.publisher.Publish(c.topology.RetryQueue, out); err != nil {
		return err
	}

	c.logger.Debug("Envelope scheduled for retry", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"handler":      handler,
		"retry_left":   left,
		"topic":        c.topology.RetryQueue,
		"delay":        c.topology.RetryDelay.String(),
	})
	if c.metrics != nil {
		c.metrics.RecordRetryScheduled(c.topology.RetryQueue, handler)
	}
	return nil
}

func (c *Coordinator) deadLetter(msg *message.Message, cause error, replyable bool) error {
	out := msg.Copy()
	out.Metadata.Set(metadatapkg.KeyError, cause.Error())
	out.Metadata.Set(metadatapkg.KeyFailedAt, c.now().UTC().Format(time.RFC3339Nano))
	if topic := message.SubscribeTopicFromCtx(msg.Context()); topic != "" {
		out.Metadata.Set(metadatapkg.KeyOriginalTopic, topic)
	}
	if replyable {
		out.Metadata.Set(metadatapkg.KeyReplyTo, c.topology.Inbox)
	}
	return c.publisher.Publish(c.topology.ErrorQueue, out)
}

func (c *Coordinator) age(msg *message.Message) time.Duration {
	created, err := idspkg.Time(msg.UUID)
	if err != nil {
		return 0
	}
	if age := c.now().Sub(created); age > 0 {
		return age
	}
	return 0
}

func attempts(msg *message.Message) int {
	n, _ := metadatapkg.FromWatermill(msg.Metadata).Int(metadatapkg.KeyAttempts)
	return n
}
