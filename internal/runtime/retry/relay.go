package retry

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	"github.com/drblury/fanout/internal/runtime/metadata"
	"github.com/drblury/fanout/transport"
)

// Relay emulates a TTL queue with dead-letter routing for brokers that cannot
// delay a message natively. It consumes the retry queue and publishes every
// message back to the exchange once the retry delay has passed.
//
// On brokers where every service reads the whole retry queue, a relay only
// forwards envelopes whose reply_to names its own inbox and acks the rest.
//
// Messages are acked as soon as their timer is armed. Pending timers are fired
// early when the relay stops, so a shutdown shortens a delay rather than losing
// the envelope.
type Relay struct {
	subscriber message.Subscriber
	publisher  message.Publisher
	topology   transport.Topology
	logger     loggingpkg.ServiceLogger

	mu      sync.Mutex
	pending map[*time.Timer]*message.Message
	wg      sync.WaitGroup
}

func NewRelay(sub message.Subscriber, pub message.Publisher, topology transport.Topology, logger loggingpkg.ServiceLogger) (*Relay, error) {
	if sub == nil || pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topology.RetryQueue == "" || topology.Exchange == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return &Relay{
		subscriber: sub,
		publisher:  pub,
		topology:   topology,
		logger:     loggingpkg.OrDiscard(logger),
		pending:    map[*time.Timer]*message.Message{},
	}, nil
}

// Run blocks until ctx is cancelled or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	msgs, err := r.subscriber.Subscribe(ctx, r.topology.RetryQueue)
	if err != nil {
		return err
	}
	defer r.flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if r.owns(msg) {
				r.schedule(msg.Copy())
			}
			msg.Ack()
		}
	}
}

func (r *Relay) owns(msg *message.Message) bool {
	replyTo := metadata.ReplyTo(msg)
	return replyTo == "" || r.topology.Inbox == "" || replyTo == r.topology.Inbox
}

// Pending returns the number of messages waiting for their delay to pass.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Relay) schedule(msg *message.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(r.topology.RetryDelay, func() {
		defer r.wg.Done()
		r.mu.Lock()
		_, armed := r.pending[timer]
		delete(r.pending, timer)
		r.mu.Unlock()
		if armed {
			r.forward(msg)
		}
	})
	r.pending[timer] = msg
}

func (r *Relay) forward(msg *message.Message) {
	if err := r.publisher.Publish(r.topology.Exchange, msg); err != nil {
		r.logger.Error("Failed to return envelope from retry queue", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"topic":        r.topology.Exchange,
		})
		return
	}
	r.logger.Trace("Envelope returned from retry queue", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"topic":        r.topology.Exchange,
	})
}

// flush publishes every pending message immediately and waits for in-flight
// timers to finish.
func (r *Relay) flush() {
	r.mu.Lock()
	var early []*message.Message
	for timer, msg := range r.pending {
		if timer.Stop() {
			early = append(early, msg)
			delete(r.pending, timer)
			r.wg.Done()
		}
	}
	r.mu.Unlock()

	for _, msg := range early {
		r.forward(msg)
	}
	r.wg.Wait()
}
