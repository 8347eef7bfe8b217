// Package channel provides an in-memory broker for fanout built on the
// Watermill Go channel pub/sub. It emulates the broker features the fan-out
// protocol relies on: a fanout exchange copying to bound inboxes, a TTL queue
// that dead-letters to the exchange, and an error queue that holds messages
// until they are popped. It is meant for tests and local development.
package channel

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/fanout/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the broker creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *Broker {
	return NewBroker(cfg, logger)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Register re-registers the transport, e.g. after a test swapped the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a broker and provisions the configured topology on it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	b := Factory(gochannel.Config{}, logger)
	if err := b.Provision(ctx, cfg.GetTopology()); err != nil {
		return transport.Transport{}, err
	}
	return b.Transport(), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type delayRoute struct {
	ttl    time.Duration
	target string
}

// Broker routes publishes according to the declared exchanges and queues and
// delegates delivery to a GoChannel. Undeclared topics behave like plain
// GoChannel topics.
type Broker struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	mu       sync.Mutex
	bindings map[string][]string
	delays   map[string]delayRoute
	held     map[string][]*message.Message
	timers   map[*time.Timer]struct{}
	closed   bool
}

func NewBroker(cfg gochannel.Config, logger watermill.LoggerAdapter) *Broker {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Broker{
		pubSub:   gochannel.NewGoChannel(cfg, logger),
		logger:   logger,
		bindings: map[string][]string{},
		delays:   map[string]delayRoute{},
		held:     map[string][]*message.Message{},
		timers:   map[*time.Timer]struct{}{},
	}
}

// Transport exposes the broker through every transport role.
func (b *Broker) Transport() transport.Transport {
	return transport.Transport{Publisher: b, Subscriber: b, Provisioner: b, Reader: b}
}

// Provision declares topology. Calling it again for another inbox adds a
// binding, which is how several services share one broker.
func (b *Broker) Provision(_ context.Context, topo transport.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	b.Bind(topo.Exchange, topo.Inbox)
	b.DelayTo(topo.RetryQueue, topo.RetryDelay, topo.Exchange)
	b.Hold(topo.ErrorQueue)
	return nil
}

// Bind makes exchange copy every message to queue.
func (b *Broker) Bind(exchange, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.bindings[exchange], queue) {
		b.bindings[exchange] = append(b.bindings[exchange], queue)
	}
}

// DelayTo turns queue into a TTL queue whose messages are republished to
// target after ttl.
func (b *Broker) DelayTo(queue string, ttl time.Duration, target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[queue] = delayRoute{ttl: ttl, target: target}
}

// Hold turns queue into a store that keeps messages until Pop.
func (b *Broker) Hold(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.held[queue]; !ok {
		b.held[queue] = nil
	}
}

func (b *Broker) Publish(topic string, msgs ...*message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	if _, ok := b.held[topic]; ok {
		for _, msg := range msgs {
			b.held[topic] = append(b.held[topic], msg.Copy())
		}
		b.mu.Unlock()
		return nil
	}
	if route, ok := b.delays[topic]; ok {
		for _, msg := range msgs {
			b.schedule(route, msg.Copy())
		}
		b.mu.Unlock()
		return nil
	}
	queues := slices.Clone(b.bindings[topic])
	b.mu.Unlock()

	if len(queues) == 0 {
		return b.pubSub.Publish(topic, msgs...)
	}
	for _, queue := range queues {
		copies := make([]*message.Message, len(msgs))
		for i, msg := range msgs {
			copies[i] = msg.Copy()
		}
		if err := b.pubSub.Publish(queue, copies...); err != nil {
			return err
		}
	}
	return nil
}

// schedule must be called with b.mu held.
func (b *Broker) schedule(route delayRoute, msg *message.Message) {
	var timer *time.Timer
	timer = time.AfterFunc(route.ttl, func() {
		b.mu.Lock()
		_, armed := b.timers[timer]
		delete(b.timers, timer)
		b.mu.Unlock()
		if !armed {
			return
		}
		if err := b.Publish(route.target, msg); err != nil {
			b.logger.Error("Failed to dead-letter delayed message", err, watermill.LogFields{
				"message_uuid": msg.UUID,
				"target":       route.target,
			})
		}
	})
	b.timers[timer] = struct{}{}
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubSub.Subscribe(ctx, topic)
}

// Pop removes the oldest message from a held queue.
func (b *Broker) Pop(ctx context.Context, queue string) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pending := b.held[queue]
	if len(pending) == 0 {
		return nil, transport.ErrQueueEmpty
	}
	msg := pending[0]
	b.held[queue] = pending[1:]
	return msg, nil
}

// Len reports how many messages a held queue contains.
func (b *Broker) Len(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held[queue])
}

// Delayed reports how many messages are waiting in TTL queues.
func (b *Broker) Delayed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.timers)
}

// Close drops delayed messages and closes the underlying pub/sub.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = map[*time.Timer]struct{}{}
	b.mu.Unlock()
	return b.pubSub.Close()
}
