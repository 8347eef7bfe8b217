// Package jetstream provides a NATS JetStream transport for fanout.
//
// All topics share one stream. Each inbox is a durable pull consumer filtered
// on the exchange subject and its own inbox subject, so every service reads
// every raw event and any message replayed to it. A publish to the retry queue
// is stored on the exchange subject with a due time; consumers nak it with the
// remaining delay until it is due.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/fanout/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultMaxDeliver bounds redeliveries, delay naks included.
	DefaultMaxDeliver = 10

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	DefaultStreamName = "FANOUT"

	// HeaderDelayUntil holds the unix millisecond time a delayed message is due.
	HeaderDelayUntil = "fanout_delay_until"

	// HeaderUUID carries the Watermill message UUID.
	HeaderUUID = "_watermill_message_uuid"

	popWait = 500 * time.Millisecond
)

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS and creates the stream.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL(), Topology: cfg.GetTopology()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:   t,
		Subscriber:  t,
		Provisioner: t,
		Reader:      t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	Topology transport.Topology

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "FANOUT".
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default) or "interest".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements Publisher, Subscriber, TopologyProvisioner and
// QueueReader for NATS JetStream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter
	now    func() time.Time

	subscriptions []*nats.Subscription
	readers       map[string]*nats.Subscription
	subMu         sync.Mutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New creates a new NATS JetStream transport.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := newTransport(nc, js, cfg, logger)
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func newTransport(nc *nats.Conn, js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Transport{
		nc:         nc,
		js:         js,
		config:     cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
		readers:    make(map[string]*nats.Subscription),
		closedChan: make(chan struct{}),
	}
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}

	// Work queue retention would allow a single consumer per subject, which
	// defeats the exchange.
	if t.config.RetentionPolicy == "interest" {
		streamCfg.Retention = nats.InterestPolicy
	} else {
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return err
		}
	}
	return nil
}

// Provision creates the stream and the durable consumers for the inbox and
// the error queue, so messages published before the first subscription are
// kept for them.
func (t *Transport) Provision(_ context.Context, topo transport.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	if err := t.ensureStream(); err != nil {
		return fmt.Errorf("jetstream: stream: %w", err)
	}
	for _, topic := range []string{topo.Inbox, topo.Worker, topo.ErrorQueue} {
		if _, err := t.ensureConsumer(topic); err != nil {
			return err
		}
	}
	return nil
}

// Publish publishes messages to the JetStream stream. Messages for the retry
// queue are stored on the exchange subject with a due time.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return transport.ErrClosed
	}

	subject := t.topicToSubject(topic)
	var delayUntil string
	if topo := t.config.Topology; topic == topo.RetryQueue && topo.Exchange != "" {
		subject = t.topicToSubject(topo.Exchange)
		delayUntil = strconv.FormatInt(t.now().Add(topo.RetryDelay).UnixMilli(), 10)
	}

	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}
		headers.Set(HeaderUUID, msg.UUID)
		if delayUntil != "" {
			headers.Set(HeaderDelayUntil, delayUntil)
		}

		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}

		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

// Subscribe binds a pull subscription to the durable consumer of topic.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}

	sub, err := t.pullSubscribe(topic)
	if err != nil {
		return nil, err
	}

	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	output := make(chan *message.Message)
	go t.fetchMessages(ctx, sub, output, topic)

	return output, nil
}

func (t *Transport) pullSubscribe(topic string) (*nats.Subscription, error) {
	consumerCfg, err := t.ensureConsumer(topic)
	if err != nil {
		return nil, err
	}
	subject := consumerCfg.FilterSubject
	if subject == "" {
		subject = consumerCfg.FilterSubjects[0]
	}
	sub, err := t.js.PullSubscribe(subject, consumerCfg.Durable, nats.Bind(t.config.StreamName, consumerCfg.Durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %q: %w", topic, err)
	}
	return sub, nil
}

// ConsumerConfig returns the durable consumer used for topic. The inbox
// consumer also reads the exchange subject.
func (t *Transport) ConsumerConfig(topic string) *nats.ConsumerConfig {
	cfg := &nats.ConsumerConfig{
		Durable:       t.topicToConsumer(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if topo := t.config.Topology; topic == topo.Inbox && topo.Exchange != "" {
		cfg.FilterSubjects = []string{t.topicToSubject(topo.Exchange), t.topicToSubject(topic)}
	} else {
		cfg.FilterSubject = t.topicToSubject(topic)
	}
	return cfg
}

func (t *Transport) ensureConsumer(topic string) (*nats.ConsumerConfig, error) {
	consumerCfg := t.ConsumerConfig(topic)
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer for %q: %w", topic, err)
		}
	}
	return consumerCfg, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}

		for _, natsMsg := range msgs {
			if wait := t.remainingDelay(natsMsg); wait > 0 {
				if err := natsMsg.NakWithDelay(wait); err != nil {
					t.logger.Error("Failed to nak delayed message", err, watermill.LogFields{"topic": topic})
				}
				continue
			}

			wmMsg := natsToWatermill(natsMsg)

			select {
			case output <- wmMsg:
			case <-ctx.Done():
				return
			}
			select {
			case <-wmMsg.Acked():
				if err := natsMsg.Ack(); err != nil {
					t.logger.Error("Failed to ack", err, watermill.LogFields{"topic": topic})
				}
			case <-wmMsg.Nacked():
				if err := natsMsg.Nak(); err != nil {
					t.logger.Error("Failed to nak", err, watermill.LogFields{"topic": topic})
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Pop fetches one message from the durable consumer of queue and acks it.
func (t *Transport) Pop(ctx context.Context, queue string) (*message.Message, error) {
	if t.isClosed() {
		return nil, transport.ErrClosed
	}
	sub, err := t.reader(queue)
	if err != nil {
		return nil, err
	}

	wait, cancel := context.WithTimeout(ctx, popWait)
	defer cancel()
	msgs, err := sub.Fetch(1, nats.Context(wait))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.ErrQueueEmpty
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, transport.ErrQueueEmpty
	}
	if err := msgs[0].Ack(); err != nil {
		return nil, fmt.Errorf("failed to ack %q: %w", queue, err)
	}
	return natsToWatermill(msgs[0]), nil
}

func (t *Transport) reader(queue string) (*nats.Subscription, error) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	if sub, ok := t.readers[queue]; ok {
		return sub, nil
	}
	sub, err := t.pullSubscribe(queue)
	if err != nil {
		return nil, err
	}
	t.readers[queue] = sub
	return sub, nil
}

func (t *Transport) remainingDelay(msg *nats.Msg) time.Duration {
	raw := msg.Header.Get(HeaderDelayUntil)
	if raw == "" {
		return 0
	}
	due, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(due).Sub(t.now())
}

func natsToWatermill(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(HeaderUUID)
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if len(v) == 0 || k == HeaderUUID || k == HeaderDelayUntil {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

// Durable names cannot contain dots.
func (t *Transport) topicToConsumer(topic string) string {
	return "consumer_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Close closes the JetStream transport.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		_ = sub.Unsubscribe()
	}
	for _, sub := range t.readers {
		_ = sub.Unsubscribe()
	}
	t.subscriptions = nil
	t.readers = make(map[string]*nats.Subscription)
	t.subMu.Unlock()

	if t.nc != nil {
		t.nc.Close()
	}

	return nil
}
