package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/fanout/transport"
)

var topology = transport.Topology{
	Exchange:   "events",
	Inbox:      "events.billing.main",
	Worker:     "events.billing.worker",
	RetryQueue: "events.retry",
	ErrorQueue: "events.error",
	RetryDelay: time.Minute,
}

func TestRegister(t *testing.T) {
	saved := transport.DefaultRegistry
	transport.DefaultRegistry = transport.NewRegistry()
	t.Cleanup(func() { transport.DefaultRegistry = saved })
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.RequiresDelayEmulation())
	assert.False(t, caps.SupportsNativeDLQ)
	assert.False(t, caps.SupportsQueueRead)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSCapabilities, caps)
	assert.Equal(t, "nats", caps.Name)
}

func TestBuild(t *testing.T) {
	t.Run("creates core transport with inbox queue group", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", config.URL)
			assert.True(t, config.JetStream.Disabled)
			return mockPub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "nats://localhost:4222", config.URL)
			assert.Equal(t, "events.billing.main", config.QueueGroupPrefix)
			assert.True(t, config.JetStream.Disabled)
			return mockSub, nil
		}

		tr, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Nil(t, tr.Reader)

		_, err = tr.Subscriber.Subscribe(context.Background(), topology.Inbox)
		require.NoError(t, err)
		assert.Equal(t, []string{"events", "events.billing.main"}, mockSub.topics)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222"}, watermill.NopLogger{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222"}, watermill.NopLogger{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
	})
}

type mockConfig struct {
	natsURL string
}

func (m *mockConfig) GetPubSubSystem() string          { return "nats" }
func (m *mockConfig) GetKafkaBrokers() []string        { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string    { return "" }
func (m *mockConfig) GetRabbitMQURL() string           { return "" }
func (m *mockConfig) GetNATSURL() string               { return m.natsURL }
func (m *mockConfig) GetTopology() transport.Topology { return topology }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct {
	topics []string
}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	m.topics = append(m.topics, topic)
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
