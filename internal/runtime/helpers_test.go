package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/fanout/internal/runtime/config"
	"github.com/drblury/fanout/internal/runtime/envelope"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	transportpkg "github.com/drblury/fanout/internal/runtime/transport"
	"github.com/drblury/fanout/transport"
	channeltransport "github.com/drblury/fanout/transport/channel"
)

type orderPlaced struct {
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

func (orderPlaced) EventType() string { return "orders.placed" }

type orderCancelled struct {
	ID string `json:"id"`
}

func (orderCancelled) EventType() string { return "orders.cancelled" }

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	messages  []*message.Message
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.published = append(p.published, topic)
		p.messages = append(p.messages, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]string, len(p.published))
	copy(clone, p.published)
	return clone
}

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages...)
}

type testSubscriber struct {
	err error
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// stubTransport returns a factory serving pub and sub without a provisioner
// or queue reader.
func stubTransport(pub message.Publisher, sub message.Subscriber) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transportpkg.Transport, error) {
		return transport.Transport{Publisher: pub, Subscriber: sub}, nil
	})
}

// channelService builds a Service on a private in-memory broker. The broker is
// returned so tests can inspect held queues.
func channelService(t *testing.T, mutate func(*configpkg.Config), deps ServiceDependencies) (*Service, *channeltransport.Broker) {
	t.Helper()

	cfg := configpkg.WithDefaults()
	cfg.AppName = "billing"
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.ScheduledTasksEnabled = false
	if mutate != nil {
		mutate(&cfg)
	}

	var broker *channeltransport.Broker
	if deps.TransportFactory == nil {
		deps.TransportFactory = transportpkg.FactoryFunc(func(ctx context.Context, conf *configpkg.Config, logger watermill.LoggerAdapter) (transportpkg.Transport, error) {
			broker = channeltransport.NewBroker(gochannel.Config{}, logger)
			if err := broker.Provision(ctx, conf.GetTopology()); err != nil {
				return transport.Transport{}, err
			}
			return broker.Transport(), nil
		})
	}
	if deps.Types == nil {
		deps.Types = envelope.NewTypes()
	}
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}

	svc, err := TryNewService(&cfg, newTestLogger(), context.Background(), deps)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc, broker
}

// startService runs svc until the test ends and waits for the router to
// subscribe.
func startService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("service did not stop")
		}
	})

	select {
	case <-svc.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
