package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"

	channeltransport "github.com/drblury/fanout/transport/channel"
)

type invoiceSent struct {
	Number string `json:"number"`
}

func (invoiceSent) EventType() string { return "invoices.sent" }

func TestHandlerExportsPropagateErrors(t *testing.T) {
	_, err := Subscribe(nil, "mailer", func(context.Context, invoiceSent) error { return nil })
	if !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestRegisterEventType(t *testing.T) {
	types := NewEventTypes()
	name, err := RegisterEventType[invoiceSent](types)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "invoices.sent" || !types.Has(name) {
		t.Fatalf("expected invoices.sent to be registered, got %q", name)
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	logger.Info("boot", LogFields{"component": "test"})
	NewDiscardServiceLogger().Error("ignored", errors.New("x"), nil)
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata(MetadataKeyReplyTo, "events.billing.main")
	if md["reply_to"] != "events.billing.main" {
		t.Fatalf("expected metadata to contain reply_to, got %#v", md)
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryPoison != "poison" {
		t.Fatalf("expected ErrorCategoryPoison to be 'poison', got %q", ErrorCategoryPoison)
	}
}

func TestFacadeBuildsService(t *testing.T) {
	cfg := WithDefaults()
	cfg.AppName = "invoicing"
	cfg.ScheduledTasksEnabled = false

	svc, err := TryNewService(&cfg, NewDiscardServiceLogger(), context.Background(), ServiceDependencies{
		TransportFactory: TransportFactoryFunc(func(ctx context.Context, conf *Config, logger watermill.LoggerAdapter) (Transport, error) {
			broker := channeltransport.NewBroker(gochannel.Config{}, logger)
			if err := broker.Provision(ctx, conf.GetTopology()); err != nil {
				return Transport{}, err
			}
			return broker.Transport(), nil
		}),
		Types:      NewEventTypes(),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() { _ = svc.Close() }()

	name, err := Subscribe(svc, "", func(context.Context, invoiceSent) error { return nil }, WithRetries(2), WithExpression("event.number ~= nil"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name == "" {
		t.Fatal("expected generated handler name")
	}
	handlers := svc.RegisteredHandlers()
	if len(handlers) != 1 || handlers[0].RetryBudget != 2 || handlers[0].Condition != "event.number ~= nil" {
		t.Fatalf("unexpected registry contents: %#v", handlers)
	}

	res, err := svc.RunMaintenance(context.Background(), JobClearCompleted)
	if err != nil || !res.Acquired {
		t.Fatalf("maintenance failed: %+v %v", res, err)
	}
}
