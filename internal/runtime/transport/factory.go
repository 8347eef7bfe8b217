package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/fanout/internal/runtime/config"
	"github.com/drblury/fanout/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/fanout/transport/transports"
)

// Transport is the publisher, subscriber and optional topology and queue
// access produced by a factory.
type Transport = transport.Transport

// Factory abstracts how the Service initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in transport factory that uses the
// modular transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	t, err := transport.Build(ctx, conf, logger)
	if err != nil {
		return Transport{}, err
	}
	if t.Publisher == nil || t.Subscriber == nil {
		return Transport{}, fmt.Errorf("transport %q returned no publisher or subscriber", conf.PubSubSystem)
	}
	return t, nil
}
