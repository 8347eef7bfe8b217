// Package transport defines the core interfaces and types for fanout transports.
// Each transport implementation (channel, kafka, rabbitmq, nats, aws) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	fanouterrors "github.com/drblury/fanout/internal/runtime/errors"
)

var (
	// ErrQueueEmpty is returned by QueueReader.Pop when no message is waiting.
	ErrQueueEmpty = fanouterrors.ErrQueueEmpty

	ErrClosed = errors.New("fanout: transport is closed")
)

// Transport combines a publisher and subscriber pair produced by a factory.
// Provisioner and Reader are optional and only set by transports that can
// declare topology or read single messages from a queue.
type Transport struct {
	Publisher   message.Publisher
	Subscriber  message.Subscriber
	Provisioner TopologyProvisioner
	Reader      QueueReader
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	GetTopology() Topology
}

// AWSConfig is implemented by configs that carry AWS settings. The aws
// transport falls back to the SDK default chain when cfg does not implement it.
type AWSConfig interface {
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Topology names the destinations of the fan-out protocol.
//
// Raw events are published to Exchange, which copies them to every bound Inbox.
// Envelopes for local handlers go to Worker. Failed envelopes wait RetryDelay in
// RetryQueue and are then dead-lettered back to Exchange; exhausted ones are held
// in ErrorQueue until replayed.
type Topology struct {
	Exchange   string
	Inbox      string
	Worker     string
	RetryQueue string
	ErrorQueue string
	RetryDelay time.Duration
}

// Validate reports missing destination names.
func (t Topology) Validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"exchange", t.Exchange},
		{"inbox", t.Inbox},
		{"worker", t.Worker},
		{"retry queue", t.RetryQueue},
		{"error queue", t.ErrorQueue},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("topology: %s name is required", f.name))
		}
	}
	if t.RetryDelay < 0 {
		errs = append(errs, errors.New("topology: retry delay cannot be negative"))
	}
	return errors.Join(errs...)
}

// TopologyProvisioner is implemented by transports that can declare the
// exchange, queues and bindings a Topology needs.
type TopologyProvisioner interface {
	Provision(ctx context.Context, topology Topology) error
}

// QueueReader is implemented by transports that can take a single message off
// a queue without a long-lived subscription. Pop returns ErrQueueEmpty when the
// queue is drained. A popped message is already removed from the queue.
type QueueReader interface {
	Pop(ctx context.Context, queue string) (*message.Message, error)
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
