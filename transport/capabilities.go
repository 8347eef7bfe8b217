package transport

// Capabilities describes which parts of the fan-out protocol a transport
// handles natively.
type Capabilities struct {
	// SupportsDelay means publishing to the retry queue delays redelivery to the
	// exchange by itself. Otherwise the runtime runs a retry relay.
	SupportsDelay bool

	// SupportsNativeDLQ means the error queue holds messages until they are read.
	SupportsNativeDLQ bool

	// SupportsQueueRead means the transport ships a QueueReader, so failed
	// messages can be replayed without the subscriber fallback.
	SupportsQueueRead bool

	// SupportsTopology means the transport ships a TopologyProvisioner.
	SupportsTopology bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	Name string
}

// RequiresDelayEmulation reports whether the retry relay has to run.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory broker, which emulates TTL queues and
	// a held error queue.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsQueueRead: true,
		SupportsTopology:  true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// KafkaCapabilities for Kafka. Topics retain messages, so the error topic is
	// read through a shared consumer group.
	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		SupportsNativeDLQ: true,
		SupportsQueueRead: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ, where the retry queue is a TTL queue
	// dead-lettering to the fanout exchange.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsQueueRead: true,
		SupportsTopology:  true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// NATSCapabilities for NATS Core. Subjects hold nothing, so failed messages
	// only survive while a reader is attached.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsQueueRead: true,
		SupportsTopology:  true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// AWSCapabilities for SNS/SQS. Retries use the SQS delivery delay, capped at
	// fifteen minutes.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsQueueRead: true,
		SupportsTopology:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144, // 256KB
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
