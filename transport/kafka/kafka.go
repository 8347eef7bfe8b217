// Package kafka provides a Kafka transport for fanout.
//
// Kafka has no exchanges or TTL queues. Every service joins a consumer group
// named after its inbox, so each service sees every raw event once. Subscribing
// to the inbox also reads the inbox topic, which is where replays land. Delayed
// retries are emulated by the runtime's retry relay.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/fanout/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// ReplayGroupSuffix is appended to the error topic to name the consumer group
// that drains it. The group is shared by all services, so a failed message is
// replayed once.
const ReplayGroupSuffix = ".replay"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	topology := cfg.GetTopology()
	consumerGroup := cfg.GetKafkaConsumerGroup()
	if consumerGroup == "" {
		consumerGroup = topology.Inbox
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: kafka.DefaultMarshaler{},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	sub, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: consumerGroup,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	replay, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   kafka.DefaultMarshaler{},
			ConsumerGroup: topology.ErrorQueue + ReplayGroupSuffix,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, errors.Join(err, sub.Close())
	}

	return transport.Transport{
		Publisher: publisher,
		Subscriber: &subscriber{
			InboxSubscriber: transport.NewInboxSubscriber(sub, topology),
			replay:          replay,
		},
		Reader: transport.NewSubscriberReader(replay, 0),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

type subscriber struct {
	*transport.InboxSubscriber
	replay message.Subscriber
}

func (s *subscriber) Close() error {
	return errors.Join(s.InboxSubscriber.Close(), s.replay.Close())
}
