// Package rabbitmq provides a RabbitMQ/AMQP transport for fanout.
//
// The exchange is a durable fanout exchange, every other destination is a
// durable queue addressed through the default exchange. The retry queue
// carries a message TTL and dead-letters back to the exchange, so retries need
// no relay.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/fanout/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// ChannelFactory opens the AMQP channel used for provisioning and queue reads.
var ChannelFactory = func(conn *amqp.ConnectionWrapper) (Channel, error) {
	return conn.Connection().Channel()
}

// Channel is the subset of *amqp091.Channel the provisioner and reader use.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Get(queue string, autoAck bool) (amqp091.Delivery, bool, error)
	Close() error
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build connects to RabbitMQ and returns a transport whose publisher routes
// the exchange topic to the fanout exchange and everything else to queues.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	topology := cfg.GetTopology()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	exchangeConfig := amqp.NewDurablePubSubConfig(url, nil)
	exchangeConfig.Marshaler = Marshaler{}
	queueConfig := amqp.NewDurableQueueConfig(url)
	queueConfig.Marshaler = Marshaler{}

	exchangePub, err := PublisherFactory(exchangeConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}
	queuePub, err := PublisherFactory(queueConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(queueConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	broker := &broker{
		conn:     conn,
		open:     func() (Channel, error) { return ChannelFactory(conn) },
		topology: topology,
	}

	return transport.Transport{
		Publisher: &routingPublisher{
			exchange:    topology.Exchange,
			exchangePub: exchangePub,
			queuePub:    queuePub,
			closeConn:   broker.close,
		},
		Subscriber:  subscriber,
		Provisioner: broker,
		Reader:      broker,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// routingPublisher sends the exchange topic through the fanout exchange and
// any other topic straight to the queue of that name.
type routingPublisher struct {
	exchange    string
	exchangePub message.Publisher
	queuePub    message.Publisher
	closeConn   func() error
}

func (p *routingPublisher) Publish(topic string, msgs ...*message.Message) error {
	if topic == p.exchange {
		return p.exchangePub.Publish(topic, msgs...)
	}
	return p.queuePub.Publish(topic, msgs...)
}

func (p *routingPublisher) Close() error {
	err := errors.Join(p.exchangePub.Close(), p.queuePub.Close())
	if p.closeConn != nil {
		err = errors.Join(err, p.closeConn())
	}
	return err
}

type broker struct {
	conn     *amqp.ConnectionWrapper
	open     func() (Channel, error)
	topology transport.Topology
}

// Provision declares the fanout exchange, binds the inbox to it and declares
// the worker, retry and error queues. The retry queue dead-letters expired
// messages to the exchange.
func (b *broker) Provision(_ context.Context, topo transport.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	ch, err := b.open()
	if err != nil {
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(topo.Exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: declare exchange %q: %w", topo.Exchange, err)
	}
	queues := []struct {
		name string
		args amqp091.Table
	}{
		{name: topo.Inbox},
		{name: topo.Worker},
		{name: topo.RetryQueue, args: RetryQueueArgs(topo)},
		{name: topo.ErrorQueue},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("rabbitmq: declare queue %q: %w", q.name, err)
		}
	}
	if err := ch.QueueBind(topo.Inbox, "", topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("rabbitmq: bind %q to %q: %w", topo.Inbox, topo.Exchange, err)
	}
	return nil
}

// RetryQueueArgs returns the queue arguments that make the retry queue hold
// messages for the retry delay and then route them to the exchange.
func RetryQueueArgs(topo transport.Topology) amqp091.Table {
	return amqp091.Table{
		"x-message-ttl":          topo.RetryDelay.Milliseconds(),
		"x-dead-letter-exchange": topo.Exchange,
	}
}

// Pop takes one message off queue with basic.get and auto-ack.
func (b *broker) Pop(ctx context.Context, queue string) (*message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := b.open()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	defer ch.Close()

	delivery, ok, err := ch.Get(queue, true)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: get from %q: %w", queue, err)
	}
	if !ok {
		return nil, transport.ErrQueueEmpty
	}
	return Marshaler{}.Unmarshal(delivery)
}

func (b *broker) close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Marshaler is the watermill-amqp DefaultMarshaler with non-string headers
// dropped on the way in. RabbitMQ adds x-death tables to dead-lettered
// messages, which the default marshaler would reject.
type Marshaler struct {
	amqp.DefaultMarshaler
}

func (m Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	headers := make(amqp091.Table, len(delivery.Headers))
	for key, value := range delivery.Headers {
		if _, ok := value.(string); ok {
			headers[key] = value
		}
	}
	delivery.Headers = headers
	return m.DefaultMarshaler.Unmarshal(delivery)
}
