package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/fanout/transport"
)

var testTopology = transport.Topology{
	Exchange:   "events",
	Inbox:      "events.billing.main",
	Worker:     "events.billing.worker",
	RetryQueue: "events.retry",
	ErrorQueue: "events.error",
	RetryDelay: time.Minute,
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "aws", caps.Name)
	assert.True(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsNativeDLQ)
	assert.False(t, caps.RequiresDelayEmulation())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.AWSCapabilities, caps)
	assert.Equal(t, int64(262144), caps.MaxMessageSize)
}

func TestResourceName(t *testing.T) {
	assert.Equal(t, "events-billing-main", ResourceName("events.billing.main"))
	assert.Equal(t, "plain", ResourceName("plain"))
}

func TestRetryDelaySeconds(t *testing.T) {
	assert.Equal(t, int32(60), retryDelaySeconds(time.Minute, watermill.NopLogger{}))
	assert.Equal(t, int32(900), retryDelaySeconds(time.Hour, watermill.NopLogger{}))
	assert.Equal(t, int32(0), retryDelaySeconds(0, watermill.NopLogger{}))
}

func TestBuild(t *testing.T) {
	t.Run("wires publishers and subscribers", func(t *testing.T) {
		f := stubFactories(t)
		cfg := &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012", topology: testTopology}

		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NotNil(t, tr.Publisher)
		require.NotNil(t, tr.Subscriber)
		require.NotNil(t, tr.Provisioner)
		require.NotNil(t, tr.Reader)

		assert.Len(t, f.queuePubConfigs, 2)
		assert.Nil(t, f.queuePubConfigs[0].GenerateSendMessageInput)
		require.NotNil(t, f.queuePubConfigs[1].GenerateSendMessageInput)

		name, err := f.snsSubConfig.GenerateSqsQueueName(context.Background(), "arn:aws:sns:us-east-1:123456789012:events")
		require.NoError(t, err)
		assert.Equal(t, "events-billing-main", name)
	})

	t.Run("delayed publisher sets the retry delay", func(t *testing.T) {
		f := stubFactories(t)
		cfg := &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012", topology: testTopology}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		body := "{}"
		input, err := f.queuePubConfigs[1].GenerateSendMessageInput(context.Background(), "https://sqs/queue", &types.Message{Body: &body})
		require.NoError(t, err)
		assert.Equal(t, int32(60), input.DelaySeconds)
		assert.Equal(t, "https://sqs/queue", aws.ToString(input.QueueUrl))
	})

	t.Run("custom endpoint adds resolver options", func(t *testing.T) {
		f := stubFactories(t)
		cfg := &mockConfig{awsRegion: "us-east-1", awsEndpoint: "http://localhost:4566", topology: testTopology}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)

		assert.Len(t, f.snsPubConfig.OptFns, 1)
		assert.Len(t, f.queuePubConfigs[0].OptFns, 1)
	})

	tests := []struct {
		name    string
		mutate  func(*factories)
		wantErr string
	}{
		{"config loader fails", func(f *factories) { f.loaderErr = errors.New("config error") }, "config error"},
		{"topic resolver fails", func(f *factories) { f.resolverErr = errors.New("resolver error") }, "resolver error"},
		{"sns publisher fails", func(f *factories) { f.snsPubErr = errors.New("publisher error") }, "publisher error"},
		{"sqs publisher fails", func(f *factories) { f.sqsPubErr = errors.New("queue publisher error") }, "queue publisher error"},
		{"sns subscriber fails", func(f *factories) { f.snsSubErr = errors.New("subscriber error") }, "subscriber error"},
		{"sqs subscriber fails", func(f *factories) { f.sqsSubErr = errors.New("queue subscriber error") }, "queue subscriber error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := stubFactories(t)
			tt.mutate(f)
			cfg := &mockConfig{awsRegion: "us-east-1", awsAccountID: "123456789012", topology: testTopology}
			_, err := Build(context.Background(), cfg, watermill.NopLogger{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("config without aws settings uses the default chain", func(t *testing.T) {
		f := stubFactories(t)
		_, err := Build(context.Background(), plainConfig{topology: testTopology}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, 0, f.loaderOpts)
	})
}

func TestPublishRoutes(t *testing.T) {
	b := newTestBroker()

	require.NoError(t, b.Publish("events", message.NewMessage("1", nil)))
	assert.Equal(t, []string{"events"}, b.topicPub.(*mockPublisher).topics)

	retry := message.NewMessage("2", nil)
	retry.Metadata.Set("reply_to", "events.shipping.main")
	bare := message.NewMessage("3", nil)
	require.NoError(t, b.Publish("events.retry", retry, bare))
	assert.Equal(t, []string{"events-shipping-main", "events-billing-main"}, b.delayedPub.(*mockPublisher).topics)

	require.NoError(t, b.Publish("events.error", message.NewMessage("4", nil)))
	assert.Equal(t, []string{"events-error"}, b.queuePub.(*mockPublisher).topics)

	b.delayedPub.(*mockPublisher).err = errors.New("send failed")
	assert.EqualError(t, b.Publish("events.retry", retry), "send failed")
}

func TestSubscribeRoutes(t *testing.T) {
	b := newTestBroker()
	sub := subscriber{b}

	_, err := sub.Subscribe(context.Background(), "events.billing.main")
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, b.inboxSub.(*mockSubscriber).topics)

	_, err = sub.Subscribe(context.Background(), "events.billing.worker")
	require.NoError(t, err)
	assert.Equal(t, []string{"events-billing-worker"}, b.queueSub.(*mockSubscriber).topics)

	require.NoError(t, sub.Close())
	assert.True(t, b.inboxSub.(*mockSubscriber).closed)
	assert.True(t, b.queueSub.(*mockSubscriber).closed)
}

func TestProvision(t *testing.T) {
	b := newTestBroker()
	require.NoError(t, b.Provision(context.Background(), testTopology))

	assert.Equal(t, []string{"events"}, b.topicPub.(*mockPublisher).created)
	assert.Equal(t, []string{"events"}, b.inboxSub.(*mockSubscriber).initialized)
	assert.Equal(t, []string{"events-billing-worker", "events-error"}, b.queuePub.(*mockPublisher).created)

	b.queuePub.(*mockPublisher).err = errors.New("denied")
	err := b.Provision(context.Background(), testTopology)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `create queue "events.billing.worker"`)

	assert.Error(t, b.Provision(context.Background(), transport.Topology{}))
}

func TestProvisionRequiresCapablePublishers(t *testing.T) {
	b := newTestBroker()
	b.topicPub = plainPublisher{}
	err := b.Provision(context.Background(), testTopology)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot provision")
}

func TestPop(t *testing.T) {
	b := newTestBroker()
	client := b.client.(*mockQueueClient)

	_, err := b.Pop(context.Background(), "events.error")
	assert.ErrorIs(t, err, transport.ErrQueueEmpty)
	assert.Equal(t, "events-error", client.resolved)

	body := `{"hello":"world"}`
	receipt := "receipt-1"
	client.messages = []types.Message{{
		Body:          &body,
		ReceiptHandle: &receipt,
		MessageAttributes: map[string]types.MessageAttributeValue{
			sqs.UUIDAttribute: {DataType: aws.String("String"), StringValue: aws.String("msg-1")},
			"event_type":      {DataType: aws.String("String"), StringValue: aws.String("order.created")},
		},
	}}

	msg, err := b.Pop(context.Background(), "events.error")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.UUID)
	assert.Equal(t, body, string(msg.Payload))
	assert.Equal(t, "order.created", msg.Metadata.Get("event_type"))
	assert.Equal(t, []string{"receipt-1"}, client.deleted)
}

func TestPopErrors(t *testing.T) {
	b := newTestBroker()
	client := b.client.(*mockQueueClient)

	client.resolveErr = errors.New("no such queue")
	_, err := b.Pop(context.Background(), "events.error")
	assert.ErrorContains(t, err, "no such queue")

	client.resolveErr = nil
	client.receiveErr = errors.New("throttled")
	_, err = b.Pop(context.Background(), "events.error")
	assert.ErrorContains(t, err, "throttled")
}

func TestResolveAccountAndRegion(t *testing.T) {
	t.Run("uses config values", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(Settings{AccountID: "123456789012", Region: "us-west-2"}, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-west-2", region)
	})

	t.Run("uses fallback region when config region empty", func(t *testing.T) {
		accountID, region := resolveAccountAndRegion(Settings{AccountID: "'123456789012'"}, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, "123456789012", accountID)
		assert.Equal(t, "us-east-1", region)
	})

	t.Run("uses localstack default when endpoint set and account empty", func(t *testing.T) {
		accountID, _ := resolveAccountAndRegion(Settings{Endpoint: "http://localhost:4566"}, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})

	t.Run("replaces malformed account id against a custom endpoint", func(t *testing.T) {
		accountID, _ := resolveAccountAndRegion(Settings{Endpoint: "http://localhost:4566", AccountID: "42"}, watermill.NopLogger{}, "us-east-1")
		assert.Equal(t, localstackAccountID, accountID)
	})
}

func TestCreateAWSConfig(t *testing.T) {
	original := DefaultConfigLoader
	t.Cleanup(func() { DefaultConfigLoader = original })

	var gotOpts int
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		gotOpts = len(opts)
		return aws.Config{}, nil
	}

	cfg, err := createAWSConfig(context.Background(), Settings{
		Region:          "eu-central-1",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		Endpoint:        "http://localhost:4566",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, 2, gotOpts)
	assert.Equal(t, "eu-central-1", cfg.Region)
	assert.Equal(t, "http://localhost:4566", aws.ToString(cfg.BaseEndpoint))

	creds, err := staticCredentialsProvider("key", "secret").Retrieve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "key", creds.AccessKeyID)
	assert.Equal(t, "secret", creds.SecretAccessKey)

	_, err = createAWSConfig(context.Background(), Settings{Endpoint: "://bad"}, watermill.NopLogger{})
	assert.Error(t, err)
}

// factories swaps every package level factory for the duration of a test.
type factories struct {
	loaderErr, resolverErr, snsPubErr, sqsPubErr, snsSubErr, sqsSubErr error

	loaderOpts      int
	snsPubConfig    sns.PublisherConfig
	snsSubConfig    sns.SubscriberConfig
	queuePubConfigs []sqs.PublisherConfig
}

func stubFactories(t *testing.T) *factories {
	t.Helper()
	loader, resolver := DefaultConfigLoader, TopicResolverFactory
	pub, sub := PublisherFactory, SubscriberFactory
	qpub, qsub, client := QueuePublisherFactory, QueueSubscriberFactory, QueueClientFactory
	t.Cleanup(func() {
		DefaultConfigLoader, TopicResolverFactory = loader, resolver
		PublisherFactory, SubscriberFactory = pub, sub
		QueuePublisherFactory, QueueSubscriberFactory, QueueClientFactory = qpub, qsub, client
	})

	f := &factories{}
	DefaultConfigLoader = func(ctx context.Context, opts ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		f.loaderOpts = len(opts)
		if f.loaderErr != nil {
			return aws.Config{}, f.loaderErr
		}
		return aws.Config{Region: "us-east-1"}, nil
	}
	TopicResolverFactory = func(accountID, region string) (*sns.GenerateArnTopicResolver, error) {
		if f.resolverErr != nil {
			return nil, f.resolverErr
		}
		return &sns.GenerateArnTopicResolver{}, nil
	}
	PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		f.snsPubConfig = cfg
		if f.snsPubErr != nil {
			return nil, f.snsPubErr
		}
		return &mockPublisher{}, nil
	}
	QueuePublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		f.queuePubConfigs = append(f.queuePubConfigs, cfg)
		if f.sqsPubErr != nil {
			return nil, f.sqsPubErr
		}
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		f.snsSubConfig = cfg
		if f.snsSubErr != nil {
			return nil, f.snsSubErr
		}
		return &mockSubscriber{}, nil
	}
	QueueSubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		if f.sqsSubErr != nil {
			return nil, f.sqsSubErr
		}
		return &mockSubscriber{}, nil
	}
	QueueClientFactory = func(aws.Config, ...func(*amazonsqs.Options)) QueueAPI {
		return &mockQueueClient{}
	}
	return f
}

func newTestBroker() *broker {
	return &broker{
		topology:   testTopology,
		topicPub:   &mockPublisher{},
		queuePub:   &mockPublisher{},
		delayedPub: &mockPublisher{},
		inboxSub:   &mockSubscriber{},
		queueSub:   &mockSubscriber{},
		client:     &mockQueueClient{},
	}
}

type mockPublisher struct {
	topics  []string
	created []string
	err     error
}

func (m *mockPublisher) Publish(topic string, msgs ...*message.Message) error {
	if m.err != nil {
		return m.err
	}
	for range msgs {
		m.topics = append(m.topics, topic)
	}
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) CreateTopic(_ context.Context, topic string) (string, error) {
	m.created = append(m.created, topic)
	return "arn:" + topic, m.err
}

func (m *mockPublisher) GetQueueUrl(_ context.Context, topic string, _ bool) (sqs.QueueName, sqs.QueueURL, error) {
	if m.err != nil {
		return "", "", m.err
	}
	m.created = append(m.created, topic)
	return sqs.QueueName(topic), sqs.QueueURL("https://sqs/" + topic), nil
}

type plainPublisher struct{}

func (plainPublisher) Publish(string, ...*message.Message) error { return nil }
func (plainPublisher) Close() error                              { return nil }

type mockSubscriber struct {
	topics      []string
	initialized []string
	closed      bool
}

func (m *mockSubscriber) Subscribe(_ context.Context, topic string) (<-chan *message.Message, error) {
	m.topics = append(m.topics, topic)
	return make(chan *message.Message), nil
}

func (m *mockSubscriber) SubscribeInitializeWithContext(_ context.Context, topic string) error {
	m.initialized = append(m.initialized, topic)
	return nil
}

func (m *mockSubscriber) Close() error {
	m.closed = true
	return nil
}

type mockQueueClient struct {
	messages   []types.Message
	resolved   string
	deleted    []string
	resolveErr error
	receiveErr error
}

func (m *mockQueueClient) GetQueueUrl(_ context.Context, in *amazonsqs.GetQueueUrlInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	m.resolved = aws.ToString(in.QueueName)
	return &amazonsqs.GetQueueUrlOutput{QueueUrl: aws.String("https://sqs/" + m.resolved)}, nil
}

func (m *mockQueueClient) ReceiveMessage(context.Context, *amazonsqs.ReceiveMessageInput, ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error) {
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	out := &amazonsqs.ReceiveMessageOutput{Messages: m.messages}
	m.messages = nil
	return out, nil
}

func (m *mockQueueClient) DeleteMessage(_ context.Context, in *amazonsqs.DeleteMessageInput, _ ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error) {
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &amazonsqs.DeleteMessageOutput{}, nil
}

// mockConfig implements transport.Config and transport.AWSConfig.
type mockConfig struct {
	awsRegion          string
	awsAccountID       string
	awsAccessKeyID     string
	awsSecretAccessKey string
	awsEndpoint        string
	topology           transport.Topology
}

func (m *mockConfig) GetPubSubSystem() string       { return "aws" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetTopology() transport.Topology {
	return m.topology
}
func (m *mockConfig) GetAWSRegion() string          { return m.awsRegion }
func (m *mockConfig) GetAWSAccountID() string       { return m.awsAccountID }
func (m *mockConfig) GetAWSAccessKeyID() string     { return m.awsAccessKeyID }
func (m *mockConfig) GetAWSSecretAccessKey() string { return m.awsSecretAccessKey }
func (m *mockConfig) GetAWSEndpoint() string        { return m.awsEndpoint }

// plainConfig carries no AWS settings.
type plainConfig struct {
	topology transport.Topology
}

func (plainConfig) GetPubSubSystem() string           { return "aws" }
func (plainConfig) GetKafkaBrokers() []string         { return nil }
func (plainConfig) GetKafkaConsumerGroup() string     { return "" }
func (plainConfig) GetRabbitMQURL() string            { return "" }
func (plainConfig) GetNATSURL() string                { return "" }
func (p plainConfig) GetTopology() transport.Topology { return p.topology }
