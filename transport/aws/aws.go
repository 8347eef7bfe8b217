// Package aws provides an AWS SNS/SQS transport for fanout.
//
// The exchange is an SNS topic and every inbox is an SQS queue subscribed to
// it. Worker, retry target and error destinations are plain SQS queues. A
// retry is sent straight to the inbox queue named by its reply_to header with
// an SQS delivery delay, which stands in for the TTL queue. Dots in topic names
// become hyphens because SNS and SQS names do not allow them.
package aws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/fanout/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12

	// MaxDelay is the longest delivery delay SQS accepts. Longer retry delays
	// are clamped.
	MaxDelay = 15 * time.Minute

	replyToHeader = "reply_to"
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the SNS publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the SNS subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

// QueuePublisherFactory allows overriding the SQS publisher creation for testing.
var QueuePublisherFactory = func(cfg sqs.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sqs.NewPublisher(cfg, logger)
}

// QueueSubscriberFactory allows overriding the SQS subscriber creation for testing.
var QueueSubscriberFactory = func(cfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sqs.NewSubscriber(cfg, logger)
}

// QueueClientFactory creates the SQS client used to pop single messages.
var QueueClientFactory = func(cfg aws.Config, optFns ...func(*amazonsqs.Options)) QueueAPI {
	return amazonsqs.NewFromConfig(cfg, optFns...)
}

// QueueAPI is the subset of the SQS client used by Pop.
type QueueAPI interface {
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// Settings are the AWS specific values read from a config implementing
// transport.AWSConfig.
type Settings struct {
	Region          string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
}

func settingsFrom(cfg transport.Config) Settings {
	awsCfg, ok := cfg.(transport.AWSConfig)
	if !ok {
		return Settings{}
	}
	return Settings{
		Region:          awsCfg.GetAWSRegion(),
		AccountID:       awsCfg.GetAWSAccountID(),
		AccessKeyID:     awsCfg.GetAWSAccessKeyID(),
		SecretAccessKey: awsCfg.GetAWSSecretAccessKey(),
		Endpoint:        awsCfg.GetAWSEndpoint(),
	}
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	settings := settingsFrom(cfg)
	topology := cfg.GetTopology()

	awsCfg, err := createAWSConfig(ctx, settings, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          safeAWSRegion(awsCfg),
		"custom_endpoint": hasCustomEndpoint(awsCfg),
	})

	accountID, region := resolveAccountAndRegion(settings, logger, safeAWSRegion(awsCfg))
	topicResolver, err := createTopicResolver(accountID, region, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	snsOpts, sqsOpts, err := endpointOptions(awsCfg)
	if err != nil {
		return transport.Transport{}, err
	}

	topicPub, err := PublisherFactory(sns.PublisherConfig{
		TopicResolver: topicResolver,
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	queuePub, err := QueuePublisherFactory(sqs.PublisherConfig{
		AWSConfig: *awsCfg,
		OptFns:    sqsOpts,
		Marshaler: sqs.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	delay := retryDelaySeconds(topology.RetryDelay, logger)
	delayedPub, err := QueuePublisherFactory(sqs.PublisherConfig{
		AWSConfig: *awsCfg,
		OptFns:    sqsOpts,
		Marshaler: sqs.DefaultMarshalerUnmarshaler{},
		GenerateSendMessageInput: func(ctx context.Context, queueURL sqs.QueueURL, msg *types.Message) (*amazonsqs.SendMessageInput, error) {
			input, err := sqs.GenerateSendMessageInputDefault(ctx, queueURL, msg)
			if err != nil {
				return nil, err
			}
			input.DelaySeconds = delay
			return input, nil
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	sqsSubscriberConfig := sqs.SubscriberConfig{
		AWSConfig: *awsCfg,
		OptFns:    sqsOpts,
	}
	inboxSub, err := SubscriberFactory(sns.SubscriberConfig{
		AWSConfig:     *awsCfg,
		OptFns:        snsOpts,
		TopicResolver: topicResolver,
		GenerateSqsQueueName: func(context.Context, sns.TopicArn) (string, error) {
			return ResourceName(topology.Inbox), nil
		},
	}, sqsSubscriberConfig, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	queueSub, err := QueueSubscriberFactory(sqsSubscriberConfig, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	b := &broker{
		topology:   topology,
		topicPub:   topicPub,
		queuePub:   queuePub,
		delayedPub: delayedPub,
		inboxSub:   inboxSub,
		queueSub:   queueSub,
		client:     QueueClientFactory(*awsCfg, sqsOpts...),
	}
	return transport.Transport{
		Publisher:   b,
		Subscriber:  subscriber{b},
		Provisioner: b,
		Reader:      b,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// ResourceName maps a topic to a valid SNS topic or SQS queue name.
func ResourceName(topic string) string {
	return strings.ReplaceAll(topic, ".", "-")
}

func retryDelaySeconds(d time.Duration, logger watermill.LoggerAdapter) int32 {
	if d > MaxDelay {
		logger.Info("Retry delay exceeds the SQS maximum; clamping", watermill.LogFields{
			"retry_delay": d.String(),
			"max_delay":   MaxDelay.String(),
		})
		d = MaxDelay
	}
	return int32(d / time.Second)
}

type broker struct {
	topology   transport.Topology
	topicPub   message.Publisher
	queuePub   message.Publisher
	delayedPub message.Publisher
	inboxSub   message.Subscriber
	queueSub   message.Subscriber
	client     QueueAPI
}

// Publish sends the exchange topic to SNS and retries to the delayed inbox
// queue named by reply_to. Everything else goes to the SQS queue of the topic.
func (b *broker) Publish(topic string, msgs ...*message.Message) error {
	switch topic {
	case b.topology.Exchange:
		return b.topicPub.Publish(ResourceName(topic), msgs...)
	case b.topology.RetryQueue:
		for _, msg := range msgs {
			target := msg.Metadata.Get(replyToHeader)
			if target == "" {
				target = b.topology.Inbox
			}
			if err := b.delayedPub.Publish(ResourceName(target), msg); err != nil {
				return err
			}
		}
		return nil
	default:
		return b.queuePub.Publish(ResourceName(topic), msgs...)
	}
}

func (b *broker) Close() error {
	return errors.Join(b.topicPub.Close(), b.queuePub.Close(), b.delayedPub.Close())
}

type topicCreator interface {
	CreateTopic(ctx context.Context, topic string) (string, error)
}

type queueCreator interface {
	GetQueueUrl(ctx context.Context, topic string, createIfNotExists bool) (sqs.QueueName, sqs.QueueURL, error)
}

type subscriptionInitializer interface {
	SubscribeInitializeWithContext(ctx context.Context, topic string) error
}

// Provision creates the SNS topic, the inbox queue with its subscription and
// the worker and error queues.
func (b *broker) Provision(ctx context.Context, topo transport.Topology) error {
	if err := topo.Validate(); err != nil {
		return err
	}
	topics, ok1 := b.topicPub.(topicCreator)
	queues, ok2 := b.queuePub.(queueCreator)
	inbox, ok3 := b.inboxSub.(subscriptionInitializer)
	if !ok1 || !ok2 || !ok3 {
		return errors.New("aws: publishers or subscriber cannot provision")
	}

	if _, err := topics.CreateTopic(ctx, ResourceName(topo.Exchange)); err != nil {
		return fmt.Errorf("aws: create topic %q: %w", topo.Exchange, err)
	}
	if err := inbox.SubscribeInitializeWithContext(ctx, ResourceName(topo.Exchange)); err != nil {
		return fmt.Errorf("aws: subscribe inbox %q: %w", topo.Inbox, err)
	}
	for _, q := range []string{topo.Worker, topo.ErrorQueue} {
		if _, _, err := queues.GetQueueUrl(ctx, ResourceName(q), true); err != nil {
			return fmt.Errorf("aws: create queue %q: %w", q, err)
		}
	}
	return nil
}

// Pop receives one message from the SQS queue and deletes it.
func (b *broker) Pop(ctx context.Context, queue string) (*message.Message, error) {
	urlOut, err := b.client.GetQueueUrl(ctx, &amazonsqs.GetQueueUrlInput{QueueName: aws.String(ResourceName(queue))})
	if err != nil {
		return nil, fmt.Errorf("aws: resolve queue %q: %w", queue, err)
	}
	out, err := b.client.ReceiveMessage(ctx, &amazonsqs.ReceiveMessageInput{
		QueueUrl:              urlOut.QueueUrl,
		MessageAttributeNames: []string{"All"},
		MaxNumberOfMessages:   1,
		WaitTimeSeconds:       1,
	})
	if err != nil {
		return nil, fmt.Errorf("aws: receive from %q: %w", queue, err)
	}
	if len(out.Messages) == 0 {
		return nil, transport.ErrQueueEmpty
	}

	raw := out.Messages[0]
	msg, err := sqs.DefaultMarshalerUnmarshaler{}.Unmarshal(&raw)
	if err != nil {
		return nil, err
	}
	if _, err := b.client.DeleteMessage(ctx, &amazonsqs.DeleteMessageInput{
		QueueUrl:      urlOut.QueueUrl,
		ReceiptHandle: raw.ReceiptHandle,
	}); err != nil {
		return nil, fmt.Errorf("aws: delete from %q: %w", queue, err)
	}
	return msg, nil
}

// subscriber reads the inbox through its SNS subscription and every other
// topic from the SQS queue of that name.
type subscriber struct {
	b *broker
}

func (s subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic == s.b.topology.Inbox {
		return s.b.inboxSub.Subscribe(ctx, ResourceName(s.b.topology.Exchange))
	}
	return s.b.queueSub.Subscribe(ctx, ResourceName(topic))
}

func (s subscriber) Close() error {
	return errors.Join(s.b.inboxSub.Close(), s.b.queueSub.Close())
}

func createAWSConfig(ctx context.Context, settings Settings, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if settings.Region != "" {
		logger.Info("Setting AWS region from config", watermill.LogFields{"region": settings.Region})
		opts = append(opts, awsconfig.WithRegion(settings.Region))
	}
	if settings.AccessKeyID != "" && settings.SecretAccessKey != "" {
		logger.Info("Using static AWS credentials from config", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(settings.AccessKeyID, settings.SecretAccessKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		fields := watermill.LogFields{}
		if settings.Region != "" {
			fields["requested_region"] = settings.Region
		}
		logger.Error("Failed to load AWS default config", err, fields)
		return nil, err
	}

	// Ensure region is set even if the loader ignores options
	if settings.Region != "" {
		awsCfg.Region = settings.Region
	}
	if settings.Endpoint != "" {
		endpoint, err := url.Parse(settings.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse AWS endpoint: %w", err)
		}
		awsCfg.BaseEndpoint = aws.String(endpoint.String())
	}

	return &awsCfg, nil
}

func endpointOptions(awsCfg *aws.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	if !hasCustomEndpoint(awsCfg) {
		return nil, nil, nil
	}
	parsedURL, err := url.Parse(*awsCfg.BaseEndpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse BaseEndpoint: %w", err)
	}
	snsOpts := []func(*amazonsns.Options){
		amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	sqsOpts := []func(*amazonsqs.Options){
		amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *parsedURL},
		}),
	}
	return snsOpts, sqsOpts, nil
}

func resolveAccountAndRegion(settings Settings, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(settings.AccountID, "\"' ")
	region := settings.Region
	if region == "" {
		region = fallbackRegion
	}

	if settings.Endpoint == "" {
		return accountID, region
	}
	if accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID, region
	}
	if len(accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func createTopicResolver(accountID, region string, logger watermill.LoggerAdapter) (sns.TopicResolver, error) {
	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return nil, err
	}
	return topicResolver, nil
}

func safeAWSRegion(cfg *aws.Config) string {
	if cfg == nil {
		return ""
	}
	return cfg.Region
}

func hasCustomEndpoint(cfg *aws.Config) bool {
	return cfg != nil && cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != ""
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}
