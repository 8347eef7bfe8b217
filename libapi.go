package fanout

import (
	runtimepkg "github.com/drblury/fanout/internal/runtime"
	"github.com/drblury/fanout/internal/runtime/condition"
	configpkg "github.com/drblury/fanout/internal/runtime/config"
	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	handlerpkg "github.com/drblury/fanout/internal/runtime/handlers"
	idspkg "github.com/drblury/fanout/internal/runtime/ids"
	jsoncodec "github.com/drblury/fanout/internal/runtime/jsoncodec"
	"github.com/drblury/fanout/internal/runtime/journal"
	"github.com/drblury/fanout/internal/runtime/lock"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
	metricspkg "github.com/drblury/fanout/internal/runtime/metrics"
	"github.com/drblury/fanout/internal/runtime/registry"
	"github.com/drblury/fanout/internal/runtime/scheduler"
	transportpkg "github.com/drblury/fanout/internal/runtime/transport"
	newtransport "github.com/drblury/fanout/transport"
)

type (
	Config               = configpkg.Config
	JobConfig            = configpkg.JobConfig
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	Transport            = transportpkg.Transport
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc
	Topology             = newtransport.Topology

	// Events and handlers
	Event                  = envelope.Event
	Envelope               = envelope.Envelope
	EventTypes             = envelope.Types
	Callback               = registry.Callback
	HandlerDescriptor      = registry.Descriptor
	HandlerOption          = runtimepkg.HandlerOption
	TypedHandler[T any]    = handlerpkg.TypedHandler[T]
	Delivery               = handlerpkg.Delivery
	Condition              = condition.Condition
	ConditionFunc          = condition.Func
	Expression             = condition.Expression
	RegisteredHandler      = runtimepkg.RegisteredHandler
	Producer               = runtimepkg.Producer
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	// Journal and locking
	Journal      = journal.Journal
	Publication  = journal.Publication
	LockProvider = lock.Provider

	// Maintenance
	MaintenanceResult = scheduler.Result

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	PoisonMessageError       = errspkg.PoisonMessageError
	HandlerExecutionError    = errspkg.HandlerExecutionError
	ConditionEvaluationError = errspkg.ConditionEvaluationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// DLQ metrics
	DLQMetrics         = metricspkg.DLQMetrics
	DLQTopicMetrics    = metricspkg.DLQTopicMetrics
	DLQMetricsSnapshot = metricspkg.DLQMetricsSnapshot

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory

	// Transport capabilities
	Capabilities = transportpkg.Capabilities

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	QueueReader           = newtransport.QueueReader
	TopologyProvisioner   = newtransport.TopologyProvisioner
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	WithDefaults   = configpkg.WithDefaults
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	WithRetries    = runtimepkg.WithRetries
	WithCondition  = runtimepkg.WithCondition
	WithExpression = runtimepkg.WithExpression

	NewEventTypes     = envelope.NewTypes
	NewEnvelope       = envelope.New
	NewEventMessage   = runtimepkg.NewEventMessage
	Expr              = condition.Expr
	DescribeCondition = condition.Describe

	DeliveryFromContext = handlerpkg.DeliveryFromContext
	LoggerFromContext   = handlerpkg.LoggerFromContext

	NewMemoryJournal   = journal.NewMemory
	NewPostgresJournal = journal.NewPostgres
	NewMemoryLock      = lock.NewMemory
	NewRedisLock       = lock.NewRedisFromURL

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	// DLQ metrics
	NewDLQMetrics = metricspkg.NewDLQMetrics

	// Transport capabilities
	GetCapabilities = transportpkg.GetCapabilities

	// Import individual transports via: _ "github.com/drblury/fanout/transport/kafka"
	// or all of them via: _ "github.com/drblury/fanout/transport/transports"
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrServiceDisabled      = errspkg.ErrServiceDisabled
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrEventRequired        = errspkg.ErrEventRequired
	ErrEventTypeRequired    = errspkg.ErrEventTypeRequired
	ErrUnknownEventType     = errspkg.ErrUnknownEventType
	ErrNegativeRetryBudget  = errspkg.ErrNegativeRetryBudget
	ErrDuplicateHandlerName = errspkg.ErrDuplicateHandlerName
	ErrNoHandlerFound       = errspkg.ErrNoHandlerFound
	ErrPoisonMessage        = errspkg.ErrPoisonMessage
	ErrQueueEmpty           = errspkg.ErrQueueEmpty

	NewSlogServiceLogger    = loggingpkg.NewSlogServiceLogger
	NewDiscardServiceLogger = loggingpkg.NewDiscardServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Metadata keys carried on every fan-out message.
const (
	MetadataKeyRetryLeft     = metadatapkg.KeyRetryLeft
	MetadataKeyReplyTo       = metadatapkg.KeyReplyTo
	MetadataKeyKind          = metadatapkg.KeyKind
	MetadataKeyEventType     = metadatapkg.KeyEventType
	MetadataKeyHandler       = metadatapkg.KeyHandler
	MetadataKeyError         = metadatapkg.KeyError
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyQueueDepth    = runtimepkg.MetadataKeyQueueDepth
	MetadataKeyEnqueuedAt    = runtimepkg.MetadataKeyEnqueuedAt
)

// Values of MetadataKeyKind.
const (
	MetadataKindEvent    = metadatapkg.KindEvent
	MetadataKindEnvelope = metadatapkg.KindEnvelope
)

// Names of the maintenance jobs accepted by Service.RunMaintenance.
const (
	JobClearCompleted  = scheduler.ClearCompleted
	JobRetryIncomplete = scheduler.RetryIncomplete
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryPoison     = runtimepkg.ErrorCategoryPoison
	ErrorCategoryCondition  = runtimepkg.ErrorCategoryCondition
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther
)

// Subscribe registers fn for the event type T names. See WithRetries,
// WithCondition and WithExpression for the available options.
func Subscribe[T any](svc *Service, name string, fn TypedHandler[T], opts ...HandlerOption) (string, error) {
	return runtimepkg.Subscribe(svc, name, fn, opts...)
}

// RegisterEventType makes T decodable by the codec using types.
func RegisterEventType[T any](types *EventTypes) (string, error) {
	return envelope.RegisterType[T](types)
}
