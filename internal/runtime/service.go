package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/fanout/internal/runtime/config"
	"github.com/drblury/fanout/internal/runtime/dispatch"
	"github.com/drblury/fanout/internal/runtime/envelope"
	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/journal"
	"github.com/drblury/fanout/internal/runtime/lock"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	metricspkg "github.com/drblury/fanout/internal/runtime/metrics"
	"github.com/drblury/fanout/internal/runtime/registry"
	"github.com/drblury/fanout/internal/runtime/replay"
	"github.com/drblury/fanout/internal/runtime/retry"
	"github.com/drblury/fanout/internal/runtime/scheduler"
	transportpkg "github.com/drblury/fanout/internal/runtime/transport"
	"github.com/drblury/fanout/transport"
)

// Names of the router handlers attached by Start.
const (
	InboxHandlerName  = "fanout.inbox"
	WorkerHandlerName = "fanout.worker"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults derived from the config.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Registry is shared when several services run in one process.
	Registry *registry.Registry
	// Types decodes events back into Go values. Defaults to envelope.DefaultTypes.
	Types *envelope.Types
	// Journal replaces the Postgres or in-memory publication journal.
	Journal journal.Journal
	// Lock replaces the lock chosen by LockEnabled and RedisURL.
	Lock lock.Provider
	// Registerer receives the DLQ and router collectors. Defaults to the
	// Prometheus default registerer.
	Registerer                prometheus.Registerer
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	ErrorClassifier           ErrorClassifier
}

// Service is one logical instance of the event system bound to a single inbox.
// It wires the transport, the Watermill router and the fan-out components.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	topology     transport.Topology
	capabilities transportpkg.Capabilities
	transport    transportpkg.Transport
	// publisher journals envelopes sent to the worker queue.
	publisher message.Publisher
	reader    transport.QueueReader
	router    *message.Router

	registry    *registry.Registry
	codec       *envelope.Codec
	dispatcher  *dispatch.Dispatcher
	coordinator *retry.Coordinator
	replayer    *replay.Replayer
	scheduler   *scheduler.Scheduler
	journal     journal.Journal
	lock        lock.Provider
	dlqMetrics  *metricspkg.DLQMetrics
	registerer  prometheus.Registerer

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier

	closers   []func() error
	closeOnce sync.Once
}

// NewService constructs a Service for the supplied configuration and panics
// when the wiring fails. Register handlers on the returned Service before
// calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning wiring errors instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"config":        conf,
		})

	s := &Service{
		Conf:         conf,
		Logger:       log,
		topology:     conf.GetTopology(),
		capabilities: transportpkg.GetCapabilities(conf.PubSubSystem),
		registerer:   deps.Registerer,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	t, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	s.transport = t
	s.closers = append(s.closers, t.Subscriber.Close, t.Publisher.Close)

	s.reader = t.Reader
	if s.reader == nil {
		log.Info("Transport cannot read queues directly, replaying through a subscription", loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
		})
		s.reader = transport.NewSubscriberReader(t.Subscriber, 0)
	}

	if conf.MetricsEnabled {
		s.dlqMetrics = metricspkg.NewDLQMetrics(s.registerer)
		if err := s.dlqMetrics.Register(); err != nil {
			return nil, fmt.Errorf("register dlq metrics: %w", err)
		}
	}

	if err := s.setupJournal(ctx, deps.Journal); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if err := s.setupLock(deps.Lock); err != nil {
		return nil, errors.Join(err, s.Close())
	}
	if err := s.setupComponents(deps); err != nil {
		return nil, errors.Join(err, s.Close())
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 30 * time.Second}, wmLogger)
	if err != nil {
		return nil, errors.Join(err, s.Close())
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, errors.Join(err, s.Close())
	}

	return s, nil
}

func (s *Service) setupJournal(ctx context.Context, j journal.Journal) error {
	resubmit := journal.WithResubmitter(journal.RepublishTo(s.transport.Publisher))
	switch {
	case j != nil:
		s.journal = j
	case s.Conf.PostgresURL != "":
		pg, err := journal.NewPostgres(ctx, s.Conf.PostgresURL, resubmit)
		if err != nil {
			return fmt.Errorf("connect publication journal: %w", err)
		}
		s.closers = append(s.closers, func() error { pg.Close(); return nil })
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate publication journal: %w", err)
		}
		s.journal = pg
	default:
		s.journal = journal.NewMemory(resubmit)
	}

	pub, err := journal.NewPublisher(s.transport.Publisher, s.journal,
		s.Logger.With(loggingpkg.LogFields{"component": "journal"}), s.topology.Worker)
	if err != nil {
		return err
	}
	s.publisher = pub
	return nil
}

func (s *Service) setupLock(provider lock.Provider) error {
	switch {
	case provider != nil:
		s.lock = provider
	case !s.Conf.LockEnabled:
		s.lock = lock.Noop{}
	case s.Conf.RedisURL != "":
		r, err := lock.NewRedisFromURL(s.Conf.RedisURL)
		if err != nil {
			return fmt.Errorf("connect lock provider: %w", err)
		}
		s.closers = append(s.closers, r.Close)
		s.lock = r
	default:
		s.Logger.Info("Lock enabled without redis_url, locking within this process only", nil)
		s.lock = lock.NewMemory()
	}
	return nil
}

func (s *Service) setupComponents(deps ServiceDependencies) error {
	s.registry = deps.Registry
	if s.registry == nil {
		s.registry = registry.New(s.Logger)
	}
	s.codec = envelope.NewCodec(deps.Types)

	var err error
	s.dispatcher, err = dispatch.New(dispatch.Config{
		Registry:  s.registry,
		Codec:     s.codec,
		Publisher: s.publisher,
		Worker:    s.topology.Worker,
		Inbox:     s.topology.Inbox,
		Logger:    s.Logger.With(loggingpkg.LogFields{"component": "dispatcher"}),
	})
	if err != nil {
		return err
	}

	retryCfg := retry.Config{
		Publisher: s.transport.Publisher,
		Topology:  s.topology,
		Codec:     s.codec,
		Logger:    s.Logger.With(loggingpkg.LogFields{"component": "retry"}),
	}
	replayCfg := replay.Config{
		Reader:     s.reader,
		Publisher:  s.transport.Publisher,
		ErrorQueue: s.topology.ErrorQueue,
		Logger:     s.Logger.With(loggingpkg.LogFields{"component": "replay"}),
	}
	schedulerCfg := scheduler.Config{
		Enabled:         s.Conf.ScheduledTasksEnabled,
		Journal:         s.journal,
		Lock:            s.lock,
		Lease:           s.Conf.LockLease,
		CompletedClear:  jobSpec(s.Conf.CompletedClear),
		IncompleteRetry: jobSpec(s.Conf.IncompleteRetry),
		Logger:          s.Logger.With(loggingpkg.LogFields{"component": "scheduler"}),
	}
	// Interfaces stay nil unless metrics are on.
	if s.dlqMetrics != nil {
		retryCfg.Metrics = s.dlqMetrics
		replayCfg.Metrics = s.dlqMetrics
		schedulerCfg.Metrics = s.dlqMetrics
	}

	if s.coordinator, err = retry.NewCoordinator(retryCfg); err != nil {
		return err
	}
	if s.replayer, err = replay.New(replayCfg); err != nil {
		return err
	}
	if s.scheduler, err = scheduler.New(schedulerCfg); err != nil {
		return err
	}
	return nil
}

func jobSpec(c configpkg.JobConfig) scheduler.JobSpec {
	return scheduler.JobSpec{Enabled: c.Enabled, Cron: c.Cron, OlderThan: c.OlderThan}
}

// Start provisions the topology, attaches the inbox and worker handlers and
// runs the router until the provided context is cancelled. With the event
// system disabled no handler is attached and Start only waits for ctx.
func (s *Service) Start(ctx context.Context) error {
	s.StartWebUIServer()
	s.startHTTPServers()

	if !s.Conf.Enabled {
		s.Logger.Info("Event system disabled, no handlers attached", loggingpkg.LogFields{"inbox": s.topology.Inbox})
		<-ctx.Done()
		return nil
	}

	if err := s.provision(ctx); err != nil {
		return err
	}
	s.attachHandlers()
	s.registry.LogContents(s.Logger)

	if s.capabilities.RequiresDelayEmulation() {
		if err := s.startRelay(ctx); err != nil {
			return err
		}
	}

	s.scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.scheduler.Stop(stopCtx); err != nil {
			s.Logger.Error("Maintenance jobs did not stop in time", err, nil)
		}
	}()

	return routerRun(s.router, ctx)
}

func (s *Service) provision(ctx context.Context) error {
	if !s.Conf.AutoProvisionTopology {
		return nil
	}
	if s.transport.Provisioner == nil {
		s.Logger.Debug("Transport does not declare topology", loggingpkg.LogFields{"pubsub_system": s.Conf.PubSubSystem})
		return nil
	}
	if err := s.transport.Provisioner.Provision(ctx, s.topology); err != nil {
		return fmt.Errorf("provision topology: %w", err)
	}
	s.Logger.Info("Topology provisioned", loggingpkg.LogFields{
		"exchange":    s.topology.Exchange,
		"inbox":       s.topology.Inbox,
		"worker":      s.topology.Worker,
		"retry_queue": s.topology.RetryQueue,
		"error_queue": s.topology.ErrorQueue,
		"retry_delay": s.topology.RetryDelay.String(),
	})
	return nil
}

func (s *Service) attachHandlers() {
	s.addRouterHandler(InboxHandlerName, s.topology.Inbox)
	s.addRouterHandler(WorkerHandlerName, s.topology.Worker)
}

func (s *Service) addRouterHandler(name, topic string) {
	stats := newHandlerStats()
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, &HandlerInfo{Name: name, ConsumeQueue: topic, PublishQueue: s.topology.Worker, Stats: stats})
	s.handlersMu.Unlock()

	s.router.AddConsumerHandler(name, topic, s.transport.Subscriber, wrapHandlerWithStats(s.dispatcher.HandleMessage, stats, s.getErrorClassifier()))
}

// startRelay emulates the retry queue TTL for transports that cannot delay.
func (s *Service) startRelay(ctx context.Context) error {
	relay, err := retry.NewRelay(s.transport.Subscriber, s.transport.Publisher, s.topology, s.Logger.With(loggingpkg.LogFields{"component": "relay"}))
	if err != nil {
		return err
	}
	s.Logger.Info("Transport cannot delay, running retry relay", loggingpkg.LogFields{
		"pubsub_system": s.Conf.PubSubSystem,
		"retry_queue":   s.topology.RetryQueue,
	})
	go func() {
		if err := relay.Run(ctx); err != nil {
			s.Logger.Error("Retry relay stopped", err, loggingpkg.LogFields{"retry_queue": s.topology.RetryQueue})
		}
	}()
	return nil
}

// ReprocessAllFailed drains the error queue back to the inboxes that failed
// the messages and returns how many were replayed.
func (s *Service) ReprocessAllFailed(ctx context.Context) (int, error) {
	if s == nil {
		return 0, errspkg.ErrServiceRequired
	}
	return s.replayer.ReprocessAllFailed(ctx)
}

// RunMaintenance runs one lock-guarded tick of a maintenance job now.
func (s *Service) RunMaintenance(ctx context.Context, job string) (scheduler.Result, error) {
	if s == nil {
		return scheduler.Result{}, errspkg.ErrServiceRequired
	}
	return s.scheduler.RunOnce(ctx, job)
}

// Running is closed once the router has started its handlers.
func (s *Service) Running() chan struct{} { return s.router.Running() }

// Registry exposes the handler registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Dispatcher exposes the fan-out dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// Journal exposes the publication journal.
func (s *Service) Journal() journal.Journal { return s.journal }

// Topology returns the destinations this instance uses.
func (s *Service) Topology() transport.Topology { return s.topology }

// Capabilities returns what the configured transport handles natively.
func (s *Service) Capabilities() transportpkg.Capabilities { return s.capabilities }

// DLQMetrics returns the retry and error queue metrics, or nil when
// MetricsEnabled is false.
func (s *Service) DLQMetrics() *metricspkg.DLQMetrics { return s.dlqMetrics }

// Close releases the transport and collaborators. The router is closed when
// Start returns; Close only needs to be called for a Service that was never
// started or once Start has returned.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.router != nil && s.router.IsRunning() {
			errs = append(errs, s.router.Close())
		}
		for i := len(s.closers) - 1; i >= 0; i-- {
			errs = append(errs, s.closers[i]())
		}
	})
	return errors.Join(errs...)
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
