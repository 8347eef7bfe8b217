// Package scheduler runs the publication journal maintenance jobs on cron
// schedules, each tick guarded by a distributed lock.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/journal"
	"github.com/drblury/fanout/internal/runtime/lock"
	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
)

// Lock names of the two jobs. Instances of every application share them, so
// only one instance prunes or resubmits at a time.
const (
	ClearCompleted   = "EventPublicationsConfig#clearCompletedEvent"
	RetryIncomplete  = "EventPublicationsConfig#retryIncompleteEvents"
	defaultTickLimit = 5 * time.Minute
)

// Outcomes reported to JobMetrics.
const (
	OutcomeCompleted = "completed"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// JobSpec configures one job.
type JobSpec struct {
	Enabled   bool
	Cron      string
	OlderThan time.Duration
}

// JobMetrics counts ticks. *metrics.DLQMetrics satisfies it.
type JobMetrics interface {
	RecordJobRun(job, outcome string)
}

type Config struct {
	// Enabled is the global switch. A job is scheduled only when both Enabled
	// and its own JobSpec.Enabled are true.
	Enabled         bool
	Journal         journal.Journal
	Lock            lock.Provider
	Lease           time.Duration
	CompletedClear  JobSpec
	IncompleteRetry JobSpec
	Metrics         JobMetrics
	Logger          loggingpkg.ServiceLogger
}

// Result describes one guarded tick.
type Result struct {
	Job      string
	Acquired bool
	Affected int
}

type job struct {
	name string
	spec JobSpec
	run  func(ctx context.Context, age time.Duration) (int, error)
}

type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]job
	lock    lock.Provider
	lease   time.Duration
	enabled bool
	metrics JobMetrics
	logger  loggingpkg.ServiceLogger
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Journal == nil {
		return nil, errspkg.ErrJournalRequired
	}
	provider := cfg.Lock
	if provider == nil {
		provider = lock.Noop{}
	}
	logger := loggingpkg.OrDiscard(cfg.Logger)
	cronLogger := loggingpkg.NewCronLogger(logger)

	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		lock:    provider,
		lease:   cfg.Lease,
		enabled: cfg.Enabled,
		metrics: cfg.Metrics,
		logger:  logger,
		jobs: map[string]job{
			ClearCompleted:  {name: ClearCompleted, spec: cfg.CompletedClear, run: cfg.Journal.DeleteCompletedOlderThan},
			RetryIncomplete: {name: RetryIncomplete, spec: cfg.IncompleteRetry, run: cfg.Journal.ResubmitIncompleteOlderThan},
		},
	}

	for _, name := range []string{ClearCompleted, RetryIncomplete} {
		j := s.jobs[name]
		if !s.enabled || !j.spec.Enabled {
			continue
		}
		if _, err := s.cron.AddFunc(j.spec.Cron, func() { s.tick(j.name) }); err != nil {
			return nil, fmt.Errorf("scheduler: %s cron %q: %w", j.name, j.spec.Cron, err)
		}
	}
	return s, nil
}

// Scheduled lists the jobs that will run on their cron schedule.
func (s *Scheduler) Scheduled() []string {
	var names []string
	for _, j := range s.jobs {
		if s.enabled && j.spec.Enabled {
			names = append(names, j.name)
		}
	}
	sort.Strings(names)
	return names
}

// Start runs the cron loop in the background. It is a no-op without
// scheduled jobs.
func (s *Scheduler) Start() {
	if len(s.cron.Entries()) == 0 {
		s.logger.Debug("No maintenance jobs scheduled", nil)
		return
	}
	s.logger.Info("Maintenance scheduler started", loggingpkg.LogFields{"jobs": s.Scheduled()})
	s.cron.Start()
}

// Stop halts scheduling and waits for running ticks or ctx, whichever ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single lock-guarded tick of the named job regardless of
// whether it is scheduled. It is what the CLI maintenance command calls.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (Result, error) {
	j, ok := s.jobs[name]
	if !ok {
		return Result{Job: name}, fmt.Errorf("scheduler: unknown job %q", name)
	}
	res := Result{Job: name}

	acquired, err := s.lock.TryAcquire(ctx, name, s.lease)
	if err != nil {
		s.record(name, OutcomeFailed)
		return res, err
	}
	if !acquired {
		s.logger.Debug("Skipping maintenance tick, lock held elsewhere", loggingpkg.LogFields{"job": name})
		s.record(name, OutcomeSkipped)
		return res, nil
	}
	res.Acquired = true
	defer func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Error("Failed to release maintenance lock", err, loggingpkg.LogFields{"job": name})
		}
	}()

	res.Affected, err = j.run(ctx, j.spec.OlderThan)
	if err != nil {
		s.record(name, OutcomeFailed)
		return res, err
	}
	s.record(name, OutcomeCompleted)
	s.logger.Debug("Maintenance tick finished", loggingpkg.LogFields{
		"job":        name,
		"affected":   res.Affected,
		"older_than": j.spec.OlderThan.String(),
	})
	return res, nil
}

func (s *Scheduler) tick(name string) {
	limit := s.lease
	if limit <= 0 {
		limit = defaultTickLimit
	}
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	if _, err := s.RunOnce(ctx, name); err != nil {
		s.logger.Error("Maintenance tick failed", err, loggingpkg.LogFields{"job": name})
	}
}

func (s *Scheduler) record(name, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordJobRun(name, outcome)
	}
}
