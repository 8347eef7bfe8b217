package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/journal"
	"github.com/drblury/fanout/internal/runtime/lock"
)

const everySecond = "* * * * * *"

// countingJournal records maintenance calls on top of an in-memory journal.
type countingJournal struct {
	journal.Journal

	mu        sync.Mutex
	deletes   []time.Duration
	resubmits []time.Duration
	err       error
}

func (c *countingJournal) DeleteCompletedOlderThan(_ context.Context, age time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes = append(c.deletes, age)
	return 2, c.err
}

func (c *countingJournal) ResubmitIncompleteOlderThan(_ context.Context, age time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resubmits = append(c.resubmits, age)
	return 1, c.err
}

func (c *countingJournal) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deletes), len(c.resubmits)
}

type recordingMetrics struct {
	mu   sync.Mutex
	runs map[string][]string
}

func (m *recordingMetrics) RecordJobRun(job, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = map[string][]string{}
	}
	m.runs[job] = append(m.runs[job], outcome)
}

func jobs(enabled bool, cronExpr string) (JobSpec, JobSpec) {
	return JobSpec{Enabled: enabled, Cron: cronExpr, OlderThan: time.Minute},
		JobSpec{Enabled: enabled, Cron: cronExpr, OlderThan: 2 * time.Minute}
}

func TestSchedulingRequiresGlobalAndJobFlags(t *testing.T) {
	tests := []struct {
		name      string
		global    bool
		clear     bool
		retry     bool
		scheduled []string
	}{
		{"all enabled", true, true, true, []string{ClearCompleted, RetryIncomplete}},
		{"global off", false, true, true, nil},
		{"only clear", true, true, false, []string{ClearCompleted}},
		{"only retry", true, false, true, []string{RetryIncomplete}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(Config{
				Enabled:         tt.global,
				Journal:         &countingJournal{},
				CompletedClear:  JobSpec{Enabled: tt.clear, Cron: everySecond},
				IncompleteRetry: JobSpec{Enabled: tt.retry, Cron: everySecond},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.scheduled, s.Scheduled())
		})
	}
}

func TestRunOnceCallsJournalWithThreshold(t *testing.T) {
	j := &countingJournal{}
	m := &recordingMetrics{}
	clear, retry := jobs(true, everySecond)
	s, err := New(Config{Enabled: true, Journal: j, Lock: lock.NewMemory(), Lease: time.Minute, CompletedClear: clear, IncompleteRetry: retry, Metrics: m})
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background(), ClearCompleted)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
	assert.Equal(t, 2, res.Affected)

	res, err = s.RunOnce(context.Background(), RetryIncomplete)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Affected)

	assert.Equal(t, []time.Duration{time.Minute}, j.deletes)
	assert.Equal(t, []time.Duration{2 * time.Minute}, j.resubmits)
	assert.Equal(t, []string{OutcomeCompleted}, m.runs[ClearCompleted])
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	j := &countingJournal{}
	m := &recordingMetrics{}
	provider := lock.NewMemory()
	clear, retry := jobs(true, everySecond)
	s, err := New(Config{Enabled: true, Journal: j, Lock: provider, Lease: time.Minute, CompletedClear: clear, IncompleteRetry: retry, Metrics: m})
	require.NoError(t, err)

	held, err := provider.TryAcquire(context.Background(), ClearCompleted, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	res, err := s.RunOnce(context.Background(), ClearCompleted)
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	deletes, _ := j.counts()
	assert.Zero(t, deletes)
	assert.Equal(t, []string{OutcomeSkipped}, m.runs[ClearCompleted])

	// The other job uses its own lock.
	res, err = s.RunOnce(context.Background(), RetryIncomplete)
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestRunOnceReleasesLockAfterFailure(t *testing.T) {
	j := &countingJournal{err: errors.New("database offline")}
	provider := lock.NewMemory()
	clear, retry := jobs(true, everySecond)
	s, err := New(Config{Enabled: true, Journal: j, Lock: provider, Lease: time.Minute, CompletedClear: clear, IncompleteRetry: retry})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background(), ClearCompleted)
	require.Error(t, err)

	ok, err := provider.TryAcquire(context.Background(), ClearCompleted, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be released after the job ran")
}

func TestRunOnceUnknownJob(t *testing.T) {
	s, err := New(Config{Journal: &countingJournal{}})
	require.NoError(t, err)
	_, err = s.RunOnce(context.Background(), "nope")
	require.Error(t, err)
}

func TestCronTicksRunJobs(t *testing.T) {
	j := &countingJournal{}
	clear, retry := jobs(true, everySecond)
	s, err := New(Config{Enabled: true, Journal: j, Lease: time.Second, CompletedClear: clear, IncompleteRetry: retry})
	require.NoError(t, err)

	s.Start()
	defer func() { require.NoError(t, s.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		deletes, resubmits := j.counts()
		return deletes > 0 && resubmits > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errspkg.ErrJournalRequired)

	_, err = New(Config{Enabled: true, Journal: &countingJournal{}, CompletedClear: JobSpec{Enabled: true, Cron: "every minute"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ClearCompleted)
}

func TestJobLockNames(t *testing.T) {
	provider := lock.NewMemory()
	clear, retry := jobs(true, everySecond)
	s, err := New(Config{Enabled: true, Journal: &countingJournal{}, Lock: provider, Lease: time.Minute, CompletedClear: clear, IncompleteRetry: retry})
	require.NoError(t, err)

	// Other deployments of the event system hold these exact names.
	for _, name := range []string{"EventPublicationsConfig#clearCompletedEvent", "EventPublicationsConfig#retryIncompleteEvents"} {
		held, err := provider.TryAcquire(context.Background(), name, time.Minute)
		require.NoError(t, err)
		require.True(t, held)
	}

	for _, job := range []string{ClearCompleted, RetryIncomplete} {
		res, err := s.RunOnce(context.Background(), job)
		require.NoError(t, err)
		if res.Acquired {
			t.Fatalf("%s ran while its lock was held", job)
		}
	}
}
