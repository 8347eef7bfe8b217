// Package lock provides the named, lease-bound locks that keep scheduled
// maintenance jobs from running on more than one instance at a time.
package lock

import (
	"context"
	"sync"
	"time"
)

// Provider hands out named locks. TryAcquire never blocks waiting for a
// holder; it reports false instead. A lease bounds how long a crashed holder
// can keep the lock.
type Provider interface {
	TryAcquire(ctx context.Context, name string, lease time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// Noop always acquires. It is used when locking is disabled.
type Noop struct{}

func (Noop) TryAcquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (Noop) Release(context.Context, string) error { return nil }

// Memory is a process-local Provider.
type Memory struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

func NewMemory() *Memory {
	return &Memory{held: map[string]time.Time{}, clock: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, name string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if until, ok := m.held[name]; ok && now.Before(until) {
		return false, nil
	}
	m.held[name] = now.Add(lease)
	return true, nil
}

func (m *Memory) Release(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.held, name)
	m.mu.Unlock()
	return nil
}
