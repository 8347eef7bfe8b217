package journal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
)

// Memory is an in-process Journal for tests and single-instance deployments.
type Memory struct {
	mu   sync.RWMutex
	pubs map[string]Publication
	opts options
}

func NewMemory(opts ...Option) *Memory {
	return &Memory{pubs: map[string]Publication{}, opts: defaultOptions(opts)}
}

func (m *Memory) Create(_ context.Context, pub Publication) error {
	if pub.ID == "" {
		return fmt.Errorf("journal: publication id is required")
	}
	if pub.PublishedAt.IsZero() {
		pub.PublishedAt = m.opts.now()
	}
	pub.Metadata = pub.Metadata.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pubs[pub.ID]; exists {
		return fmt.Errorf("journal: publication %q already exists", pub.ID)
	}
	m.pubs[pub.ID] = pub
	return nil
}

func (m *Memory) MarkCompleted(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub, ok := m.pubs[id]
	if !ok {
		return fmt.Errorf("%w: %q", errspkg.ErrPublicationNotFound, id)
	}
	pub.CompletedAt = at
	m.pubs[id] = pub
	return nil
}

func (m *Memory) FindIncompletePublications(context.Context) ([]Publication, error) {
	return m.find(func(p Publication) bool { return !p.Completed() }), nil
}

func (m *Memory) FindCompletedPublications(context.Context) ([]Publication, error) {
	return m.find(Publication.Completed), nil
}

func (m *Memory) DeleteCompletedOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := m.opts.now().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, pub := range m.pubs {
		if pub.Completed() && pub.CompletedAt.Before(cutoff) {
			delete(m.pubs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) ResubmitIncompleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	now := m.opts.now()
	cutoff := now.Add(-age)
	due := m.find(func(p Publication) bool {
		return !p.Completed() && p.PublishedAt.Before(cutoff)
	})

	return resubmitAll(ctx, m.opts.resubmitter, due, func(pub Publication) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if stored, ok := m.pubs[pub.ID]; ok && !stored.Completed() {
			stored.CompletedAt = now
			m.pubs[pub.ID] = stored
		}
		return nil
	})
}

// Len returns the number of stored publications.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pubs)
}

func (m *Memory) find(keep func(Publication) bool) []Publication {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Publication, 0, len(m.pubs))
	for _, pub := range m.pubs {
		if keep(pub) {
			pub.Metadata = pub.Metadata.Clone()
			out = append(out, pub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out
}

// resubmitAll hands due to r one by one. complete runs after each successful
// resubmission: the broker has the envelope again, so the entry is done.
func resubmitAll(ctx context.Context, r Resubmitter, due []Publication, complete func(Publication) error) (int, error) {
	if r == nil {
		return len(due), nil
	}
	done := 0
	for _, pub := range due {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := r.Resubmit(ctx, pub); err != nil {
			return done, fmt.Errorf("resubmit publication %q: %w", pub.ID, err)
		}
		if err := complete(pub); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}
