// Package journal keeps the publication journal: one record per envelope
// handed to the broker, completed once its handler succeeds. Incomplete
// records are resubmitted by the maintenance scheduler, completed ones pruned.
package journal

import (
	"context"
	"time"

	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// Publication is one journaled envelope.
type Publication struct {
	ID          string
	EventType   string
	HandlerName string
	// Topic is the destination the envelope was published to.
	Topic       string
	Payload     []byte
	Metadata    metadatapkg.Metadata
	PublishedAt time.Time
	// CompletedAt is zero while the publication is incomplete.
	CompletedAt time.Time
}

func (p Publication) Completed() bool { return !p.CompletedAt.IsZero() }

// Journal is the store behind the maintenance jobs.
type Journal interface {
	Create(ctx context.Context, pub Publication) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	FindIncompletePublications(ctx context.Context) ([]Publication, error)
	FindCompletedPublications(ctx context.Context) ([]Publication, error)
	// DeleteCompletedOlderThan removes completed publications whose completion
	// is older than age and reports how many were removed.
	DeleteCompletedOlderThan(ctx context.Context, age time.Duration) (int, error)
	// ResubmitIncompleteOlderThan hands every incomplete publication published
	// more than age ago to the resubmitter, marks each accepted one completed and
	// reports how many were resubmitted.
	ResubmitIncompleteOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Resubmitter sends a journaled envelope to the broker again.
type Resubmitter interface {
	Resubmit(ctx context.Context, pub Publication) error
}

// ResubmitFunc adapts a function to Resubmitter.
type ResubmitFunc func(ctx context.Context, pub Publication) error

func (f ResubmitFunc) Resubmit(ctx context.Context, pub Publication) error { return f(ctx, pub) }

// Option configures a journal implementation.
type Option func(*options)

type options struct {
	resubmitter Resubmitter
	now         func() time.Time
}

func defaultOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithResubmitter sets where ResubmitIncompleteOlderThan sends publications.
// Without one, resubmission only counts candidates.
func WithResubmitter(r Resubmitter) Option {
	return func(o *options) { o.resubmitter = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
