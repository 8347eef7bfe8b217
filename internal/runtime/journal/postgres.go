package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	errspkg "github.com/drblury/fanout/internal/runtime/errors"
	"github.com/drblury/fanout/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/fanout/internal/runtime/metadata"
)

// Schema creates the journal table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS event_publication (
	id               TEXT PRIMARY KEY,
	event_type       TEXT NOT NULL,
	listener_id      TEXT NOT NULL,
	topic            TEXT NOT NULL,
	payload          BYTEA NOT NULL,
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	publication_date TIMESTAMPTZ NOT NULL,
	completion_date  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS event_publication_completion_idx ON event_publication (completion_date);
`

const queryTimeout = 5 * time.Second

const selectColumns = `id, event_type, listener_id, topic, payload, metadata, publication_date, completion_date`

// DB is the subset of *pgxpool.Pool the journal uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres stores publications in the event_publication table.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool
	opts options
}

// NewPostgres connects to connString and returns a journal owning the pool.
func NewPostgres(ctx context.Context, connString string, opts ...Option) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	j := NewPostgresWithDB(pool, opts...)
	j.pool = pool
	return j, nil
}

// NewPostgresWithDB builds a journal over an existing connection.
func NewPostgresWithDB(db DB, opts ...Option) *Postgres {
	return &Postgres{db: db, opts: defaultOptions(opts)}
}

// Close releases the pool when the journal created it.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the journal table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate event_publication: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, pub Publication) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if pub.PublishedAt.IsZero() {
		pub.PublishedAt = p.opts.now()
	}
	md, err := jsoncodec.Marshal(orEmpty(pub.Metadata))
	if err != nil {
		return fmt.Errorf("failed to encode publication metadata: %w", err)
	}

	query := `
		INSERT INTO event_publication (id, event_type, listener_id, topic, payload, metadata, publication_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = p.db.Exec(ctx, query,
		pub.ID, pub.EventType, pub.HandlerName, pub.Topic, pub.Payload, string(md), pub.PublishedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("journal: publication %q already exists", pub.ID)
		}
		return fmt.Errorf("failed to create publication: %w", err)
	}
	return nil
}

func (p *Postgres) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tag, err := p.db.Exec(ctx, `UPDATE event_publication SET completion_date = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to complete publication: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", errspkg.ErrPublicationNotFound, id)
	}
	return nil
}

func (p *Postgres) FindIncompletePublications(ctx context.Context) ([]Publication, error) {
	return p.query(ctx, `SELECT `+selectColumns+` FROM event_publication WHERE completion_date IS NULL ORDER BY publication_date, id`)
}

func (p *Postgres) FindCompletedPublications(ctx context.Context) ([]Publication, error) {
	return p.query(ctx, `SELECT `+selectColumns+` FROM event_publication WHERE completion_date IS NOT NULL ORDER BY publication_date, id`)
}

func (p *Postgres) DeleteCompletedOlderThan(ctx context.Context, age time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cutoff := p.opts.now().Add(-age).UTC()
	tag, err := p.db.Exec(ctx, `DELETE FROM event_publication WHERE completion_date IS NOT NULL AND completion_date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed publications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) ResubmitIncompleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	now := p.opts.now()
	cutoff := now.Add(-age).UTC()
	due, err := p.query(ctx, `SELECT `+selectColumns+` FROM event_publication
		WHERE completion_date IS NULL AND publication_date < $1
		ORDER BY publication_date, id`, cutoff)
	if err != nil {
		return 0, err
	}

	return resubmitAll(ctx, p.opts.resubmitter, due, func(pub Publication) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()
		_, err := p.db.Exec(ctx, `UPDATE event_publication SET completion_date = $2 WHERE id = $1 AND completion_date IS NULL`, pub.ID, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to complete publication %q: %w", pub.ID, err)
		}
		return nil
	})
}

func (p *Postgres) query(ctx context.Context, query string, args ...any) ([]Publication, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query publications: %w", err)
	}
	defer rows.Close()

	var pubs []Publication
	for rows.Next() {
		var (
			pub       Publication
			md        []byte
			completed *time.Time
		)
		if err := rows.Scan(&pub.ID, &pub.EventType, &pub.HandlerName, &pub.Topic, &pub.Payload, &md, &pub.PublishedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan publication: %w", err)
		}
		if len(md) > 0 {
			if err := jsoncodec.Unmarshal(md, &pub.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of publication %q: %w", pub.ID, err)
			}
		}
		if completed != nil {
			pub.CompletedAt = *completed
		}
		pubs = append(pubs, pub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read publications: %w", err)
	}
	return pubs, nil
}

func orEmpty(md metadatapkg.Metadata) metadatapkg.Metadata {
	if md == nil {
		return metadatapkg.Metadata{}
	}
	return md
}
