package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema for the shared admission-window table. Applied by EnsureSchema.
const rateLimitSchema = `
CREATE TABLE IF NOT EXISTS rate_limit_events (
    domain      TEXT        NOT NULL,
    admitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_limit_events_domain_idx
    ON rate_limit_events (domain, admitted_at);
`

type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore keeps admission windows in Postgres so that every worker
// process enforcing the same domain sees the same state. A per-domain
// advisory lock serializes concurrent admissions.
type PostgresStore struct {
	pool pgxConn
}

// NewPostgresStore connects to Postgres and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ratelimit: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxConn) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the admission-window table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, rateLimitSchema); err != nil {
		return fmt.Errorf("apply rate limit schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Admit implements Store. Purge, count and insert run in one transaction
// under a per-domain advisory lock so admissions never interleave.
func (s *PostgresStore) Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin admit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return false, fmt.Errorf("lock domain %s: %w", key, err)
	}

	cutoff := now.Add(-window)
	if _, err := tx.Exec(ctx,
		`DELETE FROM rate_limit_events WHERE domain = $1 AND admitted_at <= $2`,
		key, cutoff,
	); err != nil {
		return false, fmt.Errorf("purge window: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM rate_limit_events WHERE domain = $1`,
		key,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("count window: %w", err)
	}

	admitted := count < limit
	if admitted {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rate_limit_events (domain, admitted_at) VALUES ($1, $2)`,
			key, now,
		); err != nil {
			return false, fmt.Errorf("record admission: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit admit tx: %w", err)
	}
	return admitted, nil
}

// Window implements Store.
func (s *PostgresStore) Window(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	cutoff := now.Add(-window)
	var (
		count  int
		oldest *time.Time
	)
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*), min(admitted_at) FROM rate_limit_events WHERE domain = $1 AND admitted_at > $2`,
		key, cutoff,
	).Scan(&count, &oldest); err != nil {
		return 0, time.Time{}, fmt.Errorf("query window: %w", err)
	}
	if oldest == nil {
		return count, time.Time{}, nil
	}
	return count, *oldest, nil
}
