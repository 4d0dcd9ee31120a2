package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

var _ DBPool = (*pgxpool.Pool)(nil)

// Entry is one processed command as recorded in the journal.
type Entry struct {
	RequestID  string    `json:"request_id"`
	Session    string    `json:"session"`
	Verb       string    `json:"verb"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ObservedAt time.Time `json:"observed_at"`
}

// Journal is what the daemon and the history command need from a store.
type Journal interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, session string, limit int) ([]Entry, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS plwr_commands (
    request_id  TEXT PRIMARY KEY,
    session     TEXT NOT NULL,
    verb        TEXT NOT NULL,
    status      TEXT NOT NULL,
    error_kind  TEXT NOT NULL DEFAULT '',
    duration_ms BIGINT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS plwr_commands_session_observed_idx ON plwr_commands (session, observed_at DESC);
`

const insertSQL = `
INSERT INTO plwr_commands (request_id, session, verb, status, error_kind, duration_ms, observed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (request_id) DO NOTHING;
`

const recentSQL = `
SELECT request_id, session, verb, status, error_kind, duration_ms, observed_at
FROM plwr_commands
WHERE ($1 = '' OR session = $1)
ORDER BY observed_at DESC
LIMIT $2;
`

// Store provides a PostgreSQL implementation of the Journal interface.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ Journal = (*Store)(nil)

// New creates a new store instance, verifies the connection and makes sure the
// journal table exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to create journal table: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Open connects to url with a pgx pool and returns a ready store. The store owns
// the pool and closes it in Close.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Record appends one entry. Replaying the same request id is a no-op.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, insertSQL,
		e.RequestID, e.Session, e.Verb, e.Status, e.ErrorKind, e.DurationMS, e.ObservedAt)
	if err != nil {
		return fmt.Errorf("failed to record command %s: %w", e.RequestID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. An empty session selects
// every session.
func (s *Store) Recent(ctx context.Context, session string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, recentSQL, session, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}

	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.RequestID, &e.Session, &e.Verb, &e.Status, &e.ErrorKind, &e.DurationMS, &e.ObservedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan journal rows: %w", err)
	}
	return entries, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
