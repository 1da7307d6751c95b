// Package store provides PostgreSQL-backed persistence for tenants,
// chat sessions, the audit log, user milestones, and the runtime's
// mirror of update records.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Store wraps a pgx connection pool for the operational database.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New connects to the database at dsn, verifies the connection, and
// ensures all required tables exist.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			key_prefix TEXT NOT NULL UNIQUE,
			key_hash   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL REFERENCES tenants(id),
			user_id    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id         TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			tenant_id  TEXT NOT NULL REFERENCES tenants(id),
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_created_idx
			ON messages (session_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id             BIGSERIAL PRIMARY KEY,
			action         TEXT NOT NULL,
			target_user_id TEXT NOT NULL,
			performed_by   TEXT NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS update_records (
			id               BIGSERIAL PRIMARY KEY,
			version          TEXT NOT NULL,
			previous_version TEXT NOT NULL,
			git_sha          TEXT NOT NULL,
			timestamp        TIMESTAMPTZ NOT NULL,
			status           TEXT NOT NULL,
			error            TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS user_progress (
			user_id TEXT PRIMARY KEY,
			reports INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL,
			threshold  INTEGER NOT NULL,
			note       TEXT NOT NULL DEFAULT '',
			reached_at TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, kind, threshold, note)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}
