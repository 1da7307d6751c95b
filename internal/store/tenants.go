package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Tenant is one API consumer of the platform.
type Tenant struct {
	ID        string
	Name      string
	KeyPrefix string
	KeyHash   string
	CreatedAt time.Time
}

// Session is one conversation owned by a tenant's user.
type Session struct {
	ID        string
	TenantID  string
	UserID    string
	CreatedAt time.Time
}

// Message is one chat turn within a session.
type Message struct {
	ID        string
	SessionID string
	TenantID  string
	Role      string
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// CreateTenant inserts a tenant row.
func (s *Store) CreateTenant(ctx context.Context, t Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants (id, name, key_prefix, key_hash) VALUES ($1, $2, $3, $4)`,
		t.ID, t.Name, t.KeyPrefix, t.KeyHash,
	)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

// TenantByKeyPrefix looks a tenant up by its API key prefix. Returns
// nil when no tenant matches.
func (s *Store) TenantByKeyPrefix(ctx context.Context, prefix string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, key_prefix, key_hash, created_at
		 FROM tenants WHERE key_prefix = $1`, prefix,
	).Scan(&t.ID, &t.Name, &t.KeyPrefix, &t.KeyHash, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant by key prefix: %w", err)
	}
	return &t, nil
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, tenant_id, user_id) VALUES ($1, $2, $3)`,
		sess.ID, sess.TenantID, sess.UserID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// AddMessage appends a message to a session.
func (s *Store) AddMessage(ctx context.Context, msg Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, tenant_id, role, content, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.TenantID, msg.Role, msg.Content, msg.Metadata,
	)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// Messages returns up to limit messages for a session, oldest first.
// A non-zero before acts as a cursor: only messages created strictly
// before it are returned.
func (s *Store) Messages(ctx context.Context, sessionID, tenantID string, limit int, before time.Time) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	cursor := before
	if cursor.IsZero() {
		cursor = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, tenant_id, role, content, metadata, created_at
		 FROM messages
		 WHERE session_id = $1 AND tenant_id = $2 AND created_at < $3
		 ORDER BY created_at ASC LIMIT $4`,
		sessionID, tenantID, cursor, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TenantID, &m.Role, &m.Content, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
