// Package tenant implements API-key authentication and session
// bookkeeping for the platform's tenants. Keys are opaque strings with
// a lookup prefix and a bcrypt-hashed tail, so a database dump alone
// cannot be replayed as credentials.
package tenant

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/castelmind/castellan/internal/store"
)

const (
	keyScheme    = "csk_"
	keyPrefixLen = 12
)

// ErrInvalidKey is returned for every authentication failure. Unknown
// prefixes and wrong secrets produce the same error so callers cannot
// probe for valid prefixes.
var ErrInvalidKey = errors.New("invalid api key")

// Store is the persistence the manager needs.
type Store interface {
	CreateTenant(ctx context.Context, t store.Tenant) error
	TenantByKeyPrefix(ctx context.Context, prefix string) (*store.Tenant, error)
	CreateSession(ctx context.Context, sess store.Session) error
	AddMessage(ctx context.Context, msg store.Message) error
	Messages(ctx context.Context, sessionID, tenantID string, limit int, before time.Time) ([]store.Message, error)
}

// Manager authenticates API keys and manages sessions.
type Manager struct {
	store  Store
	logger *zap.Logger
}

// NewManager creates a Manager over the given store.
func NewManager(s Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: s, logger: logger}
}

// GenerateKey mints a fresh API key. It returns the full plaintext key
// (shown to the caller exactly once), the lookup prefix, and the bcrypt
// hash to persist.
func GenerateKey() (key, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err = rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(buf)
	key = keyScheme + body
	prefix = body[:keyPrefixLen]

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("hash api key: %w", err)
	}
	return key, prefix, string(h), nil
}

// CreateTenant registers a tenant and returns it together with its
// plaintext API key. The key is not recoverable afterwards.
func (m *Manager) CreateTenant(ctx context.Context, name string) (*store.Tenant, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("tenant name must not be empty")
	}
	key, prefix, hash, err := GenerateKey()
	if err != nil {
		return nil, "", err
	}
	t := store.Tenant{
		ID:        uuid.NewString(),
		Name:      name,
		KeyPrefix: prefix,
		KeyHash:   hash,
	}
	if err := m.store.CreateTenant(ctx, t); err != nil {
		return nil, "", err
	}
	m.logger.Info("tenant created",
		zap.String("tenant_id", t.ID),
		zap.String("name", name),
		zap.String("key_prefix", prefix))
	return &t, key, nil
}

// Authenticate resolves an API key to its tenant. The prefix narrows
// the lookup; bcrypt verifies the full key against the stored hash.
func (m *Manager) Authenticate(ctx context.Context, apiKey string) (*store.Tenant, error) {
	prefix, ok := splitKey(apiKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	t, err := m.store.TenantByKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if t == nil {
		return nil, ErrInvalidKey
	}
	if bcrypt.CompareHashAndPassword([]byte(t.KeyHash), []byte(apiKey)) != nil {
		m.logger.Warn("api key hash mismatch", zap.String("key_prefix", prefix))
		return nil, ErrInvalidKey
	}
	return t, nil
}

func splitKey(apiKey string) (prefix string, ok bool) {
	if !strings.HasPrefix(apiKey, keyScheme) {
		return "", false
	}
	body := apiKey[len(keyScheme):]
	if len(body) <= keyPrefixLen {
		return "", false
	}
	return body[:keyPrefixLen], true
}

// CreateSession opens a conversation for one of the tenant's users.
func (m *Manager) CreateSession(ctx context.Context, tenantID, userID string) (*store.Session, error) {
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("tenant id and user id are required")
	}
	sess := store.Session{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
}

// AddMessage appends one turn to a session.
func (m *Manager) AddMessage(ctx context.Context, sessionID, tenantID, role, content string, metadata map[string]any) error {
	if !validRoles[role] {
		return fmt.Errorf("invalid message role %q", role)
	}
	msg := store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TenantID:  tenantID,
		Role:      role,
		Content:   content,
		Metadata:  metadata,
	}
	return m.store.AddMessage(ctx, msg)
}

// GetMessages returns a page of a session's messages, oldest first.
func (m *Manager) GetMessages(ctx context.Context, sessionID, tenantID string, limit int, before time.Time) ([]store.Message, error) {
	return m.store.Messages(ctx, sessionID, tenantID, limit, before)
}
