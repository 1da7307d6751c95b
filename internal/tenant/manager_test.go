package tenant

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/castelmind/castellan/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	tenants  map[string]store.Tenant // keyed by prefix
	sessions map[string]store.Session
	messages []store.Message
	lookups  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants:  make(map[string]store.Tenant),
		sessions: make(map[string]store.Session),
	}
}

func (f *fakeStore) CreateTenant(_ context.Context, t store.Tenant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants[t.KeyPrefix] = t
	return nil
}

func (f *fakeStore) TenantByKeyPrefix(_ context.Context, prefix string) (*store.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	t, ok := f.tenants[prefix]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) CreateSession(_ context.Context, sess store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeStore) AddMessage(_ context.Context, msg store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) Messages(_ context.Context, sessionID, tenantID string, limit int, _ time.Time) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Message
	for _, m := range f.messages {
		if m.SessionID == sessionID && m.TenantID == tenantID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	return NewManager(fs, zaptest.NewLogger(t)), fs
}

func TestGenerateKeyShape(t *testing.T) {
	key, prefix, hash, err := GenerateKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(key, "csk_"))
	assert.Len(t, prefix, keyPrefixLen)
	assert.Equal(t, key[len(keyScheme):len(keyScheme)+keyPrefixLen], prefix)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)))
	assert.NotContains(t, hash, key, "the plaintext key must not appear in the hash")

	key2, _, _, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, key2)
}

func TestCreateTenantAndAuthenticate(t *testing.T) {
	mgr, fs := newTestManager(t)
	ctx := context.Background()

	created, key, err := mgr.CreateTenant(ctx, "acme")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "acme", created.Name)

	// Only the prefix and hash are persisted, never the key itself.
	stored := fs.tenants[created.KeyPrefix]
	assert.NotEqual(t, key, stored.KeyHash)
	assert.NotContains(t, stored.KeyHash, key)

	got, err := mgr.Authenticate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}

func TestCreateTenantRejectsBlankName(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, _, err := mgr.CreateTenant(context.Background(), "   ")
	require.Error(t, err)
}

func TestAuthenticateWrongSecretSamePrefix(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, key, err := mgr.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	// Same prefix, different tail: the lookup succeeds but bcrypt must
	// reject it.
	forged := key[:len(key)-1] + flipChar(key[len(key)-1])
	_, err = mgr.Authenticate(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateUnknownPrefix(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Authenticate(context.Background(), "csk_aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	assert.ErrorIs(t, err, ErrInvalidKey, "unknown prefixes must not be distinguishable from bad secrets")
}

func TestAuthenticateMalformedKeySkipsLookup(t *testing.T) {
	mgr, fs := newTestManager(t)
	ctx := context.Background()

	for _, key := range []string{"", "bogus", "csk_", "csk_tooshort"} {
		_, err := mgr.Authenticate(ctx, key)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
	assert.Zero(t, fs.lookupCount(), "malformed keys must be rejected before touching the store")
}

func TestSessionTranscript(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	tn, _, err := mgr.CreateTenant(ctx, "acme")
	require.NoError(t, err)

	sess, err := mgr.CreateSession(ctx, tn.ID, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)

	require.NoError(t, mgr.AddMessage(ctx, sess.ID, tn.ID, "user", "hello", nil))
	require.NoError(t, mgr.AddMessage(ctx, sess.ID, tn.ID, "assistant", "hi there", map[string]any{"success": true}))

	msgs, err := mgr.GetMessages(ctx, sess.ID, tn.ID, 10, time.Time{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hi there", msgs[1].Content)
}

func TestCreateSessionRequiresIDs(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.CreateSession(ctx, "", "user-1")
	require.Error(t, err)
	_, err = mgr.CreateSession(ctx, "tenant-1", "")
	require.Error(t, err)
}

func TestAddMessageRejectsUnknownRole(t *testing.T) {
	mgr, fs := newTestManager(t)

	err := mgr.AddMessage(context.Background(), "sess", "tenant", "robot", "beep", nil)
	require.Error(t, err)
	assert.Empty(t, fs.messages)
}

func flipChar(c byte) string {
	if c == 'a' {
		return "b"
	}
	return "a"
}
