package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	tr, err := New(Config{Addr: mr.Addr(), Window: 10 * time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTouchAndSnapshot(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.Touch(ctx, "user-b"))
	require.NoError(t, tr.Touch(ctx, "user-a"))

	users, err := tr.Snapshot(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a", "user-b"}, users, "sorted for deterministic fan-out")
}

func TestSnapshotExcludesStaleUsers(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	base := time.Now()
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Touch(ctx, "stale"))

	tr.now = func() time.Time { return base.Add(15 * time.Minute) }
	require.NoError(t, tr.Touch(ctx, "fresh"))

	users, err := tr.Snapshot(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, users)

	// The stale entry was pruned, not just filtered.
	tr.now = func() time.Time { return base }
	users, err = tr.Snapshot(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, users)
}

func TestTouchRefreshesScore(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	base := time.Now()
	tr.now = func() time.Time { return base }
	require.NoError(t, tr.Touch(ctx, "user-a"))

	tr.now = func() time.Time { return base.Add(9 * time.Minute) }
	require.NoError(t, tr.Touch(ctx, "user-a"))

	tr.now = func() time.Time { return base.Add(12 * time.Minute) }
	users, err := tr.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-a"}, users, "second touch keeps the user active")
}

func TestTouchRejectsEmptyUser(t *testing.T) {
	tr := newTestTracker(t)
	assert.Error(t, tr.Touch(context.Background(), ""))
}

func TestNewFailsWithoutRedis(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1"}, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.ErrorContains(t, err, "connect to redis")
}
