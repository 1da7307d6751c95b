package update

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := NewHistory(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistorySaveAndRecent(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	recs := []Record{
		{Version: "1.1.0", PreviousVersion: "1.0.0", GitSHA: "aaa", Timestamp: base, Status: StatusSuccess},
		{Version: "1.2.0", PreviousVersion: "1.1.0", GitSHA: "bbb", Timestamp: base.Add(time.Hour), Status: StatusRolledBack, Error: "Health check failed for api"},
		{Version: "1.3.0", PreviousVersion: "1.1.0", GitSHA: "ccc", Timestamp: base.Add(2 * time.Hour), Status: StatusFailed, Error: "git fetch: timeout"},
	}
	for _, rec := range recs {
		require.NoError(t, h.SaveUpdateRecord(ctx, rec))
	}

	got, err := h.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "1.3.0", got[0].Version, "newest first")
	assert.Equal(t, "1.1.0", got[2].Version)
	assert.Equal(t, StatusRolledBack, got[1].Status)
	assert.Equal(t, "Health check failed for api", got[1].Error)
	assert.True(t, got[2].Timestamp.Equal(base))
}

func TestHistoryRecentLimit(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		rec := Record{
			Version:         fmt.Sprintf("1.0.%d", i),
			PreviousVersion: "1.0.0",
			GitSHA:          "sha",
			Timestamp:       time.Now().UTC(),
			Status:          StatusSuccess,
		}
		require.NoError(t, h.SaveUpdateRecord(ctx, rec))
	}

	got, err := h.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1.0.59", got[0].Version)

	got, err = h.Recent(ctx, 500)
	require.NoError(t, err)
	assert.Len(t, got, 50, "limit is clamped")
}

func TestHistoryLastSuccess(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	rec, err := h.LastSuccess(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec, "no successes yet")

	now := time.Now().UTC()
	require.NoError(t, h.SaveUpdateRecord(ctx, Record{Version: "1.1.0", PreviousVersion: "1.0.0", GitSHA: "aaa", Timestamp: now, Status: StatusSuccess}))
	require.NoError(t, h.SaveUpdateRecord(ctx, Record{Version: "1.2.0", PreviousVersion: "1.1.0", GitSHA: "bbb", Timestamp: now, Status: StatusFailed, Error: "boom"}))

	rec, err = h.LastSuccess(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.Equal(t, "aaa", rec.GitSHA)
}

func TestHistoryOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "updates.db")

	h, err := NewHistory(path)
	require.NoError(t, err)
	require.NoError(t, h.SaveUpdateRecord(context.Background(), Record{
		Version: "1.1.0", PreviousVersion: "1.0.0", GitSHA: "aaa",
		Timestamp: time.Now().UTC(), Status: StatusSuccess,
	}))
	require.NoError(t, h.Close())

	reopened, err := NewHistory(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1.1.0", got[0].Version, "records survive a restart")
}
