package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/castelmind/castellan/internal/update"
)

type stubUpdater struct {
	mu          sync.Mutex
	busy        bool
	appliedTag  string
	appliedVer  string
	rollTargets []string
	result      update.Result
	status      update.StatusInfo
	history     []update.Result
}

var _ Updater = (*stubUpdater)(nil)

func (u *stubUpdater) Apply(ctx context.Context, tag, version string) (update.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.busy {
		return update.Result{}, update.ErrBusy
	}
	u.appliedTag = tag
	u.appliedVer = version
	return u.result, nil
}

func (u *stubUpdater) Rollback(ctx context.Context, targetSHA string) (update.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.busy {
		return update.Result{}, update.ErrBusy
	}
	u.rollTargets = append(u.rollTargets, targetSHA)
	return u.result, nil
}

func (u *stubUpdater) Status() update.StatusInfo {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

func (u *stubUpdater) History() []update.Result {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.history
}

type stubDiag struct {
	d Diagnostics
}

func (s *stubDiag) Collect(ctx context.Context) Diagnostics { return s.d }

const testSecret = "test-secret-token"

func newTestServer(t *testing.T, u *stubUpdater) (*httptest.Server, *Client) {
	t.Helper()
	diag := &stubDiag{d: Diagnostics{
		GitSHA:           "aaa111",
		GitRef:           "main",
		WorkingTreeClean: true,
		Containers:       "castellan  running",
		DiskUsage:        "/dev/vda1  40G  12G  28G  30% /",
		CollectedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}
	srv := httptest.NewServer(NewServer(u, diag, testSecret, zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, testSecret)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, client := newTestServer(t, &stubUpdater{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	require.NoError(t, client.Health(context.Background()))
}

func TestProtectedEndpointsRejectMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpdater{})

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/status"},
		{http.MethodPost, "/update/apply"},
		{http.MethodPost, "/update/rollback"},
		{http.MethodGet, "/update/history"},
		{http.MethodGet, "/diagnostics"},
	}
	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req, err := http.NewRequest(ep.method, srv.URL+ep.path, bytes.NewBufferString("{}"))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

			req, err = http.NewRequest(ep.method, srv.URL+ep.path, bytes.NewBufferString("{}"))
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer wrong-token")
			resp, err = http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestWrongSecretClientGetsUnauthorized(t *testing.T) {
	srv, _ := newTestServer(t, &stubUpdater{})
	client := NewClient(srv.URL, "not-the-secret")

	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unauthorized")
}

func TestApplyRoundTrip(t *testing.T) {
	u := &stubUpdater{result: update.Result{
		Status:         update.StatusSuccess,
		PreviousSHA:    "aaa111",
		NewSHA:         "bbb222",
		StepsCompleted: []string{"git_fetch", "git_checkout", "docker_build", "restart_api"},
		StartedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		FinishedAt:     time.Date(2026, 3, 1, 10, 2, 30, 0, time.UTC),
		Duration:       150,
	}}
	_, client := newTestServer(t, u)

	res, err := client.Apply(context.Background(), "v2.0.0", "2.0.0")
	require.NoError(t, err)

	assert.Equal(t, update.StatusSuccess, res.Status)
	assert.Equal(t, "bbb222", res.NewSHA)
	assert.Equal(t, []string{"git_fetch", "git_checkout", "docker_build", "restart_api"}, res.StepsCompleted)
	assert.Equal(t, "v2.0.0", u.appliedTag)
	assert.Equal(t, "2.0.0", u.appliedVer)
}

func TestApplyBusyMapsToConflict(t *testing.T) {
	u := &stubUpdater{busy: true}
	_, client := newTestServer(t, u)

	_, err := client.Apply(context.Background(), "v2.0.0", "2.0.0")
	assert.ErrorIs(t, err, update.ErrBusy)

	_, err = client.Rollback(context.Background(), "aaa111")
	assert.ErrorIs(t, err, update.ErrBusy)
}

func TestApplyValidation(t *testing.T) {
	u := &stubUpdater{}
	srv, _ := newTestServer(t, u)

	post := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/update/apply", bytes.NewBufferString(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+testSecret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("{not json")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(`{"version":"2.0.0"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tag is required")

	resp = post(`{"tag":"v3.1.0"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3.1.0", u.appliedVer, "version falls back to the tag without its v")
}

func TestRollbackRoundTrip(t *testing.T) {
	u := &stubUpdater{result: update.Result{Status: update.StatusRolledBack, NewSHA: "aaa111"}}
	_, client := newTestServer(t, u)

	res, err := client.Rollback(context.Background(), "aaa111")
	require.NoError(t, err)
	assert.Equal(t, update.StatusRolledBack, res.Status)
	assert.Equal(t, []string{"aaa111"}, u.rollTargets)
}

func TestHistoryWireFormat(t *testing.T) {
	u := &stubUpdater{history: []update.Result{
		{
			Status:         update.StatusRolledBack,
			PreviousSHA:    "aaa111",
			NewSHA:         "bbb222",
			StepsCompleted: []string{"git_fetch"},
			Error:          "Health check failed for api: unhealthy after 6 attempts",
			StartedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			FinishedAt:     time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		},
	}}
	srv, client := newTestServer(t, u)

	results, err := client.History(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, update.StatusRolledBack, results[0].Status)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/update/history", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	raw := string(body)
	assert.Contains(t, raw, `"steps_completed"`)
	assert.Contains(t, raw, `"previous_sha"`)
	assert.Contains(t, raw, `"rolled_back"`)
	assert.Contains(t, raw, `"2026-03-01T10:00:00Z"`, "timestamps are RFC 3339 UTC")
}

func TestStatusRoundTrip(t *testing.T) {
	u := &stubUpdater{status: update.StatusInfo{
		State:         "updating",
		CurrentOperation: "apply v2.0.0",
		Version:       "1.4.0",
		UptimeSeconds: 3600,
	}}
	_, client := newTestServer(t, u)

	info, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "updating", info.State)
	assert.Equal(t, "apply v2.0.0", info.CurrentOperation)
	assert.Equal(t, "1.4.0", info.Version)
}

func TestDiagnosticsRoundTrip(t *testing.T) {
	srv, client := newTestServer(t, &stubUpdater{})

	d, err := client.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "aaa111", d.GitSHA)
	assert.Equal(t, "main", d.GitRef)
	assert.True(t, d.WorkingTreeClean)
	assert.Contains(t, d.DiskUsage, "/dev/vda1")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/diagnostics", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Contains(t, raw, "working_tree_clean")
	assert.Contains(t, raw, "git_sha")
	assert.Contains(t, raw, "disk_usage")
}
