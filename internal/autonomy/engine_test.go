package autonomy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/skill"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	policy := NewPolicy()
	policy.Declare("create_issue", skill.Ask)
	policy.Declare("merge_pr", skill.AlwaysAsk)
	policy.Declare("post_update", skill.Autonomous)
	return NewEngine(policy, nil, zap.NewNop(), DefaultConfig())
}

func captureHandler(calls *atomic.Int32, resp skill.Response) Handler {
	return func(context.Context) skill.Response {
		calls.Add(1)
		return resp
	}
}

func TestCheckAutonomyAutonomousProceeds(t *testing.T) {
	e := newTestEngine(t)

	d := e.CheckAutonomy("u1", "post_update", "post a status update", nil)
	assert.True(t, d.Proceed)
	assert.Empty(t, d.ActionID)
	assert.Zero(t, e.PendingCount())
}

func TestCheckAutonomyAskSuspends(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	d := e.CheckAutonomy("u1", "create_issue", "create issue X", captureHandler(&calls, skill.Response{}))

	require.False(t, d.Proceed)
	require.NotEmpty(t, d.ActionID)
	assert.Zero(t, calls.Load(), "handler must not run before confirmation")

	waiting := e.Waiting("u1")
	require.Len(t, waiting, 1)
	assert.Equal(t, d.ActionID, waiting[0].ID)
	assert.Equal(t, "create_issue", waiting[0].Kind)
	assert.Equal(t, ActionWaiting, waiting[0].Status)
}

func TestConfirmRunsCapturedHandlerOnce(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	captured := skill.SuccessResponse("original-cid", "issue created", map[string]any{"issue": 42})
	d := e.CheckAutonomy("u1", "create_issue", "create issue X", captureHandler(&calls, captured))

	resp := e.Confirm(context.Background(), "u1", d.ActionID, "confirm-cid")
	require.True(t, resp.Success)
	assert.Equal(t, "confirm-cid", resp.CorrelationID, "response echoes the confirming request")
	assert.Equal(t, 42, resp.Data["issue"])
	assert.Equal(t, int32(1), calls.Load())

	assert.Empty(t, e.Waiting("u1"))

	// A second confirm finds nothing to consume.
	again := e.Confirm(context.Background(), "u1", d.ActionID, "confirm-cid-2")
	require.False(t, again.Success)
	assert.Equal(t, skill.ErrNotFound, again.Error.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConfirmWrongUserDoesNotLeak(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	d := e.CheckAutonomy("u1", "create_issue", "create issue X", captureHandler(&calls, skill.Response{}))

	resp := e.Confirm(context.Background(), "u2", d.ActionID, "cid")
	require.False(t, resp.Success)
	assert.Equal(t, skill.ErrNotFound, resp.Error.Kind)
	assert.Zero(t, calls.Load())

	// The rightful owner's action is untouched.
	waiting := e.Waiting("u1")
	require.Len(t, waiting, 1)
	assert.Equal(t, ActionWaiting, waiting[0].Status)
}

func TestConfirmExpiredNeverExecutes(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	d := e.CheckAutonomy("u1", "create_issue", "create issue X", captureHandler(&calls, skill.Response{}))

	// Move the clock past the TTL, then confirm.
	e.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	resp := e.Confirm(context.Background(), "u1", d.ActionID, "cid")
	require.False(t, resp.Success)
	assert.Equal(t, skill.ErrExpired, resp.Error.Kind)
	assert.Zero(t, calls.Load(), "expiry precedes consumption")

	got, ok := e.Get("u1", d.ActionID)
	require.True(t, ok)
	assert.Equal(t, ActionExpired, got.Status)
}

func TestConcurrentConfirmsConsumeOnce(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	d := e.CheckAutonomy("u1", "create_issue", "create issue X",
		captureHandler(&calls, skill.SuccessResponse("", "done", nil)))

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := e.Confirm(context.Background(), "u1", d.ActionID, "cid")
			if resp.Success {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), successes.Load())
}

func TestCancel(t *testing.T) {
	e := newTestEngine(t)

	var calls atomic.Int32
	d := e.CheckAutonomy("u1", "create_issue", "create issue X", captureHandler(&calls, skill.Response{}))

	assert.False(t, e.Cancel(context.Background(), "u2", d.ActionID), "wrong user")
	assert.True(t, e.Cancel(context.Background(), "u1", d.ActionID))
	assert.False(t, e.Cancel(context.Background(), "u1", d.ActionID), "already cancelled")

	resp := e.Confirm(context.Background(), "u1", d.ActionID, "cid")
	require.False(t, resp.Success)
	assert.Equal(t, skill.ErrNotFound, resp.Error.Kind)
	assert.Zero(t, calls.Load())
}

func TestCancelExpiredReturnsFalse(t *testing.T) {
	e := newTestEngine(t)

	d := e.CheckAutonomy("u1", "create_issue", "create issue X", nil)
	e.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	assert.False(t, e.Cancel(context.Background(), "u1", d.ActionID))
	got, ok := e.Get("u1", d.ActionID)
	require.True(t, ok)
	assert.Equal(t, ActionExpired, got.Status)
}

func TestSweepExpiresAndDiscards(t *testing.T) {
	e := newTestEngine(t)

	d := e.CheckAutonomy("u1", "create_issue", "create issue X", nil)
	require.Equal(t, 1, e.PendingCount())

	// Past the TTL: the sweeper marks the action expired but keeps it.
	base := time.Now()
	e.now = func() time.Time { return base.Add(11 * time.Minute) }
	e.sweep()

	got, ok := e.Get("u1", d.ActionID)
	require.True(t, ok)
	assert.Equal(t, ActionExpired, got.Status)
	assert.Equal(t, 1, e.PendingCount())

	// Past the retention window: the sweeper discards it.
	e.now = func() time.Time { return base.Add(11*time.Minute + 61*time.Minute) }
	e.sweep()

	_, ok = e.Get("u1", d.ActionID)
	assert.False(t, ok)
	assert.Zero(t, e.PendingCount())
}

func TestAlwaysAskCannotBeLowered(t *testing.T) {
	e := newTestEngine(t)

	assert.False(t, e.Policy().SetLevel("merge_pr", skill.Autonomous))
	assert.False(t, e.Policy().SetUserLevel("u1", "merge_pr", skill.Autonomous))

	d := e.CheckAutonomy("u1", "merge_pr", "merge PR #7", func(context.Context) skill.Response {
		return skill.Response{}
	})
	assert.False(t, d.Proceed)
}

func TestConfirmationResponseShape(t *testing.T) {
	req := skill.NewRequest("u1", "create_issue", "", nil)
	resp := ConfirmationResponse(req, "action-1", "Create issue X?")

	require.True(t, resp.Success)
	assert.Equal(t, req.CorrelationID, resp.CorrelationID)
	assert.Equal(t, true, resp.Data["requires_confirmation"])
	assert.Equal(t, "action-1", resp.Data["pending_action_id"])
}

type recordingAuditor struct {
	mu      sync.Mutex
	actions []string
}

func (r *recordingAuditor) Record(_ context.Context, action, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return nil
}

func TestAuditTrail(t *testing.T) {
	policy := NewPolicy()
	policy.Declare("create_issue", skill.Ask)
	auditor := &recordingAuditor{}
	e := NewEngine(policy, auditor, zap.NewNop(), DefaultConfig())

	d := e.CheckAutonomy("u1", "create_issue", "create issue X", func(context.Context) skill.Response {
		return skill.SuccessResponse("", "", nil)
	})
	e.Confirm(context.Background(), "u1", d.ActionID, "cid")

	d2 := e.CheckAutonomy("u1", "create_issue", "create issue Y", nil)
	e.Cancel(context.Background(), "u1", d2.ActionID)

	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	assert.Equal(t, []string{"pending_action_confirmed", "pending_action_cancelled"}, auditor.actions)
}
