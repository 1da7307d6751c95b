package autonomy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/skill"
)

// Auditor records confirmation decisions durably. Failures are logged, not
// propagated; audit must never block a user action.
type Auditor interface {
	Record(ctx context.Context, action, targetUserID, performedBy string) error
}

// Config holds the engine's timing knobs.
type Config struct {
	// TTL is how long a pending action stays confirmable.
	TTL time.Duration

	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration

	// Retention is how long terminal actions stay queryable before the
	// sweeper discards them.
	Retention time.Duration
}

// DefaultConfig returns the standard timings: 10 minute TTL, 60 second
// sweep, 1 hour retention.
func DefaultConfig() Config {
	return Config{
		TTL:           10 * time.Minute,
		SweepInterval: time.Minute,
		Retention:     time.Hour,
	}
}

// Decision is the outcome of CheckAutonomy.
type Decision struct {
	// Proceed is true when the caller may run the action immediately.
	Proceed bool

	// ActionID identifies the pending action when Proceed is false.
	ActionID string
}

// Engine owns the pending-action table: a per-user map of suspended
// operations, each confirmable at most once within its TTL.
type Engine struct {
	cfg     Config
	policy  *Policy
	auditor Auditor
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	users map[string]*userActions
}

// userActions serialises confirm, cancel, insert, and sweep for one user.
type userActions struct {
	mu   sync.Mutex
	byID map[string]*PendingAction
}

// NewEngine builds an Engine. The auditor may be nil.
func NewEngine(policy *Policy, auditor Auditor, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	return &Engine{
		cfg:     cfg,
		policy:  policy,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
		users:   make(map[string]*userActions),
	}
}

// Policy returns the engine's autonomy policy table.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// CheckAutonomy resolves the autonomy level for (user, kind). Autonomous
// actions may proceed immediately. Otherwise the handler is captured into a
// new pending action and the caller returns a confirmation prompt to the
// user instead of executing.
func (e *Engine) CheckAutonomy(user, kind, description string, handler Handler) Decision {
	if e.policy.Level(user, kind) == skill.Autonomous {
		return Decision{Proceed: true}
	}

	now := e.now()
	action := &PendingAction{
		ID:          uuid.NewString(),
		UserID:      user,
		Kind:        kind,
		Description: description,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.cfg.TTL),
		Status:      ActionWaiting,
		handler:     handler,
	}

	ua := e.userTable(user)
	ua.mu.Lock()
	ua.byID[action.ID] = action
	ua.mu.Unlock()

	e.logger.Info("pending action created",
		zap.String("action_id", action.ID),
		zap.String("user_id", user),
		zap.String("kind", kind),
		zap.Time("expires_at", action.ExpiresAt))
	return Decision{ActionID: action.ID}
}

// Confirm resolves a pending action for the given user. On success the
// captured handler runs and its response is returned, re-stamped with the
// confirming request's correlation id. A missing action, an action owned by
// another user, and an action no longer in Waiting all answer NOT_FOUND; an
// action past its TTL answers EXPIRED and is never executed.
func (e *Engine) Confirm(ctx context.Context, user, actionID, correlationID string) skill.Response {
	handler, errResp := e.consume(user, actionID, correlationID)
	if errResp != nil {
		return *errResp
	}

	e.audit(ctx, "pending_action_confirmed", user, user)

	resp := handler(ctx)
	resp.CorrelationID = correlationID
	return resp
}

// consume flips the action to Consumed under the user lock and hands back
// the captured handler. The flip happens before invocation, so a second
// confirm for the same id can never run the handler again.
func (e *Engine) consume(user, actionID, correlationID string) (Handler, *skill.Response) {
	notFound := skill.ErrorResponse(correlationID, skill.ErrNotFound, "pending action not found")

	ua, ok := e.lookupTable(user)
	if !ok {
		return nil, &notFound
	}

	ua.mu.Lock()
	defer ua.mu.Unlock()

	action, ok := ua.byID[actionID]
	if !ok {
		return nil, &notFound
	}
	now := e.now()
	if action.Status == ActionWaiting && action.Expired(now) {
		action.Status = ActionExpired
		action.terminalAt = now
		e.logger.Info("pending action expired at confirm",
			zap.String("action_id", actionID),
			zap.String("user_id", user))
		expired := skill.ErrorResponse(correlationID, skill.ErrExpired, "pending action expired")
		return nil, &expired
	}
	if action.Status != ActionWaiting {
		return nil, &notFound
	}

	action.Status = ActionConsumed
	action.terminalAt = now
	e.logger.Info("pending action confirmed",
		zap.String("action_id", actionID),
		zap.String("user_id", user),
		zap.String("kind", action.Kind))
	return action.handler, nil
}

// Cancel transitions a waiting action to Cancelled. It returns false when
// the action is missing, owned by another user, expired, or already
// terminal.
func (e *Engine) Cancel(ctx context.Context, user, actionID string) bool {
	ua, ok := e.lookupTable(user)
	if !ok {
		return false
	}

	ua.mu.Lock()
	action, ok := ua.byID[actionID]
	if !ok || action.Status != ActionWaiting {
		ua.mu.Unlock()
		return false
	}
	now := e.now()
	if action.Expired(now) {
		action.Status = ActionExpired
		action.terminalAt = now
		ua.mu.Unlock()
		return false
	}
	action.Status = ActionCancelled
	action.terminalAt = now
	kind := action.Kind
	ua.mu.Unlock()

	e.logger.Info("pending action cancelled",
		zap.String("action_id", actionID),
		zap.String("user_id", user),
		zap.String("kind", kind))
	e.audit(ctx, "pending_action_cancelled", user, user)
	return true
}

// Get returns a snapshot of one of the user's actions.
func (e *Engine) Get(user, actionID string) (PendingAction, bool) {
	ua, ok := e.lookupTable(user)
	if !ok {
		return PendingAction{}, false
	}
	ua.mu.Lock()
	defer ua.mu.Unlock()
	action, ok := ua.byID[actionID]
	if !ok {
		return PendingAction{}, false
	}
	return action.snapshot(), true
}

// Waiting returns snapshots of the user's actions still awaiting
// confirmation, expiry-checked against the current clock.
func (e *Engine) Waiting(user string) []PendingAction {
	ua, ok := e.lookupTable(user)
	if !ok {
		return nil
	}
	now := e.now()
	ua.mu.Lock()
	defer ua.mu.Unlock()
	var out []PendingAction
	for _, action := range ua.byID {
		if action.Status == ActionWaiting && !action.Expired(now) {
			out = append(out, action.snapshot())
		}
	}
	return out
}

// PendingCount returns the number of actions currently held across all
// users, terminal ones included.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	tables := make([]*userActions, 0, len(e.users))
	for _, ua := range e.users {
		tables = append(tables, ua)
	}
	e.mu.Unlock()

	total := 0
	for _, ua := range tables {
		ua.mu.Lock()
		total += len(ua.byID)
		ua.mu.Unlock()
	}
	return total
}

// StartSweeper runs the expiry sweeper until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// sweep expires overdue waiting actions and discards terminal actions past
// the retention window.
func (e *Engine) sweep() {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	for user, ua := range e.users {
		ua.mu.Lock()
		for id, action := range ua.byID {
			if action.Status == ActionWaiting && action.Expired(now) {
				action.Status = ActionExpired
				action.terminalAt = now
				e.logger.Info("pending action expired",
					zap.String("action_id", id),
					zap.String("user_id", user),
					zap.String("kind", action.Kind))
			}
			if action.Status != ActionWaiting && now.Sub(action.terminalAt) > e.cfg.Retention {
				delete(ua.byID, id)
			}
		}
		empty := len(ua.byID) == 0
		ua.mu.Unlock()
		if empty {
			delete(e.users, user)
		}
	}
}

func (e *Engine) userTable(user string) *userActions {
	e.mu.Lock()
	defer e.mu.Unlock()
	ua, ok := e.users[user]
	if !ok {
		ua = &userActions{byID: make(map[string]*PendingAction)}
		e.users[user] = ua
	}
	return ua
}

func (e *Engine) lookupTable(user string) (*userActions, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ua, ok := e.users[user]
	return ua, ok
}

func (e *Engine) audit(ctx context.Context, action, target, performedBy string) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.Record(ctx, action, target, performedBy); err != nil {
		e.logger.Warn("audit record failed",
			zap.String("action", action),
			zap.Error(err))
	}
}

// ConfirmationResponse is the standard success response a skill returns
// after CheckAutonomy suspends an action.
func ConfirmationResponse(req skill.Request, actionID, description string) skill.Response {
	return skill.SuccessResponse(req.CorrelationID, description, map[string]any{
		"requires_confirmation": true,
		"pending_action_id":     actionID,
	})
}
