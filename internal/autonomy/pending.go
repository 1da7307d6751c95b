package autonomy

import (
	"context"
	"fmt"
	"time"

	"github.com/castelmind/castellan/internal/skill"
)

// ActionStatus is the lifecycle state of a pending action.
type ActionStatus int

const (
	// ActionWaiting means the action awaits user confirmation.
	ActionWaiting ActionStatus = iota
	// ActionConsumed means the action was confirmed and its handler ran.
	ActionConsumed
	// ActionExpired means the TTL elapsed before confirmation.
	ActionExpired
	// ActionCancelled means the owning user cancelled the action.
	ActionCancelled
)

// String returns the human-readable name of an ActionStatus.
func (s ActionStatus) String() string {
	switch s {
	case ActionWaiting:
		return "waiting"
	case ActionConsumed:
		return "consumed"
	case ActionExpired:
		return "expired"
	case ActionCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("ActionStatus(%d)", s)
	}
}

// Handler is the suspended remainder of a skill operation. The skill builds
// it as a closure over typed arguments at the point it calls CheckAutonomy,
// so confirmation replays exactly what was captured.
type Handler func(ctx context.Context) skill.Response

// PendingAction is one suspended operation awaiting confirmation. All
// mutation happens inside the engine under the owning user's lock.
type PendingAction struct {
	// ID uniquely identifies the action.
	ID string

	// UserID is the only user who may confirm or cancel.
	UserID string

	// Kind names the action, e.g. "create_issue".
	Kind string

	// Description is shown to the user when asking for confirmation.
	Description string

	// CreatedAt and ExpiresAt bound the confirmation window.
	CreatedAt time.Time
	ExpiresAt time.Time

	// Status is the action's lifecycle state.
	Status ActionStatus

	handler    Handler
	terminalAt time.Time
}

// Expired reports whether the action's window has closed at the given time.
func (a *PendingAction) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

// snapshot returns a copy safe to return to callers outside the user lock.
// The handler reference is not exposed.
func (a *PendingAction) snapshot() PendingAction {
	return PendingAction{
		ID:          a.ID,
		UserID:      a.UserID,
		Kind:        a.Kind,
		Description: a.Description,
		CreatedAt:   a.CreatedAt,
		ExpiresAt:   a.ExpiresAt,
		Status:      a.Status,
	}
}
