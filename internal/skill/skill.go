// Package skill defines the contract every platform skill implements: the
// request/response envelope, the permission and autonomy vocabulary, the
// lifecycle state machine, and the heartbeat action value. Everything else in
// the core (registry, dispatcher, scheduler, autonomy engine) is written
// against these types.
package skill

import (
	"context"
)

// Metadata is the static description of a skill. It never changes after the
// skill is constructed.
type Metadata struct {
	// Name uniquely identifies the skill across the process.
	Name string

	// Description is a short human-readable summary.
	Description string

	// Version is the skill's semantic version string.
	Version string

	// Permissions is the capability set the skill declares. The dispatcher
	// refuses intents whose requirements exceed it.
	Permissions PermissionSet

	// Collections lists the vector/store collections the skill owns.
	Collections []string

	// Intents lists the intent keys the skill handles. Each intent belongs
	// to exactly one skill; the registry rejects duplicates at startup.
	Intents []string
}

// HeartbeatAction is a proactive, user-addressed action produced by a skill
// during a scheduler tick. Immutable value.
type HeartbeatAction struct {
	// SkillName is the producing skill.
	SkillName string

	// UserID is the user the action targets.
	UserID string

	// ActionType names the kind of action, e.g. "notify" or "report_ready".
	ActionType string

	// Data carries action-specific fields for the adapter layer.
	Data map[string]any

	// Priority orders delivery within a tick: 1 is highest, 10 lowest.
	Priority int
}

// Priority bounds for HeartbeatAction.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
)

// Skill is the platform's polymorphism point. The registry owns each
// instance for the process lifetime; the dispatcher and scheduler hold
// read-only references.
//
// Contract notes:
//   - Initialize must leave the status in StateReady or StateError before
//     returning, and must tolerate being called again after StateError.
//     Work expected to exceed ~30s should report Ready provisionally and
//     finish in the background.
//   - Handle and OnHeartbeat are only invoked while the status is
//     StateReady. Handle must not block on human input: it suspends through
//     the autonomy engine and returns.
//   - OnHeartbeat must return within the scheduler's per-skill timeout;
//     overruns are cancelled and contribute no actions.
//   - SystemPromptFragment is a pure function with no I/O; "" means no
//     contribution.
//   - Cleanup runs once at registry shutdown.
type Skill interface {
	Metadata() Metadata
	Status() *Status
	Initialize(ctx context.Context) error
	Handle(ctx context.Context, req Request) Response
	OnHeartbeat(ctx context.Context, activeUsers []string) ([]HeartbeatAction, error)
	SystemPromptFragment(userID string) string
	Cleanup(ctx context.Context) error
}

// Base carries the metadata and status plumbing shared by skill
// implementations. Embed it and override the hooks the skill needs.
type Base struct {
	meta   Metadata
	status *Status
}

// NewBase builds a Base for the given metadata with an Uninitialized status.
func NewBase(meta Metadata) Base {
	return Base{meta: meta, status: NewStatus()}
}

// Metadata returns the skill's static metadata.
func (b *Base) Metadata() Metadata {
	return b.meta
}

// Status returns the skill's lifecycle status.
func (b *Base) Status() *Status {
	return b.status
}

// SystemPromptFragment returns no contribution. Override when the skill
// feeds the prompt.
func (b *Base) SystemPromptFragment(string) string {
	return ""
}

// OnHeartbeat returns no actions. Override when the skill does periodic
// work.
func (b *Base) OnHeartbeat(context.Context, []string) ([]HeartbeatAction, error) {
	return nil, nil
}

// Cleanup is a no-op. Override when the skill holds I/O resources.
func (b *Base) Cleanup(context.Context) error {
	return nil
}
