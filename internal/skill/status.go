package skill

import (
	"fmt"
	"sync"
)

// State represents the lifecycle state of a skill.
type State int

const (
	// StateUninitialized means the skill is constructed but Initialize has
	// not been called.
	StateUninitialized State = iota
	// StateInitializing means Initialize is in progress.
	StateInitializing
	// StateReady means the skill accepts Handle and OnHeartbeat calls.
	StateReady
	// StateError means the skill failed; it stays registered and may be
	// re-initialized.
	StateError
	// StateShutdown means Cleanup ran; the state is terminal.
	StateShutdown
)

// String returns the human-readable name of a State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	case StateShutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// validTransitions defines the allowed edges of the skill lifecycle.
// Re-initialization out of Error is permitted; Shutdown is terminal.
var validTransitions = map[State]map[State]bool{
	StateUninitialized: {
		StateInitializing: true,
	},
	StateInitializing: {
		StateReady: true,
		StateError: true,
	},
	StateReady: {
		StateError:    true,
		StateShutdown: true,
	},
	StateError: {
		StateInitializing: true,
		StateReady:        true,
		StateShutdown:     true,
	},
	StateShutdown: {},
}

// Status is the observable lifecycle state of one skill instance. It is safe
// for concurrent use; the registry owns writes, health endpoints read.
type Status struct {
	mu     sync.RWMutex
	state  State
	reason string
}

// NewStatus returns a Status in StateUninitialized.
func NewStatus() *Status {
	return &Status{state: StateUninitialized}
}

// State returns the current state.
func (s *Status) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Reason returns the error reason recorded by the most recent transition to
// StateError, or "" when the skill is not in error.
func (s *Status) Reason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// Transition validates and performs a state change. Moving anywhere but
// StateError clears the recorded reason. It returns an error on edges the
// lifecycle does not allow.
func (s *Status) Transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed, ok := validTransitions[s.state]
	if !ok || !allowed[to] {
		return fmt.Errorf("invalid state transition from %s to %s", s.state, to)
	}
	s.state = to
	if to != StateError {
		s.reason = ""
	}
	return nil
}

// Fail transitions to StateError and records a short reason.
func (s *Status) Fail(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed, ok := validTransitions[s.state]
	if !ok || !allowed[StateError] {
		return fmt.Errorf("invalid state transition from %s to %s", s.state, StateError)
	}
	s.state = StateError
	s.reason = reason
	return nil
}

// Snapshot returns the state and reason in one consistent read.
func (s *Status) Snapshot() (State, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.reason
}
