// Package update implements the self-update executor: a mutually exclusive
// state machine that fetches a tagged version, rebuilds service images, and
// rolls the services with health gating, reverting to the previous SHA when
// anything fails.
package update

import (
	"fmt"
	"time"
)

// ResultStatus is the final status of one update attempt.
type ResultStatus string

const (
	// StatusSuccess means every step completed.
	StatusSuccess ResultStatus = "success"
	// StatusFailed means the update failed and rollback either failed too
	// or never applied.
	StatusFailed ResultStatus = "failed"
	// StatusRolledBack means the update failed and the previous SHA was
	// restored cleanly.
	StatusRolledBack ResultStatus = "rolled_back"
)

// Step names as they appear in a result's steps_completed list.
const (
	StepGitFetch    = "git_fetch"
	StepGitCheckout = "git_checkout"
	StepDockerBuild = "docker_build"
)

// StepRestart names the restart step for one service.
func StepRestart(service string) string {
	return "restart_" + service
}

// StepHealth names the health-check step for one service.
func StepHealth(service string) string {
	return "health_" + service
}

// Result describes one update or rollback attempt. StepsCompleted is the
// ordered prefix of the step plan that succeeded before the first failure;
// rollback work is never appended to it.
type Result struct {
	Status         ResultStatus `json:"status"`
	PreviousSHA    string       `json:"previous_sha"`
	NewSHA         string       `json:"new_sha,omitempty"`
	StepsCompleted []string     `json:"steps_completed"`
	Error          string       `json:"error,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	Duration       float64      `json:"duration_seconds"`
}

// Record is the durable audit row mirrored to the operational store for
// every update attempt.
type Record struct {
	Version         string       `json:"version"`
	PreviousVersion string       `json:"previous_version"`
	GitSHA          string       `json:"git_sha"`
	Timestamp       time.Time    `json:"timestamp"`
	Status          ResultStatus `json:"status"`
	Error           string       `json:"error,omitempty"`
}

// State is the executor's operating mode.
type State int

const (
	// StateIdle means no operation is in progress.
	StateIdle State = iota
	// StateUpdating means an apply is running.
	StateUpdating
	// StateRollingBack means a rollback is running.
	StateRollingBack
)

// String returns the wire name of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpdating:
		return "updating"
	case StateRollingBack:
		return "rolling_back"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
