package skill

// ErrorKind classifies a Response failure. The set is closed: dispatch and
// transport adapters switch on it, so new kinds are added here, not minted
// ad hoc by skills.
type ErrorKind string

const (
	// ErrUnknownIntent means no skill owns the requested intent.
	ErrUnknownIntent ErrorKind = "UNKNOWN_INTENT"
	// ErrSkillUnavailable means the owning skill is in Error state.
	ErrSkillUnavailable ErrorKind = "SKILL_UNAVAILABLE"
	// ErrSkillStarting means the owning skill has not reached Ready yet.
	ErrSkillStarting ErrorKind = "SKILL_STARTING"
	// ErrPermissionDenied means the skill does not declare a permission the
	// intent requires.
	ErrPermissionDenied ErrorKind = "PERMISSION_DENIED"
	// ErrInvalidArgument means the handler rejected the request's context.
	ErrInvalidArgument ErrorKind = "INVALID_ARGUMENT"
	// ErrTimeout means the handler exceeded its deadline.
	ErrTimeout ErrorKind = "TIMEOUT"
	// ErrHandlerFault means the handler failed in an unhandled way.
	ErrHandlerFault ErrorKind = "HANDLER_FAULT"
	// ErrNotFound means a pending action or other resource does not exist.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrExpired means a pending action's TTL elapsed before confirmation.
	ErrExpired ErrorKind = "EXPIRED"
	// ErrBusy means an exclusive operation (an update) is already running.
	ErrBusy ErrorKind = "BUSY"
	// ErrUpstream means an external dependency (storage, broker, sidecar)
	// failed.
	ErrUpstream ErrorKind = "UPSTREAM"
)

// Retryable reports whether a caller may reasonably retry a failure of this
// kind without changing the request.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrSkillUnavailable, ErrSkillStarting, ErrTimeout, ErrBusy, ErrUpstream:
		return true
	default:
		return false
	}
}
