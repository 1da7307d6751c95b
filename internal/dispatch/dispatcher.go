// Package dispatch routes incoming requests to the skill owning the intent,
// enforcing the lifecycle and permission gates and bounding every handler
// invocation with a deadline. It is the single funnel between transport
// adapters and skill code.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/autonomy"
	"github.com/castelmind/castellan/internal/metrics"
	"github.com/castelmind/castellan/internal/registry"
	"github.com/castelmind/castellan/internal/skill"
)

// Reserved intents that route to the autonomy engine instead of a skill.
const (
	IntentConfirm = "__confirm"
	IntentCancel  = "__cancel"
)

const (
	confirmPrefix = "confirm:"
	cancelPrefix  = "cancel:"
)

const defaultRequestTimeout = 60 * time.Second

// Config holds the dispatcher's timeout knobs.
type Config struct {
	// RequestTimeout bounds every handler invocation.
	RequestTimeout time.Duration

	// SkillTimeouts overrides RequestTimeout for the named skills.
	SkillTimeouts map[string]time.Duration
}

// Dispatcher resolves intents against the registry and invokes handlers
// under a deadline, converting every failure mode into a Response.
type Dispatcher struct {
	reg      *registry.Registry
	engine   *autonomy.Engine
	logger   *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
	required map[string]skill.PermissionSet
}

// New builds a Dispatcher. Metrics may be nil.
func New(reg *registry.Registry, engine *autonomy.Engine, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Dispatcher{
		reg:      reg,
		engine:   engine,
		logger:   logger,
		metrics:  m,
		cfg:      cfg,
		required: make(map[string]skill.PermissionSet),
	}
}

// RequirePermissions declares the permissions a skill must hold before the
// dispatcher routes the given intent to it. Call during wiring, before any
// Dispatch.
func (d *Dispatcher) RequirePermissions(intent string, perms ...skill.Permission) {
	d.required[intent] = skill.NewPermissionSet(perms...)
}

// Dispatch processes one request end to end and always returns exactly one
// Response carrying the request's correlation id.
func (d *Dispatcher) Dispatch(ctx context.Context, req skill.Request) skill.Response {
	start := time.Now()
	resp, skillName := d.dispatch(ctx, req)
	resp.CorrelationID = req.CorrelationID

	outcome := "ok"
	if resp.Error != nil {
		outcome = string(resp.Error.Kind)
	}
	d.metrics.ObserveRequest(req.Intent, skillName, outcome, time.Since(start))
	d.logger.Info("request dispatched",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("user_id", req.UserID),
		zap.String("intent", req.Intent),
		zap.String("skill", skillName),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, req skill.Request) (skill.Response, string) {
	if req.CorrelationID == "" {
		return skill.ErrorResponse("", skill.ErrInvalidArgument, "correlation id is required"), ""
	}
	if req.UserID == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "user id is required"), ""
	}

	if op, id, ok := confirmationRef(req); ok {
		return d.routeConfirmation(ctx, req, op, id), ""
	}

	s, ok := d.reg.ByIntent(req.Intent)
	if !ok {
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrUnknownIntent, "no skill handles intent %q", req.Intent), ""
	}
	name := s.Metadata().Name

	switch state := s.Status().State(); state {
	case skill.StateReady:
	case skill.StateUninitialized, skill.StateInitializing:
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrSkillStarting, "skill %s is starting", name), name
	default:
		return skill.ErrorResponsef(req.CorrelationID, skill.ErrSkillUnavailable, "skill %s is unavailable (%s)", name, state), name
	}

	if required, ok := d.required[req.Intent]; ok {
		if missing := s.Metadata().Permissions.Missing(required); len(missing) > 0 {
			return skill.ErrorResponsef(req.CorrelationID, skill.ErrPermissionDenied,
				"skill %s lacks permissions for %s: %v", name, req.Intent, missing), name
		}
	}

	return d.invokeHandler(ctx, s, req), name
}

type confirmOp int

const (
	opConfirm confirmOp = iota
	opCancel
)

// confirmationRef recognises the confirmation spellings: the reserved
// __confirm/__cancel intents with an action_id context field, and the
// inline "confirm:<id>" / "cancel:<id>" forms in the intent or, for
// intent-less chat requests, the message.
func confirmationRef(req skill.Request) (confirmOp, string, bool) {
	switch req.Intent {
	case IntentConfirm:
		id, _ := req.ContextString("action_id")
		return opConfirm, id, true
	case IntentCancel:
		id, _ := req.ContextString("action_id")
		return opCancel, id, true
	}
	candidates := []string{req.Intent}
	if req.Intent == "" {
		candidates = append(candidates, strings.TrimSpace(req.Message))
	}
	for _, c := range candidates {
		if strings.HasPrefix(c, confirmPrefix) {
			return opConfirm, strings.TrimSpace(strings.TrimPrefix(c, confirmPrefix)), true
		}
		if strings.HasPrefix(c, cancelPrefix) {
			return opCancel, strings.TrimSpace(strings.TrimPrefix(c, cancelPrefix)), true
		}
	}
	return 0, "", false
}

func (d *Dispatcher) routeConfirmation(ctx context.Context, req skill.Request, op confirmOp, id string) skill.Response {
	if id == "" {
		return skill.ErrorResponse(req.CorrelationID, skill.ErrInvalidArgument, "action_id is required")
	}
	switch op {
	case opCancel:
		if !d.engine.Cancel(ctx, req.UserID, id) {
			return skill.ErrorResponse(req.CorrelationID, skill.ErrNotFound, "pending action not found")
		}
		return skill.SuccessResponse(req.CorrelationID, "action cancelled", map[string]any{"action_id": id})
	default:
		return d.engine.Confirm(ctx, req.UserID, id, req.CorrelationID)
	}
}

// invokeHandler runs Handle under the skill's deadline, converting panics to
// HANDLER_FAULT and overruns to TIMEOUT. The response arrives on a buffered
// channel so an abandoned handler can still finish without leaking.
func (d *Dispatcher) invokeHandler(ctx context.Context, s skill.Skill, req skill.Request) skill.Response {
	name := s.Metadata().Name
	timeout := d.timeoutFor(name)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan skill.Response, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("handler panicked",
					zap.String("correlation_id", req.CorrelationID),
					zap.String("skill", name),
					zap.String("intent", req.Intent),
					zap.Any("panic", r),
					zap.Stack("stack"))
				done <- skill.ErrorResponsef(req.CorrelationID, skill.ErrHandlerFault,
					"handler fault in skill %s", name)
			}
		}()
		done <- s.Handle(hctx, req)
	}()

	select {
	case resp := <-done:
		return resp
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			d.logger.Warn("handler timed out",
				zap.String("correlation_id", req.CorrelationID),
				zap.String("skill", name),
				zap.Duration("timeout", timeout))
			return skill.ErrorResponsef(req.CorrelationID, skill.ErrTimeout,
				"handler exceeded %s", timeout)
		}
		return skill.ErrorResponse(req.CorrelationID, skill.ErrTimeout, "request cancelled")
	}
}

func (d *Dispatcher) timeoutFor(skillName string) time.Duration {
	if t, ok := d.cfg.SkillTimeouts[skillName]; ok && t > 0 {
		return t
	}
	return d.cfg.RequestTimeout
}
