package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/metrics"
)

// ErrBusy is returned when an apply or rollback is requested while another
// operation holds the update lock.
var ErrBusy = errors.New("an update operation is already in progress")

const (
	historyLimit          = 50
	defaultBuildTimeout   = 10 * time.Minute
	defaultRestartTimeout = 2 * time.Minute
)

// RecordStore persists one durable row per update attempt.
type RecordStore interface {
	SaveUpdateRecord(ctx context.Context, rec Record) error
}

// ExecutorOptions carries the optional collaborators for NewExecutor.
type ExecutorOptions struct {
	Health         HealthChecker
	Records        RecordStore
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
	CurrentVersion string
	BuildTimeout   time.Duration
	RestartTimeout time.Duration
}

// Executor applies tagged updates to the running deployment. At most one
// operation runs at a time; concurrent requests fail fast with ErrBusy
// instead of queueing.
type Executor struct {
	git      Git
	compose  Compose
	manifest *Manifest
	health   HealthChecker
	records  RecordStore
	logger   *zap.Logger
	metrics  *metrics.Metrics

	buildTimeout   time.Duration
	restartTimeout time.Duration

	opMu sync.Mutex

	mu             sync.Mutex
	state          State
	currentOp      string
	currentVersion string
	results        []Result

	startedAt time.Time
	now       func() time.Time
}

// NewExecutor wires an executor for the services in manifest.
func NewExecutor(git Git, compose Compose, manifest *Manifest, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	health := opts.Health
	if health == nil {
		health = NewHealthValidator(logger)
	}
	buildTimeout := opts.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = defaultBuildTimeout
	}
	restartTimeout := opts.RestartTimeout
	if restartTimeout <= 0 {
		restartTimeout = defaultRestartTimeout
	}
	return &Executor{
		git:            git,
		compose:        compose,
		manifest:       manifest,
		health:         health,
		records:        opts.Records,
		logger:         logger,
		metrics:        m,
		buildTimeout:   buildTimeout,
		restartTimeout: restartTimeout,
		state:          StateIdle,
		currentVersion: opts.CurrentVersion,
		startedAt:      time.Now(),
		now:            time.Now,
	}
}

// Apply fetches tag, rebuilds images, and rolls every managed service,
// health-gating each one that declares an endpoint. A failure after the
// checkout reverts to the SHA recorded before the operation. The returned
// Result describes the attempt; the error is non-nil only for ErrBusy.
func (e *Executor) Apply(ctx context.Context, tag, version string) (Result, error) {
	if !e.opMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer e.opMu.Unlock()

	// A disconnecting caller must not tear down a half-applied update.
	ctx = context.WithoutCancel(ctx)

	e.setState(StateUpdating, "apply "+tag)
	defer e.setState(StateIdle, "")

	e.logger.Info("starting update",
		zap.String("tag", tag),
		zap.String("version", version))

	res := e.runUpdate(ctx, tag)
	e.finish(ctx, &res, version)
	return res, nil
}

// Rollback checks out targetSHA, rebuilds, and rolls every service. An
// empty target falls back to the previous SHA of the most recent attempt.
func (e *Executor) Rollback(ctx context.Context, targetSHA string) (Result, error) {
	if !e.opMu.TryLock() {
		return Result{}, ErrBusy
	}
	defer e.opMu.Unlock()

	ctx = context.WithoutCancel(ctx)

	if targetSHA == "" {
		if last, ok := e.LastResult(); ok {
			targetSHA = last.PreviousSHA
		}
	}

	res := Result{Status: StatusFailed, StartedAt: e.now().UTC(), StepsCompleted: []string{}}
	if targetSHA == "" {
		res.Error = "no rollback target: history is empty and no SHA was given"
		e.finish(ctx, &res, "")
		return res, nil
	}

	e.setState(StateRollingBack, "rollback to "+shortSHA(targetSHA))
	defer e.setState(StateIdle, "")

	e.logger.Info("starting rollback", zap.String("target_sha", targetSHA))

	if sha, err := e.git.CurrentSHA(ctx); err == nil {
		res.PreviousSHA = sha
	}

	if err := e.restoreSHA(ctx, targetSHA); err != nil {
		res.Error = err.Error()
		e.finish(ctx, &res, "")
		return res, nil
	}

	res.Status = StatusRolledBack
	res.NewSHA = targetSHA
	e.finish(ctx, &res, shortSHA(targetSHA))
	return res, nil
}

func (e *Executor) runUpdate(ctx context.Context, tag string) Result {
	res := Result{Status: StatusFailed, StartedAt: e.now().UTC(), StepsCompleted: []string{}}

	prevSHA, err := e.git.CurrentSHA(ctx)
	if err != nil {
		res.Error = fmt.Sprintf("resolve current sha: %v", err)
		return res
	}
	res.PreviousSHA = prevSHA

	if err := e.git.Fetch(ctx, tag); err != nil {
		res.Error = err.Error()
		return res
	}
	res.StepsCompleted = append(res.StepsCompleted, StepGitFetch)

	if err := e.git.Checkout(ctx, tag); err != nil {
		// A failed checkout leaves the tree on the previous SHA.
		res.Error = err.Error()
		return res
	}
	res.StepsCompleted = append(res.StepsCompleted, StepGitCheckout)

	if sha, err := e.git.CurrentSHA(ctx); err == nil {
		res.NewSHA = sha
	}

	if err := e.buildImages(ctx); err != nil {
		res.Error = err.Error()
		e.revert(ctx, prevSHA, &res)
		return res
	}
	res.StepsCompleted = append(res.StepsCompleted, StepDockerBuild)

	if err := e.rollServices(ctx, &res); err != nil {
		res.Error = err.Error()
		e.revert(ctx, prevSHA, &res)
		return res
	}

	res.Status = StatusSuccess
	return res
}

func (e *Executor) buildImages(ctx context.Context) error {
	bctx, cancel := context.WithTimeout(ctx, e.buildTimeout)
	defer cancel()
	if err := e.compose.Build(bctx); err != nil {
		if errors.Is(bctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("docker build timed out after %s", e.buildTimeout)
		}
		return err
	}
	return nil
}

// rollServices restarts every managed service in dependency order and
// validates each declared health endpoint before moving on. Completed
// steps are appended to res as they succeed.
func (e *Executor) rollServices(ctx context.Context, res *Result) error {
	for _, svc := range e.manifest.Services {
		if err := e.restartService(ctx, svc.Name); err != nil {
			return fmt.Errorf("restart %s: %w", svc.Name, err)
		}
		res.StepsCompleted = append(res.StepsCompleted, StepRestart(svc.Name))

		if svc.HealthURL == "" {
			continue
		}
		if err := e.health.Validate(ctx, svc.Name, svc.HealthURL); err != nil {
			return fmt.Errorf("Health check failed for %s: %w", svc.Name, err)
		}
		res.StepsCompleted = append(res.StepsCompleted, StepHealth(svc.Name))
	}
	return nil
}

func (e *Executor) restartService(ctx context.Context, name string) error {
	rctx, cancel := context.WithTimeout(ctx, e.restartTimeout)
	defer cancel()
	return e.compose.Restart(rctx, name)
}

// revert restores prevSHA after a failed update. Rollback work is logged
// but never appended to the result's completed steps, which stay the
// prefix of the forward plan.
func (e *Executor) revert(ctx context.Context, prevSHA string, res *Result) {
	e.setState(StateRollingBack, "rollback to "+shortSHA(prevSHA))

	e.logger.Warn("update failed, rolling back",
		zap.String("target_sha", prevSHA),
		zap.String("cause", res.Error))

	if err := e.restoreSHA(ctx, prevSHA); err != nil {
		res.Status = StatusFailed
		res.Error = fmt.Sprintf("%s; rollback failed: %v", res.Error, err)
		e.logger.Error("rollback failed, deployment needs operator attention",
			zap.String("target_sha", prevSHA),
			zap.Error(err))
		return
	}
	res.Status = StatusRolledBack
	e.logger.Info("rollback complete", zap.String("sha", prevSHA))
}

// restoreSHA checks out a SHA, rebuilds, and rolls all services with the
// same health gating as a forward update.
func (e *Executor) restoreSHA(ctx context.Context, sha string) error {
	if err := e.git.Checkout(ctx, sha); err != nil {
		return err
	}
	if err := e.buildImages(ctx); err != nil {
		return err
	}
	for _, svc := range e.manifest.Services {
		if err := e.restartService(ctx, svc.Name); err != nil {
			return fmt.Errorf("restart %s: %w", svc.Name, err)
		}
		if svc.HealthURL == "" {
			continue
		}
		if err := e.health.Validate(ctx, svc.Name, svc.HealthURL); err != nil {
			return fmt.Errorf("Health check failed for %s: %w", svc.Name, err)
		}
	}
	return nil
}

// finish stamps timing, records the attempt in the ring and the durable
// store, and advances the current version on success.
func (e *Executor) finish(ctx context.Context, res *Result, targetVersion string) {
	res.FinishedAt = e.now().UTC()
	res.Duration = res.FinishedAt.Sub(res.StartedAt).Seconds()
	e.metrics.UpdateAttempts.WithLabelValues(string(res.Status)).Inc()

	e.mu.Lock()
	prevVersion := e.currentVersion
	if res.Status == StatusSuccess && targetVersion != "" {
		e.currentVersion = targetVersion
	}
	e.results = append(e.results, *res)
	if len(e.results) > historyLimit {
		e.results = e.results[len(e.results)-historyLimit:]
	}
	e.mu.Unlock()

	if e.records != nil {
		rec := Record{
			Version:         targetVersion,
			PreviousVersion: prevVersion,
			GitSHA:          recordSHA(*res),
			Timestamp:       res.FinishedAt,
			Status:          res.Status,
			Error:           res.Error,
		}
		if err := e.records.SaveUpdateRecord(ctx, rec); err != nil {
			e.logger.Warn("persist update record", zap.Error(err))
		}
	}

	switch res.Status {
	case StatusSuccess:
		e.logger.Info("update complete",
			zap.String("version", targetVersion),
			zap.Strings("steps", res.StepsCompleted),
			zap.Float64("duration_seconds", res.Duration))
	default:
		e.logger.Warn("update did not succeed",
			zap.String("status", string(res.Status)),
			zap.String("error", res.Error),
			zap.Strings("steps", res.StepsCompleted))
	}
}

// Status reports the executor's state for the status endpoint.
type StatusInfo struct {
	State            string  `json:"state"`
	CurrentOperation string  `json:"current_operation,omitempty"`
	Version          string  `json:"version"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	LastResult       *Result `json:"last_result,omitempty"`
}

// Status returns a point-in-time snapshot of the executor.
func (e *Executor) Status() StatusInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := StatusInfo{
		State:            e.state.String(),
		CurrentOperation: e.currentOp,
		Version:          e.currentVersion,
		UptimeSeconds:    time.Since(e.startedAt).Seconds(),
	}
	if n := len(e.results); n > 0 {
		last := e.results[n-1]
		info.LastResult = &last
	}
	return info
}

// Version returns the currently deployed version.
func (e *Executor) Version() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentVersion
}

// UpdateAvailable reports whether candidate is newer than the deployed
// version.
func (e *Executor) UpdateAvailable(candidate string) bool {
	return IsNewer(candidate, e.Version())
}

// History returns up to the 50 most recent results, newest first.
func (e *Executor) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.results))
	for i, res := range e.results {
		out[len(e.results)-1-i] = res
	}
	return out
}

// LastResult returns the most recent attempt, if any.
func (e *Executor) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.results) == 0 {
		return Result{}, false
	}
	return e.results[len(e.results)-1], true
}

func (e *Executor) setState(s State, op string) {
	e.mu.Lock()
	e.state = s
	e.currentOp = op
	e.mu.Unlock()
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// recordSHA is the SHA an attempt targeted: the checked-out SHA when the
// operation got that far, otherwise the SHA it started from.
func recordSHA(res Result) string {
	if res.NewSHA != "" {
		return res.NewSHA
	}
	return res.PreviousSHA
}
