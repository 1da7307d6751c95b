// Package heartbeat runs the periodic tick that lets every Ready skill emit
// proactive actions. One slow skill cannot starve the rest: each skill gets
// a bounded worker and its own deadline, and the tick's collected actions
// are delivered in a deterministic order.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/metrics"
	"github.com/castelmind/castellan/internal/registry"
	"github.com/castelmind/castellan/internal/skill"
)

// UserSource supplies the active-user snapshot for a tick. The scheduler
// never discovers users itself.
type UserSource interface {
	ActiveUsers(ctx context.Context) ([]string, error)
}

// UserSourceFunc adapts a function to UserSource.
type UserSourceFunc func(ctx context.Context) ([]string, error)

// ActiveUsers implements UserSource.
func (f UserSourceFunc) ActiveUsers(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// DeliverFunc receives one tick's sorted actions for fan-out.
type DeliverFunc func(ctx context.Context, actions []skill.HeartbeatAction)

// Config holds the scheduler's timing and concurrency knobs.
type Config struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// SkillTimeout bounds each skill's OnHeartbeat call.
	SkillTimeout time.Duration

	// Concurrency caps the number of skills polled at once.
	Concurrency int

	// ShutdownGrace is how long an in-flight tick may run on after the
	// scheduler's context is cancelled.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the standard knobs: 60 second ticks, 15 second
// per-skill timeout, 16 workers, 30 second shutdown grace.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		SkillTimeout:  15 * time.Second,
		Concurrency:   16,
		ShutdownGrace: 30 * time.Second,
	}
}

// Scheduler polls every Ready skill on a fixed cadence and fans the
// collected actions out through the configured deliverer.
type Scheduler struct {
	reg     *registry.Registry
	users   UserSource
	deliver DeliverFunc
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
}

// New builds a Scheduler. Metrics may be nil; a nil deliver drops actions.
func New(reg *registry.Registry, users UserSource, deliver DeliverFunc, logger *zap.Logger, m *metrics.Metrics, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.SkillTimeout <= 0 {
		cfg.SkillTimeout = def.SkillTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Scheduler{
		reg:     reg,
		users:   users,
		deliver: deliver,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// Run ticks until ctx is cancelled. Ticks never overlap: a tick that
// outlasts the interval simply delays the next one.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("heartbeat scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("concurrency", s.cfg.Concurrency))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("heartbeat scheduler stopped")
			return
		case <-ticker.C:
			s.RunTick(ctx)
		}
	}
}

// RunTick executes one tick: snapshot users, poll Ready skills
// concurrently, sort, deliver. When ctx is cancelled mid-tick the tick may
// finish within the shutdown grace window; past it the workers are
// abandoned.
func (s *Scheduler) RunTick(ctx context.Context) []skill.HeartbeatAction {
	start := time.Now()

	tickCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-tickCtx.Done():
		case <-time.After(s.cfg.ShutdownGrace):
			s.logger.Warn("heartbeat tick abandoned after shutdown grace")
			cancel()
		}
	})
	defer stop()

	var users []string
	if s.users != nil {
		var err error
		users, err = s.users.ActiveUsers(tickCtx)
		if err != nil {
			s.logger.Warn("active user snapshot failed", zap.Error(err))
			users = nil
		}
	}

	ready := s.reg.Ready()

	var mu sync.Mutex
	var collected []skill.HeartbeatAction
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)
	for _, sk := range ready {
		p.Go(func() {
			actions := s.heartbeatOne(tickCtx, sk, users)
			if len(actions) == 0 {
				return
			}
			mu.Lock()
			collected = append(collected, actions...)
			mu.Unlock()
		})
	}
	p.Wait()

	SortActions(collected)

	s.metrics.HeartbeatTicks.Inc()
	s.metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("heartbeat tick complete",
		zap.Int("skills", len(ready)),
		zap.Int("actions", len(collected)),
		zap.Duration("duration", time.Since(start)))

	if len(collected) > 0 && s.deliver != nil && tickCtx.Err() == nil {
		s.deliver(tickCtx, collected)
	}
	return collected
}

// heartbeatOne polls a single skill under its own deadline. Timeouts,
// errors, and panics are contained here and contribute no actions.
func (s *Scheduler) heartbeatOne(ctx context.Context, sk skill.Skill, users []string) []skill.HeartbeatAction {
	name := sk.Metadata().Name
	hctx, cancel := context.WithTimeout(ctx, s.cfg.SkillTimeout)
	defer cancel()

	type result struct {
		actions []skill.HeartbeatAction
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("heartbeat panicked",
					zap.String("skill", name),
					zap.Any("panic", r),
					zap.Stack("stack"))
				done <- result{}
			}
		}()
		actions, err := sk.OnHeartbeat(hctx, users)
		done <- result{actions: actions, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			s.logger.Warn("heartbeat failed",
				zap.String("skill", name),
				zap.Error(res.err))
			return nil
		}
		for i := range res.actions {
			res.actions[i].SkillName = name
		}
		if n := len(res.actions); n > 0 {
			s.metrics.HeartbeatActions.WithLabelValues(name).Add(float64(n))
		}
		return res.actions
	case <-hctx.Done():
		s.metrics.HeartbeatTimeouts.WithLabelValues(name).Inc()
		s.logger.Warn("heartbeat timed out",
			zap.String("skill", name),
			zap.Duration("timeout", s.cfg.SkillTimeout))
		return nil
	}
}

// SortActions orders a tick's actions deterministically: priority
// ascending, then skill name, then action type. The sort is stable, so a
// skill emitting several same-priority actions keeps its own order.
func SortActions(actions []skill.HeartbeatAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		a, b := actions[i], actions[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.SkillName != b.SkillName {
			return a.SkillName < b.SkillName
		}
		return a.ActionType < b.ActionType
	})
}
