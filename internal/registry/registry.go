// Package registry owns the process's skill instances: ordered
// construction, bounded-concurrency initialization, lookup indices, and
// shutdown. After Init returns the registry is read-mostly; lookups never
// block on lifecycle work.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/castelmind/castellan/internal/skill"
)

const defaultInitConcurrency = 8

// Registry maps skill names to instances and maintains the intent and
// collection indices the dispatcher relies on.
type Registry struct {
	logger *zap.Logger

	mu           sync.RWMutex
	order        []string
	skills       map[string]skill.Skill
	byIntent     map[string]string
	byCollection map[string]string
	initialized  bool

	initConcurrency int
}

// New returns an empty Registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:          logger,
		skills:          make(map[string]skill.Skill),
		byIntent:        make(map[string]string),
		byCollection:    make(map[string]string),
		initConcurrency: defaultInitConcurrency,
	}
}

// Register adds a constructed skill. Registration order is preserved and
// becomes the prompt-fragment order. Registering after Init or reusing a
// name is an error.
func (r *Registry) Register(s skill.Skill) error {
	name := s.Metadata().Name
	if name == "" {
		return fmt.Errorf("skill has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return fmt.Errorf("register %s: registry already initialized", name)
	}
	if _, exists := r.skills[name]; exists {
		return fmt.Errorf("register %s: name already registered", name)
	}
	r.skills[name] = s
	r.order = append(r.order, name)
	return nil
}

// Init initializes every registered skill with bounded concurrency, then
// builds the intent and collection indices. Individual init failures leave
// the skill in Error without aborting startup; a duplicate intent claim is
// fatal.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return fmt.Errorf("registry already initialized")
	}
	skills := r.snapshotLocked()
	r.mu.Unlock()

	p := pool.New().WithMaxGoroutines(r.initConcurrency)
	for _, s := range skills {
		p.Go(func() {
			r.initOne(ctx, s)
		})
	}
	p.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.buildIndicesLocked(); err != nil {
		return err
	}
	r.initialized = true
	return nil
}

// initOne drives the lifecycle edges around one skill's Initialize call.
// Skills doing long async init may have already reported Ready themselves.
func (r *Registry) initOne(ctx context.Context, s skill.Skill) {
	meta := s.Metadata()
	status := s.Status()

	if err := status.Transition(skill.StateInitializing); err != nil {
		r.logger.Warn("skill init skipped",
			zap.String("skill", meta.Name),
			zap.Error(err))
		return
	}
	r.logger.Info("initializing skill",
		zap.String("skill", meta.Name),
		zap.String("version", meta.Version))

	err := s.Initialize(ctx)
	switch {
	case err != nil:
		if status.State() != skill.StateError {
			if ferr := status.Fail(err.Error()); ferr != nil {
				r.logger.Warn("skill failed but state not transitionable",
					zap.String("skill", meta.Name),
					zap.Error(ferr))
			}
		}
		r.logger.Error("skill init failed",
			zap.String("skill", meta.Name),
			zap.Error(err))
	case status.State() == skill.StateInitializing:
		if terr := status.Transition(skill.StateReady); terr != nil {
			r.logger.Warn("skill ready transition failed",
				zap.String("skill", meta.Name),
				zap.Error(terr))
			return
		}
		r.logger.Info("skill ready", zap.String("skill", meta.Name))
	default:
		// The skill set its own final state during Initialize.
		r.logger.Info("skill initialized",
			zap.String("skill", meta.Name),
			zap.Stringer("state", status.State()))
	}
}

func (r *Registry) buildIndicesLocked() error {
	for _, name := range r.order {
		meta := r.skills[name].Metadata()
		for _, intent := range meta.Intents {
			if owner, taken := r.byIntent[intent]; taken {
				return fmt.Errorf("intent %q claimed by both %s and %s", intent, owner, name)
			}
			r.byIntent[intent] = name
		}
		for _, collection := range meta.Collections {
			if owner, taken := r.byCollection[collection]; taken {
				return fmt.Errorf("collection %q claimed by both %s and %s", collection, owner, name)
			}
			r.byCollection[collection] = name
		}
	}
	return nil
}

// Get returns the skill registered under name.
func (r *Registry) Get(name string) (skill.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// ByIntent returns the skill owning the given intent.
func (r *Registry) ByIntent(intent string) (skill.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byIntent[intent]
	if !ok {
		return nil, false
	}
	s, ok := r.skills[name]
	return s, ok
}

// ByCollection returns the skill that declared the given collection.
func (r *Registry) ByCollection(collection string) (skill.Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byCollection[collection]
	if !ok {
		return nil, false
	}
	s, ok := r.skills[name]
	return s, ok
}

// ByPermission returns every skill declaring the given permission, in
// registration order.
func (r *Registry) ByPermission(p skill.Permission) []skill.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []skill.Skill
	for _, name := range r.order {
		if r.skills[name].Metadata().Permissions.Has(p) {
			out = append(out, r.skills[name])
		}
	}
	return out
}

// All returns every skill in registration order.
func (r *Registry) All() []skill.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Ready returns the skills currently in StateReady, in registration order.
func (r *Registry) Ready() []skill.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []skill.Skill
	for _, name := range r.order {
		if r.skills[name].Status().State() == skill.StateReady {
			out = append(out, r.skills[name])
		}
	}
	return out
}

// StatusReport is one row of the observable lifecycle state, as surfaced by
// health endpoints.
type StatusReport struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// Statuses reports every skill's lifecycle state in registration order.
func (r *Registry) Statuses() []StatusReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StatusReport, 0, len(r.order))
	for _, name := range r.order {
		s := r.skills[name]
		state, reason := s.Status().Snapshot()
		out = append(out, StatusReport{
			Name:    name,
			Version: s.Metadata().Version,
			State:   state.String(),
			Reason:  reason,
		})
	}
	return out
}

// PromptFragments collects the non-empty system prompt fragments of every
// Ready skill, in registration order.
func (r *Registry) PromptFragments(userID string) []string {
	var out []string
	for _, s := range r.Ready() {
		if frag := s.SystemPromptFragment(userID); frag != "" {
			out = append(out, frag)
		}
	}
	return out
}

// Reinitialize re-runs Initialize on a skill stuck in Error. The intent and
// collection indices are untouched; they were built from static metadata.
func (r *Registry) Reinitialize(ctx context.Context, name string) error {
	s, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("reinitialize %s: not registered", name)
	}
	if state := s.Status().State(); state != skill.StateError {
		return fmt.Errorf("reinitialize %s: state is %s, not %s", name, state, skill.StateError)
	}
	r.initOne(ctx, s)
	if state, reason := s.Status().Snapshot(); state != skill.StateReady {
		return fmt.Errorf("reinitialize %s: still %s: %s", name, state, reason)
	}
	return nil
}

// Shutdown cleans up every skill concurrently, ignoring individual
// failures, and moves each to StateShutdown.
func (r *Registry) Shutdown(ctx context.Context) {
	skills := r.All()

	p := pool.New().WithMaxGoroutines(r.initConcurrency)
	for _, s := range skills {
		p.Go(func() {
			name := s.Metadata().Name
			if err := s.Cleanup(ctx); err != nil {
				r.logger.Warn("skill cleanup failed",
					zap.String("skill", name),
					zap.Error(err))
			}
			if err := s.Status().Transition(skill.StateShutdown); err != nil {
				r.logger.Debug("skill shutdown transition skipped",
					zap.String("skill", name),
					zap.Error(err))
			} else {
				r.logger.Info("skill shut down", zap.String("skill", name))
			}
		})
	}
	p.Wait()
}

func (r *Registry) snapshotLocked() []skill.Skill {
	out := make([]skill.Skill, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.skills[name])
	}
	return out
}
