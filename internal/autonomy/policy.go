// Package autonomy implements the per-user confirmation layer: the autonomy
// policy table, the pending-action store, and the engine that suspends
// side-effectful skill operations until a user confirms them.
package autonomy

import (
	"sync"

	"github.com/castelmind/castellan/internal/skill"
)

// Policy maps action kinds to autonomy levels. Skills declare a default
// level per action at construction; users may tune levels at runtime except
// where the declaration is AlwaysAsk, which is frozen.
type Policy struct {
	mu       sync.RWMutex
	declared map[string]skill.AutonomyLevel
	global   map[string]skill.AutonomyLevel
	perUser  map[string]map[string]skill.AutonomyLevel
}

// NewPolicy returns an empty Policy. Unknown actions resolve to Autonomous.
func NewPolicy() *Policy {
	return &Policy{
		declared: make(map[string]skill.AutonomyLevel),
		global:   make(map[string]skill.AutonomyLevel),
		perUser:  make(map[string]map[string]skill.AutonomyLevel),
	}
}

// Declare records the skill-declared default level for an action kind.
// Declaring AlwaysAsk freezes the action against SetLevel.
func (p *Policy) Declare(action string, level skill.AutonomyLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declared[action] = level
}

// Level resolves the effective level for (user, action): the user override
// wins, then the global override, then the declaration. A frozen AlwaysAsk
// declaration always wins.
func (p *Policy) Level(user, action string) skill.AutonomyLevel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.declared[action] == skill.AlwaysAsk {
		return skill.AlwaysAsk
	}
	if levels, ok := p.perUser[user]; ok {
		if level, ok := levels[action]; ok {
			return level
		}
	}
	if level, ok := p.global[action]; ok {
		return level
	}
	if level, ok := p.declared[action]; ok {
		return level
	}
	return skill.Autonomous
}

// SetLevel overrides the level for an action across all users. It returns
// false, changing nothing, when the action is declared AlwaysAsk.
func (p *Policy) SetLevel(action string, level skill.AutonomyLevel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[action] == skill.AlwaysAsk {
		return false
	}
	p.global[action] = level
	return true
}

// SetUserLevel overrides the level for one user. Frozen actions refuse.
func (p *Policy) SetUserLevel(user, action string, level skill.AutonomyLevel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.declared[action] == skill.AlwaysAsk {
		return false
	}
	levels, ok := p.perUser[user]
	if !ok {
		levels = make(map[string]skill.AutonomyLevel)
		p.perUser[user] = levels
	}
	levels[action] = level
	return true
}
