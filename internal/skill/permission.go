package skill

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a capability a skill must declare before the dispatcher will
// route matching intents to it.
type Permission string

const (
	// PermReadProfile allows reading user profile records.
	PermReadProfile Permission = "profile:read"
	// PermWriteMemories allows writing to the user memory store.
	PermWriteMemories Permission = "memories:write"
	// PermSendMessages allows sending outbound messages to users.
	PermSendMessages Permission = "messages:send"
	// PermReadOwnCollection allows reading the skill's declared collections.
	PermReadOwnCollection Permission = "collection:read"
	// PermWriteOwnCollection allows writing the skill's declared collections.
	PermWriteOwnCollection Permission = "collection:write"
)

// PermissionSet is a set of permissions. The zero value is the empty set.
type PermissionSet map[Permission]bool

// NewPermissionSet builds a set from the given permissions.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}

// Has reports whether the set contains p.
func (s PermissionSet) Has(p Permission) bool {
	return s[p]
}

// Contains reports whether every permission in other is also in s.
func (s PermissionSet) Contains(other PermissionSet) bool {
	for p, ok := range other {
		if ok && !s[p] {
			return false
		}
	}
	return true
}

// Missing returns the permissions in required that s lacks, sorted for
// stable error messages.
func (s PermissionSet) Missing(required PermissionSet) []Permission {
	var missing []Permission
	for p, ok := range required {
		if ok && !s[p] {
			missing = append(missing, p)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// String renders the set as a sorted comma-separated list.
func (s PermissionSet) String() string {
	perms := make([]string, 0, len(s))
	for p, ok := range s {
		if ok {
			perms = append(perms, string(p))
		}
	}
	sort.Strings(perms)
	return strings.Join(perms, ",")
}

// AutonomyLevel controls whether a side-effectful action runs without user
// confirmation.
type AutonomyLevel int

const (
	// Autonomous actions proceed immediately.
	Autonomous AutonomyLevel = iota
	// Ask actions suspend into a pending action until the user confirms.
	Ask
	// AlwaysAsk actions behave like Ask but the level is frozen: policy
	// refuses any attempt to lower it.
	AlwaysAsk
)

// String returns the human-readable name of an AutonomyLevel.
func (l AutonomyLevel) String() string {
	switch l {
	case Autonomous:
		return "autonomous"
	case Ask:
		return "ask"
	case AlwaysAsk:
		return "always_ask"
	default:
		return fmt.Sprintf("AutonomyLevel(%d)", l)
	}
}

// ParseAutonomyLevel converts a config string into an AutonomyLevel.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "autonomous":
		return Autonomous, nil
	case "ask":
		return Ask, nil
	case "always_ask":
		return AlwaysAsk, nil
	default:
		return Autonomous, fmt.Errorf("unknown autonomy level %q", s)
	}
}
