package update

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// IsNewer reports whether candidate is a strictly newer semantic version
// than current. A leading "v" on either side is accepted. Pre-release
// versions order below their release ("2.0.0-rc.1" is older than "2.0.0").
// Anything that does not parse as a semantic version is never newer, so
// feeding garbage to an update check cannot trip an upgrade.
func IsNewer(candidate, current string) bool {
	cand, err := semver.NewVersion(strings.TrimSpace(candidate))
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(strings.TrimSpace(current))
	if err != nil {
		return false
	}
	return cand.GreaterThan(cur)
}
