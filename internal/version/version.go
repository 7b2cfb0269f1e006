// Package version carries the build metadata stamped in at link time.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const devVersion = "0.0.0-dev"

// Set via -ldflags, e.g.
//
//	-X github.com/twinsync/twinsync/internal/version.Version=1.4.0
var (
	Version = devVersion
	Commit  = "unknown"
	Date    = "unknown"
)

// String renders the full build identity for the version command.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date)
}

// Current parses the running build's version. Nil for unstamped dev
// builds; callers skip compatibility guards in that case.
func Current() *semver.Version {
	if Version == devVersion {
		return nil
	}
	v, err := semver.NewVersion(Version)
	if err != nil {
		return nil
	}
	return v
}
