// Package version holds build metadata for the fleet binaries.
package version

import "strings"

// Set at build time with -ldflags "-X github.com/tOgg1/scanfleet/internal/version.Version=v1.2.0".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns formatted version information.
func Info() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}

// Short returns just the version string.
func Short() string {
	return Version
}

// Matches reports whether an agent-reported version equals the expected one.
// A leading "v" is ignored on either side.
func Matches(reported, expected string) bool {
	normalize := func(v string) string {
		return strings.TrimPrefix(strings.TrimSpace(v), "v")
	}
	return normalize(reported) != "" && normalize(reported) == normalize(expected)
}
