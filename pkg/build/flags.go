// SPDX-License-Identifier: MIT
//
// Package build manages build metadata embedded into the binary with
// linker flags: application name, build timestamp, Git commit hash, and
// semantic version. Development builds fall back to placeholder values.
package build

type ldFlags struct {
	Name        string
	Description string
	Time        string
	Commit      string
	Version     string
}

// Package-level variables populated by -ldflags during compilation.
var (
	buildTime    string
	buildCommit  string
	buildVersion string
	buildFlags   = &ldFlags{
		Name:        "spectra",
		Description: "Real-time constant-Q spectrum analyzer",
		Time:        "unknown",
		Commit:      "unknown",
		Version:     "dev",
	}
)

// Initialize copies build information from ldflags variables into the
// buildFlags struct. Call early in program startup; unset flags keep
// their development defaults.
func Initialize() {
	if buildTime != "" {
		buildFlags.Time = buildTime
	}
	if buildCommit != "" {
		buildFlags.Commit = buildCommit
	}
	if buildVersion != "" {
		buildFlags.Version = buildVersion
	}
}

// GetBuildFlags returns the current build information.
func GetBuildFlags() *ldFlags {
	return buildFlags
}
