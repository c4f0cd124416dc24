// Package version holds build-time version information.
package version

var (
	// Version is the semantic version, set via ldflags at build time.
	Version = "dev"
	// GitCommit is the git commit hash, set via ldflags at build time.
	GitCommit = "unknown"
)
