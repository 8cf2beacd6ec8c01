// Package buildinfo holds version metadata populated via -ldflags at
// build time, adapted directly from the teacher's internal/app
// buildinfo.go.
package buildinfo

var (
	// Version is the semantic version of the built binary.
	Version = "0.0.0-dev"
	// Commit is the VCS commit SHA associated with the build.
	Commit = "unknown"
	// Date is the ISO-8601 timestamp of the build.
	Date = "unknown"
)
