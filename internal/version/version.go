// Package version holds build information set with -ldflags.
package version

import "fmt"

// Set at build time, e.g.
//
//	go build -ldflags "-X monollm/internal/version.Version=v1.0.0"
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("monollm %s (commit %s, built %s)", Version, Commit, Date)
}
