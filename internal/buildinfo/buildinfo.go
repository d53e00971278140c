// Package buildinfo holds version metadata stamped at link time.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/nugget/beacond/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details for the version endpoint and
// the version subcommand.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "beacond/" + Version
}

// String returns a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("beacond %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
