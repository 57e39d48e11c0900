// Package buildinfo exposes the version metadata stamped into the
// keel-assist binary. Release builds set the variables via -ldflags;
// anything built with plain `go build` falls back to module build info
// so /v1/version never reports blanks.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"
)

// Set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

func init() {
	if GitCommit != "unknown" {
		return
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			GitCommit = s.Value
		}
	}
}

// Info returns the build and runtime metadata served by /v1/version.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies outbound gateway requests.
func UserAgent() string {
	return "keel-assist/" + Version
}

// String returns a one-line summary for startup logging.
func String() string {
	return fmt.Sprintf("keel-assist %s (%s) built %s", Version, GitCommit, BuildTime)
}
