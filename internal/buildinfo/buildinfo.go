// Package buildinfo reports what binary is running. Release builds
// stamp the variables below with -ldflags; plain `go build` and
// `go install` builds fall back to the VCS stamp the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/foreman/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	started  = time.Now()
	vcsOnce  sync.Once
	vcsStamp struct{ revision, time, modified string }
)

// readVCS loads the toolchain's VCS settings once.
func readVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				vcsStamp.revision = s.Value
			case "vcs.time":
				vcsStamp.time = s.Value
			case "vcs.modified":
				vcsStamp.modified = s.Value
			}
		}
	})
}

// Commit returns the stamped commit, the embedded VCS revision, or
// "unknown". A dirty tree gets a "-dirty" suffix.
func Commit() string {
	if GitCommit != "unknown" {
		return GitCommit
	}
	readVCS()
	if vcsStamp.revision == "" {
		return GitCommit
	}
	rev := vcsStamp.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if vcsStamp.modified == "true" {
		rev += "-dirty"
	}
	return rev
}

// Built returns the stamped build time or the embedded commit time.
func Built() string {
	if BuildTime != "unknown" {
		return BuildTime
	}
	readVCS()
	if vcsStamp.time == "" {
		return BuildTime
	}
	return vcsStamp.time
}

// Info is served by GET /v1/version and printed by `foreman version -o json`.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"build_time": Built(),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime is the time since the process started, in whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies foreman to model providers.
func UserAgent() string {
	return fmt.Sprintf("foreman/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}

func String() string {
	return fmt.Sprintf("foreman %s (%s) built %s", Version, Commit(), Built())
}
