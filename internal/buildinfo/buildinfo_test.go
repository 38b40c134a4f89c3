package buildinfo

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[k] == "" {
			t.Errorf("Info()[%q] is empty", k)
		}
	}
	if info["go_version"] != runtime.Version() {
		t.Errorf("go_version = %q", info["go_version"])
	}
}

func TestStampedValuesWin(t *testing.T) {
	oldCommit, oldTime := GitCommit, BuildTime
	t.Cleanup(func() { GitCommit, BuildTime = oldCommit, oldTime })

	GitCommit, BuildTime = "abc1234", "2026-01-02T03:04:05Z"
	if Commit() != "abc1234" || Built() != "2026-01-02T03:04:05Z" {
		t.Errorf("Commit()/Built() = %q/%q", Commit(), Built())
	}
	if got := String(); got != "foreman "+Version+" (abc1234) built 2026-01-02T03:04:05Z" {
		t.Errorf("String() = %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "foreman/"+Version+" ") || !strings.Contains(ua, runtime.GOOS) {
		t.Errorf("UserAgent() = %q", ua)
	}
}
