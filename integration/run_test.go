//go:build integration

package integration

import (
	"strings"
	"testing"
)

// A run against an unconfigured target must fail on validation alone,
// before anything touches the network.
func TestRunRejectsUnconfiguredTarget(t *testing.T) {
	out, code := runCLI(t, t.TempDir(), "run")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d: %s", code, out)
	}
	if !strings.Contains(out, "remote.host") {
		t.Errorf("validation should name remote.host: %q", out)
	}
}

func TestRunReportsEveryConfigProblem(t *testing.T) {
	home := t.TempDir()
	path := writeConfig(t, home, `
[remote]
host = "sync-target.example"
user = "sync"

[snapshots]
subvolumes = ["/data"]

[[jobs]]
name = "music"
type = "no-such-type"

[[jobs]]
name = "music"
type = "script"
`)

	out, code := runCLI(t, home, "--config", path, "run", "--dry-run")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d: %s", code, out)
	}
	if !strings.Contains(out, "unknown job type") {
		t.Errorf("missing unknown-type problem: %q", out)
	}
	if !strings.Contains(out, "duplicate job name") {
		t.Errorf("missing duplicate-name problem: %q", out)
	}
}
