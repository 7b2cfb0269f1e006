//go:build integration

package integration

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// binaryPath returns the CLI binary, building it on demand.
func binaryPath(t *testing.T) string {
	t.Helper()
	for _, p := range []string{"../twinsync", "./twinsync"} {
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	t.Log("binary not found, building")
	cmd := exec.Command("go", "build", "-o", "../twinsync", "../cmd/twinsync")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building binary: %v\n%s", err, out)
	}
	abs, _ := filepath.Abs("../twinsync")
	return abs
}

// runCLI executes the binary with an isolated HOME so the default
// config, log and history locations all land in the test's temp dir.
func runCLI(t *testing.T, home string, args ...string) (string, int) {
	t.Helper()
	cmd := exec.Command(binaryPath(t), args...)
	cmd.Env = append(os.Environ(), "HOME="+home)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			t.Fatalf("running %v: %v", args, err)
		}
		return string(out), ee.ExitCode()
	}
	return string(out), 0
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
