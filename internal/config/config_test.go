package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twinsync/twinsync/internal/job"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Remote.Port != 22 {
		t.Errorf("Remote.Port = %d, want 22", cfg.Remote.Port)
	}
	if cfg.Remote.MaxSessions != 8 {
		t.Errorf("Remote.MaxSessions = %d, want 8", cfg.Remote.MaxSessions)
	}
	if cfg.Lock.Path != "/run/lock/twinsync.lock" {
		t.Errorf("Lock.Path = %q", cfg.Lock.Path)
	}
	if cfg.Snapshots.KeepRecent != 5 {
		t.Errorf("Snapshots.KeepRecent = %d, want 5", cfg.Snapshots.KeepRecent)
	}
	if cfg.Disk.Source.PreflightMin != "10%" {
		t.Errorf("Disk.Source.PreflightMin = %q, want 10%%", cfg.Disk.Source.PreflightMin)
	}
	if cfg.Run.CleanupTimeout.Std() != 30*time.Second {
		t.Errorf("Run.CleanupTimeout = %v, want 30s", cfg.Run.CleanupTimeout.Std())
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[remote]
host = "backup.lan"
user = "sync"
port = 2222
keepalive_interval = "5s"

[snapshots]
root = "/.snapshots/twinsync"
subvolumes = ["/data", "/home"]
max_age = "168h"

[disk.target]
preflight_min = "25GiB"

[[jobs]]
name = "music"
type = "script"

[jobs.config]
commands = ["rsync -a /music/ backup:/music/"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Remote.Host != "backup.lan" {
		t.Errorf("Remote.Host = %q, want backup.lan", cfg.Remote.Host)
	}
	if cfg.Remote.Port != 2222 {
		t.Errorf("Remote.Port = %d, want 2222", cfg.Remote.Port)
	}
	if cfg.Remote.KeepaliveInterval.Std() != 5*time.Second {
		t.Errorf("KeepaliveInterval = %v, want 5s", cfg.Remote.KeepaliveInterval.Std())
	}
	if len(cfg.Snapshots.Subvolumes) != 2 {
		t.Fatalf("Subvolumes = %v, want 2 entries", cfg.Snapshots.Subvolumes)
	}
	if cfg.Snapshots.MaxAge.Std() != 168*time.Hour {
		t.Errorf("MaxAge = %v, want 168h", cfg.Snapshots.MaxAge.Std())
	}
	// Unset fields keep their defaults.
	if cfg.Remote.MaxSessions != 8 {
		t.Errorf("MaxSessions = %d, want default 8", cfg.Remote.MaxSessions)
	}
	if cfg.Disk.Target.PreflightMin != "25GiB" {
		t.Errorf("Disk.Target.PreflightMin = %q", cfg.Disk.Target.PreflightMin)
	}
	if cfg.Disk.Target.RuntimeMin != "5%" {
		t.Errorf("Disk.Target.RuntimeMin = %q, want default 5%%", cfg.Disk.Target.RuntimeMin)
	}
	if len(cfg.Jobs) != 1 {
		t.Fatalf("Jobs = %d, want 1", len(cfg.Jobs))
	}
	if cfg.Jobs[0].Name != "music" || cfg.Jobs[0].Type != "script" {
		t.Errorf("job = %+v", cfg.Jobs[0])
	}
	if !cfg.Jobs[0].IsEnabled() {
		t.Error("job should default to enabled")
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Remote.Port != 22 {
		t.Errorf("Remote.Port = %d, want default 22", cfg.Remote.Port)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeTempConfig(t, `
[remote]
keepalive_interval = "sometimes"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected a parse error for a bad duration")
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.Remote.Host = "backup.lan"
	cfg.Remote.User = "sync"
	cfg.Snapshots.Subvolumes = []string{"/data"}
	return cfg
}

func TestValidate_OK(t *testing.T) {
	problems := validConfig().Validate(job.DefaultRegistry())
	if len(problems) != 0 {
		t.Errorf("problems = %v, want none", problems)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Remote.Host = ""
	cfg.Remote.Port = 0
	cfg.Snapshots.Subvolumes = nil
	cfg.Disk.Source.PreflightMin = "lots"

	problems := cfg.Validate(job.DefaultRegistry())
	if len(problems) != 4 {
		t.Fatalf("got %d problems, want 4: %v", len(problems), problems)
	}

	fields := make(map[string]bool)
	for _, p := range problems {
		fields[p.Field] = true
	}
	for _, want := range []string{"remote.host", "remote.port", "snapshots.subvolumes", "disk.source.preflight_min"} {
		if !fields[want] {
			t.Errorf("missing problem for %s in %v", want, problems)
		}
	}
}

func TestValidate_UnknownJobType(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs = []JobConfig{{Name: "music", Type: "teleport"}}

	problems := cfg.Validate(job.DefaultRegistry())
	if len(problems) != 1 {
		t.Fatalf("got %d problems, want 1: %v", len(problems), problems)
	}
	if problems[0].Job != "music" || problems[0].Field != "type" {
		t.Errorf("problem = %+v", problems[0])
	}
	if !strings.Contains(problems[0].Detail, "script") {
		t.Errorf("detail should name the known types, got %q", problems[0].Detail)
	}
}

func TestValidate_DuplicateJobNames(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs = []JobConfig{
		{Name: "music", Type: "script", Config: map[string]any{"commands": []any{"true"}}},
		{Name: "music", Type: "script", Config: map[string]any{"commands": []any{"true"}}},
	}

	problems := cfg.Validate(job.DefaultRegistry())
	if len(problems) != 1 {
		t.Fatalf("got %d problems, want 1: %v", len(problems), problems)
	}
	if problems[0].Detail != "duplicate job name" {
		t.Errorf("problem = %+v", problems[0])
	}
}

func TestValidate_RunsPerTypeChecks(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs = []JobConfig{{Name: "music", Type: "script", Config: map[string]any{"host": "moon"}}}

	problems := cfg.Validate(job.DefaultRegistry())
	if len(problems) == 0 {
		t.Fatal("expected problems from the script type's config check")
	}
	for _, p := range problems {
		if p.Job != "music" {
			t.Errorf("problem not attributed to the job: %+v", p)
		}
	}
}

func TestBuildJobs_SkipsDisabled(t *testing.T) {
	off := false
	cfg := validConfig()
	cfg.Jobs = []JobConfig{
		{Name: "music", Type: "script", Config: map[string]any{"commands": []any{"true"}}},
		{Name: "paused", Type: "script", Enabled: &off, Config: map[string]any{"commands": []any{"true"}}},
	}

	jobs, err := cfg.BuildJobs(job.DefaultRegistry())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1", len(jobs))
	}
	if jobs[0].Name() != "music" {
		t.Errorf("job name = %q, want music", jobs[0].Name())
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := validConfig()
	cfg.Snapshots.MaxAge = Duration(72 * time.Hour)

	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Remote.Host != "backup.lan" {
		t.Errorf("Remote.Host = %q after reload", got.Remote.Host)
	}
	if got.Snapshots.MaxAge.Std() != 72*time.Hour {
		t.Errorf("MaxAge = %v after reload, want 72h", got.Snapshots.MaxAge.Std())
	}
}
