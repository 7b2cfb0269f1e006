// Package config loads and validates the TOML configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/twinsync/twinsync/internal/diskspace"
	"github.com/twinsync/twinsync/internal/job"
)

// Duration is a time.Duration that reads and writes as "30s" / "15m" in
// TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration
type Config struct {
	Remote    RemoteConfig   `toml:"remote"`
	Lock      LockConfig     `toml:"lock"`
	Snapshots SnapshotConfig `toml:"snapshots"`
	Disk      DiskConfig     `toml:"disk"`
	Run       RunConfig      `toml:"run"`
	Jobs      []JobConfig    `toml:"jobs"`
}

// RemoteConfig holds the target-machine connection settings
type RemoteConfig struct {
	Host               string   `toml:"host"`
	Port               int      `toml:"port"`
	User               string   `toml:"user"`
	IdentityFile       string   `toml:"identity_file"`
	KnownHostsFile     string   `toml:"known_hosts_file"`
	InsecureHostKey    bool     `toml:"insecure_host_key"`
	MaxSessions        int      `toml:"max_sessions"`
	ConnectTimeout     Duration `toml:"connect_timeout"`
	KeepaliveInterval  Duration `toml:"keepalive_interval"`
	KeepaliveMaxMissed int      `toml:"keepalive_max_missed"`
	BinPath            string   `toml:"bin_path"`
	ConfigPath         string   `toml:"config_path"`
}

// LockConfig holds the cross-host lock settings. The same path is used
// on both machines.
type LockConfig struct {
	Path string `toml:"path"`
}

// SnapshotConfig holds the snapshot layout and retention settings
type SnapshotConfig struct {
	Root       string   `toml:"root"`
	Subvolumes []string `toml:"subvolumes"`
	KeepRecent int      `toml:"keep_recent"`
	MaxAge     Duration `toml:"max_age"`
}

// DiskConfig holds per-host free-space thresholds
type DiskConfig struct {
	Source DiskHostConfig `toml:"source"`
	Target DiskHostConfig `toml:"target"`
}

// DiskHostConfig configures the disk checks for one host. Thresholds
// accept a percentage ("10%") or an absolute size ("25GiB").
type DiskHostConfig struct {
	Path          string   `toml:"path"`
	PreflightMin  string   `toml:"preflight_min"`
	RuntimeMin    string   `toml:"runtime_min"`
	CheckInterval Duration `toml:"check_interval"`
}

// RunConfig holds session-wide settings
type RunConfig struct {
	CleanupTimeout Duration `toml:"cleanup_timeout"`
	LogDir         string   `toml:"log_dir"`
	HistoryDB      string   `toml:"history_db"`
	LogLevel       string   `toml:"log_level"`
}

// JobConfig declares one sync job. Config is handed to the job type's
// factory as-is.
type JobConfig struct {
	Name    string         `toml:"name"`
	Type    string         `toml:"type"`
	Enabled *bool          `toml:"enabled"`
	Config  map[string]any `toml:"config"`
}

// IsEnabled reports whether the job should run; jobs are enabled unless
// explicitly disabled.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Remote: RemoteConfig{
			Port:               22,
			User:               os.Getenv("USER"),
			IdentityFile:       filepath.Join(home, ".ssh", "id_ed25519"),
			MaxSessions:        8,
			ConnectTimeout:     Duration(10 * time.Second),
			KeepaliveInterval:  Duration(15 * time.Second),
			KeepaliveMaxMissed: 4,
			BinPath:            "/usr/local/bin/twinsync",
			ConfigPath:         "/etc/twinsync/config.toml",
		},
		Lock: LockConfig{
			Path: "/run/lock/twinsync.lock",
		},
		Snapshots: SnapshotConfig{
			Root:       "/.snapshots/twinsync",
			KeepRecent: 5,
			MaxAge:     Duration(720 * time.Hour),
		},
		Disk: DiskConfig{
			Source: defaultDiskHost(),
			Target: defaultDiskHost(),
		},
		Run: RunConfig{
			CleanupTimeout: Duration(30 * time.Second),
			LogDir:         filepath.Join(home, ".local", "state", "twinsync", "logs"),
			HistoryDB:      filepath.Join(home, ".local", "state", "twinsync", "history.db"),
			LogLevel:       "info",
		},
	}
}

func defaultDiskHost() DiskHostConfig {
	return DiskHostConfig{
		Path:          "/",
		PreflightMin:  "10%",
		RuntimeMin:    "5%",
		CheckInterval: Duration(30 * time.Second),
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.Remote.IdentityFile = ExpandPath(cfg.Remote.IdentityFile)
	cfg.Remote.KnownHostsFile = ExpandPath(cfg.Remote.KnownHostsFile)
	cfg.Run.LogDir = ExpandPath(cfg.Run.LogDir)
	cfg.Run.HistoryDB = ExpandPath(cfg.Run.HistoryDB)

	return cfg, nil
}

// Save writes the config as TOML, creating parent directories
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "twinsync", "config.toml")
}

// Validate checks the whole config and returns every problem found, so
// the operator fixes the lot in one pass. reg supplies the known job
// types and their per-type config checks.
func (c *Config) Validate(reg *job.Registry) []job.ConfigError {
	var problems []job.ConfigError
	add := func(field, detail string) {
		problems = append(problems, job.ConfigError{Field: field, Detail: detail})
	}

	if c.Remote.Host == "" {
		add("remote.host", "required")
	}
	if c.Remote.User == "" {
		add("remote.user", "required")
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		add("remote.port", fmt.Sprintf("%d is not a valid port", c.Remote.Port))
	}
	if c.Lock.Path == "" {
		add("lock.path", "required")
	}
	if c.Snapshots.Root == "" {
		add("snapshots.root", "required")
	}
	if len(c.Snapshots.Subvolumes) == 0 {
		add("snapshots.subvolumes", "at least one subvolume is required")
	}
	if c.Snapshots.KeepRecent < 1 {
		add("snapshots.keep_recent", "must keep at least one snapshot set")
	}

	validateDiskHost("disk.source", c.Disk.Source, add)
	validateDiskHost("disk.target", c.Disk.Target, add)

	if c.Run.CleanupTimeout.Std() <= 0 {
		add("run.cleanup_timeout", "must be positive")
	}

	seen := make(map[string]bool)
	for _, jc := range c.Jobs {
		if jc.Name == "" {
			add("jobs.name", "every job needs a name")
			continue
		}
		if seen[jc.Name] {
			problems = append(problems, job.ConfigError{
				Job: jc.Name, Field: "name", Detail: "duplicate job name"})
			continue
		}
		seen[jc.Name] = true
		if !reg.Known(jc.Type) {
			problems = append(problems, job.ConfigError{
				Job: jc.Name, Field: "type",
				Detail: fmt.Sprintf("unknown job type %q (known: %s)", jc.Type, strings.Join(reg.Types(), ", "))})
			continue
		}
		problems = append(problems, reg.ValidateConfig(jc.Type, jc.Name, jc.Config)...)
	}

	return problems
}

func validateDiskHost(prefix string, d DiskHostConfig, add func(field, detail string)) {
	if d.Path == "" {
		add(prefix+".path", "required")
	}
	if _, err := diskspace.ParseThreshold(d.PreflightMin); err != nil {
		add(prefix+".preflight_min", err.Error())
	}
	if _, err := diskspace.ParseThreshold(d.RuntimeMin); err != nil {
		add(prefix+".runtime_min", err.Error())
	}
	if d.CheckInterval.Std() <= 0 {
		add(prefix+".check_interval", "must be positive")
	}
}

// BuildJobs constructs the enabled sync jobs in declared order. The
// config must already have passed Validate.
func (c *Config) BuildJobs(reg *job.Registry) ([]job.Job, error) {
	var jobs []job.Job
	for _, jc := range c.Jobs {
		if !jc.IsEnabled() {
			continue
		}
		j, err := reg.New(jc.Type, jc.Name, jc.Config)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
