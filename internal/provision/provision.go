// Package provision keeps the target machine runnable: it compares the
// installed build against the local one, refuses to push state at a
// newer target, and installs or upgrades the binary and config when the
// target lags behind. Config overwrites show a diff and wait for the
// operator's consent.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/events"
)

const (
	versionTimeout = 15 * time.Second
	installTimeout = 60 * time.Second
)

// ConfirmFunc asks the operator a yes/no question. The prompt already
// contains the rendered diff.
type ConfirmFunc func(prompt string) (bool, error)

// Options configures a Provisioner. Runner and Files address the target.
type Options struct {
	Runner     command.Runner
	Files      command.FileIO
	BinPath    string // target path of the installed binary
	ConfigPath string // target path of the config file

	// LocalConfig is the config as loaded on the source, serialized.
	// Empty means "do not manage the target's config".
	LocalConfig []byte

	// Current is the local build's version; nil for dev builds, which
	// disables both the downgrade guard and binary upgrades.
	Current *semver.Version

	Confirm ConfirmFunc
	Bus     *events.Bus

	// ReadLocalBinary overrides how the local build is read from disk.
	ReadLocalBinary func() ([]byte, error)
}

// Provisioner checks and updates the target installation.
type Provisioner struct {
	runner     command.Runner
	files      command.FileIO
	binPath    string
	configPath string
	localCfg   []byte
	current    *semver.Version
	confirm    ConfirmFunc
	log        *events.Logger
	readLocal  func() ([]byte, error)
}

// New builds a Provisioner from opts.
func New(opts Options) *Provisioner {
	read := opts.ReadLocalBinary
	if read == nil {
		read = selfBinary
	}
	confirm := opts.Confirm
	if confirm == nil {
		confirm = func(string) (bool, error) { return false, nil }
	}
	return &Provisioner{
		runner:     opts.Runner,
		files:      opts.Files,
		binPath:    opts.BinPath,
		configPath: opts.ConfigPath,
		localCfg:   opts.LocalConfig,
		current:    opts.Current,
		confirm:    confirm,
		log:        opts.Bus.Logger("provision"),
		readLocal:  read,
	}
}

func selfBinary() ([]byte, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return os.ReadFile(exe)
}

// CheckVersion reads the target's installed build. A missing or broken
// binary means not installed (nil version, no error). A target build
// newer than the local one is fatal: state only flows source to target,
// and a newer target may carry formats the local build cannot produce.
func (p *Provisioner) CheckVersion(ctx context.Context) (*semver.Version, error) {
	res, err := p.runner.Run(ctx, command.ShellQuote(p.binPath)+" version", versionTimeout)
	if err != nil {
		return nil, fmt.Errorf("probing target version: %w", err)
	}
	if !res.Success() {
		p.log.Debug(fmt.Sprintf("%s not installed on target (exit %d)", p.binPath, res.ExitCode))
		return nil, nil
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		p.log.Warning("target version command printed nothing, treating as not installed")
		return nil, nil
	}
	installed, err := semver.NewVersion(fields[0])
	if err != nil {
		p.log.Warning(fmt.Sprintf("target reports unparseable version %q, treating as not installed", fields[0]))
		return nil, nil
	}
	if p.current == nil {
		p.log.Debug(fmt.Sprintf("local build is unversioned, skipping guard against target %s", installed))
		return installed, nil
	}
	if installed.GreaterThan(p.current) {
		return installed, errclass.ErrVersionMismatch.WithMessagef(
			"target runs %s, newer than local %s; refusing to push state backwards", installed, p.current)
	}
	p.log.Debug(fmt.Sprintf("target runs %s, local %s", installed, p.current))
	return installed, nil
}

// Ensure brings the target's binary and config up to date. installed is
// the result of CheckVersion; nil means no usable binary on the target.
func (p *Provisioner) Ensure(ctx context.Context, installed *semver.Version) error {
	if err := p.ensureBinary(ctx, installed); err != nil {
		return err
	}
	return p.ensureConfig(ctx)
}

func (p *Provisioner) ensureBinary(ctx context.Context, installed *semver.Version) error {
	if p.current == nil {
		if installed == nil {
			p.log.Warning("local build is unversioned and target has none installed, skipping binary install")
		}
		return nil
	}
	if installed != nil && !installed.LessThan(p.current) {
		p.log.Debug("target binary is up to date")
		return nil
	}

	data, err := p.readLocal()
	if err != nil {
		return fmt.Errorf("reading local binary: %w", err)
	}
	tmp := p.binPath + ".tmp"
	if err := p.files.WriteFile(ctx, tmp, data, 0o755); err != nil {
		return fmt.Errorf("uploading binary: %w", err)
	}
	// mv within the same directory is atomic; a crash mid-upload never
	// leaves a truncated binary at the real path.
	res, err := p.runner.Run(ctx,
		fmt.Sprintf("mv -f -- %s %s", command.ShellQuote(tmp), command.ShellQuote(p.binPath)),
		installTimeout)
	if err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	if !res.Success() {
		return fmt.Errorf("installing binary: mv exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if installed == nil {
		p.log.Info(fmt.Sprintf("installed %s on target", p.current))
	} else {
		p.log.Info(fmt.Sprintf("upgraded target from %s to %s", installed, p.current))
	}
	return nil
}

func (p *Provisioner) ensureConfig(ctx context.Context) error {
	if len(p.localCfg) == 0 {
		return nil
	}
	remote, err := p.files.ReadFile(ctx, p.configPath)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		if err := p.files.WriteFile(ctx, p.configPath, p.localCfg, 0o644); err != nil {
			return fmt.Errorf("installing config: %w", err)
		}
		p.log.Info(fmt.Sprintf("installed config at %s", p.configPath))
		return nil
	default:
		return fmt.Errorf("reading target config: %w", err)
	}

	if bytes.Equal(remote, p.localCfg) {
		p.log.Debug("target config matches")
		return nil
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(remote), string(p.localCfg), false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	ok, err := p.confirm(fmt.Sprintf(
		"target config %s differs from the local one:\n%s\nOverwrite the target config?",
		p.configPath, dmp.DiffPrettyText(diffs)))
	if err != nil {
		return fmt.Errorf("confirming config overwrite: %w", err)
	}
	if !ok {
		return errclass.ErrDeclined.WithMessage("operator declined the config overwrite")
	}
	if err := p.files.WriteFile(ctx, p.configPath, p.localCfg, 0o644); err != nil {
		return fmt.Errorf("overwriting config: %w", err)
	}
	p.log.Info(fmt.Sprintf("replaced config at %s", p.configPath))
	return nil
}
