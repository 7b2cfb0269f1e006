package provision

import (
	"context"
	"strings"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/command/commandtest"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/events"
)

type rig struct {
	p       *Provisioner
	runner  *commandtest.FakeRunner
	files   *commandtest.FakeFiles
	asked   []string
	answers []bool
}

func newRig(t *testing.T, local *semver.Version, localCfg []byte) *rig {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	r := &rig{
		runner: commandtest.NewRunner(),
		files:  commandtest.NewFiles(),
	}
	r.p = New(Options{
		Runner:      r.runner,
		Files:       r.files,
		BinPath:     "/usr/local/bin/twinsync",
		ConfigPath:  "/etc/twinsync/config.toml",
		LocalConfig: localCfg,
		Current:     local,
		Bus:         bus,
		Confirm: func(prompt string) (bool, error) {
			r.asked = append(r.asked, prompt)
			if len(r.answers) == 0 {
				return false, nil
			}
			answer := r.answers[0]
			r.answers = r.answers[1:]
			return answer, nil
		},
		ReadLocalBinary: func() ([]byte, error) {
			return []byte("ELF-payload"), nil
		},
	})
	return r
}

func v(t *testing.T, s string) *semver.Version {
	t.Helper()
	ver, err := semver.NewVersion(s)
	require.NoError(t, err)
	return ver
}

func TestCheckVersion_NotInstalled(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)
	r.runner.On("version", commandtest.Response{Result: command.Result{ExitCode: 127}})

	installed, err := r.p.CheckVersion(context.Background())
	require.NoError(t, err)
	assert.Nil(t, installed)
}

func TestCheckVersion_TargetNewerIsFatal(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)
	r.runner.On("version", commandtest.Response{
		StdoutLines: []string{"1.5.2 (commit deadbeef, built 2026-08-01)"},
	})

	_, err := r.p.CheckVersion(context.Background())
	require.Error(t, err)
	assert.True(t, errclass.ErrVersionMismatch.Is(err))
	assert.Contains(t, err.Error(), "1.5.2")
	assert.Contains(t, err.Error(), "1.4.0")
}

func TestCheckVersion_TargetOlderIsFine(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)
	r.runner.On("version", commandtest.Response{
		StdoutLines: []string{"1.3.0 (commit cafe, built 2026-07-01)"},
	})

	installed, err := r.p.CheckVersion(context.Background())
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, "1.3.0", installed.String())
}

func TestCheckVersion_DevBuildSkipsGuard(t *testing.T) {
	r := newRig(t, nil, nil)
	r.runner.On("version", commandtest.Response{
		StdoutLines: []string{"9.9.9 (commit future, built 2027-01-01)"},
	})

	installed, err := r.p.CheckVersion(context.Background())
	require.NoError(t, err)
	require.NotNil(t, installed)
	assert.Equal(t, "9.9.9", installed.String())
}

func TestCheckVersion_UnparseableOutputMeansNotInstalled(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)
	r.runner.On("version", commandtest.Response{StdoutLines: []string{"busybox v1.36"}})

	installed, err := r.p.CheckVersion(context.Background())
	require.NoError(t, err)
	assert.Nil(t, installed)
}

func TestEnsure_InstallsMissingBinary(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)

	require.NoError(t, r.p.Ensure(context.Background(), nil))

	data, ok := r.files.Contents("/usr/local/bin/twinsync.tmp")
	require.True(t, ok)
	assert.Equal(t, []byte("ELF-payload"), data)

	var moved bool
	for _, cmd := range r.runner.Commands() {
		if strings.Contains(cmd, "mv -f --") && strings.Contains(cmd, "'/usr/local/bin/twinsync'") {
			moved = true
		}
	}
	assert.True(t, moved, "expected an atomic mv into place, got %v", r.runner.Commands())
}

func TestEnsure_UpgradesOlderBinary(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)

	require.NoError(t, r.p.Ensure(context.Background(), v(t, "1.2.0")))

	_, ok := r.files.Contents("/usr/local/bin/twinsync.tmp")
	assert.True(t, ok)
}

func TestEnsure_UpToDateBinaryIsLeftAlone(t *testing.T) {
	r := newRig(t, v(t, "1.4.0"), nil)

	require.NoError(t, r.p.Ensure(context.Background(), v(t, "1.4.0")))

	_, ok := r.files.Contents("/usr/local/bin/twinsync.tmp")
	assert.False(t, ok)
	assert.Empty(t, r.runner.Commands())
}

func TestEnsure_DevBuildNeverUploads(t *testing.T) {
	r := newRig(t, nil, nil)

	require.NoError(t, r.p.Ensure(context.Background(), v(t, "1.0.0")))

	_, ok := r.files.Contents("/usr/local/bin/twinsync.tmp")
	assert.False(t, ok)
}

func TestEnsure_InstallsMissingConfigWithoutAsking(t *testing.T) {
	cfg := []byte("[remote]\nhost = \"backup\"\n")
	r := newRig(t, v(t, "1.4.0"), cfg)

	require.NoError(t, r.p.Ensure(context.Background(), v(t, "1.4.0")))

	data, ok := r.files.Contents("/etc/twinsync/config.toml")
	require.True(t, ok)
	assert.Equal(t, cfg, data)
	assert.Empty(t, r.asked)
}

func TestEnsure_MatchingConfigIsLeftAlone(t *testing.T) {
	cfg := []byte("[remote]\nhost = \"backup\"\n")
	r := newRig(t, v(t, "1.4.0"), cfg)
	require.NoError(t, r.files.WriteFile(context.Background(), "/etc/twinsync/config.toml", cfg, 0o644))

	require.NoError(t, r.p.Ensure(context.Background(), v(t, "1.4.0")))
	assert.Empty(t, r.asked)
}

func TestEnsure_DifferingConfigAsksAndOverwrites(t *testing.T) {
	local := []byte("[remote]\nhost = \"backup\"\n")
	r := newRig(t, v(t, "1.4.0"), local)
	r.answers = []bool{true}
	require.NoError(t, r.files.WriteFile(context.Background(),
		"/etc/twinsync/config.toml", []byte("[remote]\nhost = \"old-backup\"\n"), 0o644))

	require.NoError(t, r.p.Ensure(context.Background(), v(t, "1.4.0")))

	require.Len(t, r.asked, 1)
	assert.Contains(t, r.asked[0], "/etc/twinsync/config.toml")
	data, _ := r.files.Contents("/etc/twinsync/config.toml")
	assert.Equal(t, local, data)
}

func TestEnsure_DeclinedOverwriteFailsTheRun(t *testing.T) {
	local := []byte("[remote]\nhost = \"backup\"\n")
	r := newRig(t, v(t, "1.4.0"), local)
	r.answers = []bool{false}
	stale := []byte("[remote]\nhost = \"old-backup\"\n")
	require.NoError(t, r.files.WriteFile(context.Background(), "/etc/twinsync/config.toml", stale, 0o644))

	err := r.p.Ensure(context.Background(), v(t, "1.4.0"))
	require.Error(t, err)
	assert.True(t, errclass.ErrDeclined.Is(err))

	data, _ := r.files.Contents("/etc/twinsync/config.toml")
	assert.Equal(t, stale, data)
}
