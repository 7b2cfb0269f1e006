package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/internal/command/commandtest"
	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/events"
)

func cleanupRig(t *testing.T, root string) (*Manager, *commandtest.FakeRunner) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	run := commandtest.NewRunner()
	m := NewManager(Config{Root: root, Subvolumes: []string{"/data"}}, []HostAccess{
		{Role: domain.HostSource, Run: run, Files: commandtest.NewFiles()},
	}, bus)
	m.now = func() time.Time { return fixedNow }
	return m, run
}

func makeSetDir(t *testing.T, root string, age time.Duration, session string) string {
	t.Helper()
	name := fixedNow.Add(-age).UTC().Format(setDirTimeFormat) + "-" + session
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pre-data-20260820-120000"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, manifestName), []byte("session: "+session+"\n"), 0o644))
	return dir
}

func TestPlan_KeepsRecentAndYoungSets(t *testing.T) {
	root := t.TempDir()
	m, _ := cleanupRig(t, root)

	makeSetDir(t, root, time.Hour, "newest")
	makeSetDir(t, root, 10*time.Hour, "young")
	old := makeSetDir(t, root, 10*24*time.Hour, "old")

	plan, err := m.Plan(RetentionPolicy{KeepRecent: 1, MaxAge: 48 * time.Hour})
	require.NoError(t, err)

	require.Len(t, plan.Keep, 2)
	require.Len(t, plan.Delete, 1)
	assert.Equal(t, old, plan.Delete[0].Dir)
	assert.Equal(t, "old", plan.Delete[0].SessionID)
}

func TestPlan_ZeroMaxAgeKeepsOnlyRecent(t *testing.T) {
	root := t.TempDir()
	m, _ := cleanupRig(t, root)

	makeSetDir(t, root, time.Hour, "newest")
	older := makeSetDir(t, root, 2*time.Hour, "older")

	plan, err := m.Plan(RetentionPolicy{KeepRecent: 1})
	require.NoError(t, err)

	require.Len(t, plan.Delete, 1)
	assert.Equal(t, older, plan.Delete[0].Dir)
}

func TestPlan_IgnoresForeignEntries(t *testing.T) {
	root := t.TempDir()
	m, _ := cleanupRig(t, root)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "lost+found"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))
	makeSetDir(t, root, time.Hour, "real")

	plan, err := m.Plan(RetentionPolicy{KeepRecent: 0})
	require.NoError(t, err)
	require.Len(t, plan.Delete, 1)
	assert.Equal(t, "real", plan.Delete[0].SessionID)
}

func TestPlan_MissingRootIsEmpty(t *testing.T) {
	m, _ := cleanupRig(t, filepath.Join(t.TempDir(), "absent"))

	plan, err := m.Plan(RetentionPolicy{KeepRecent: 5})
	require.NoError(t, err)
	assert.Empty(t, plan.Keep)
	assert.Empty(t, plan.Delete)
}

func TestApply_DeletesSnapshotsThenDir(t *testing.T) {
	root := t.TempDir()
	m, run := cleanupRig(t, root)

	dir := makeSetDir(t, root, 10*24*time.Hour, "old")
	plan, err := m.Plan(RetentionPolicy{})
	require.NoError(t, err)
	require.Len(t, plan.Delete, 1)

	require.NoError(t, m.Apply(context.Background(), plan))

	joined := strings.Join(run.Commands(), "\n")
	assert.Contains(t, joined, "btrfs subvolume delete")
	assert.Contains(t, joined, "pre-data-20260820-120000")
	assert.NotContains(t, joined, manifestName, "the manifest is a plain file, not a subvolume")
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "session dir must be gone")
}

func TestParseSetDir(t *testing.T) {
	info, ok := parseSetDir("20260825-120000-6b9c1e8a")
	require.True(t, ok)
	assert.Equal(t, "6b9c1e8a", info.SessionID)
	assert.Equal(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC), info.CreatedAt)

	_, ok = parseSetDir("snapshots")
	assert.False(t, ok)
	_, ok = parseSetDir("2026x825-120000-abc")
	assert.False(t, ok)
}
