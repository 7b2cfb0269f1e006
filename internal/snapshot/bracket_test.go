package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/command/commandtest"
	"github.com/twinsync/twinsync/internal/events"
	"github.com/twinsync/twinsync/internal/job"
)

type fakeCreator struct {
	sessions []string
	phases   []Phase
	err      error
}

func (f *fakeCreator) CreateSet(_ context.Context, sessionID string, phase Phase) ([]Snapshot, error) {
	f.sessions = append(f.sessions, sessionID)
	f.phases = append(f.phases, phase)
	return nil, f.err
}

func bracketRun(t *testing.T, local, remote *commandtest.FakeRunner) *job.Context {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	return &job.Context{
		SessionID:  "abc123",
		SourceHost: "alpha",
		TargetHost: "beta",
		Local:      local,
		Remote:     remote,
		Bus:        bus,
	}
}

func TestBracketJob_Identity(t *testing.T) {
	j := NewBracketJob(&fakeCreator{}, PhasePre)
	assert.Equal(t, "snapshots-pre", j.Name())
	assert.Equal(t, job.KindSystem, j.Kind())
	assert.Equal(t, "snapshots-post", NewBracketJob(&fakeCreator{}, PhasePost).Name())
}

func TestBracketJob_ValidateRequiresBtrfsOnBothHosts(t *testing.T) {
	local := commandtest.NewRunner()
	remote := commandtest.NewRunner().
		On("command -v btrfs", commandtest.Response{Result: command.Result{ExitCode: 1}})
	run := bracketRun(t, local, remote)

	j := NewBracketJob(&fakeCreator{}, PhasePre)
	errs := j.Validate(context.Background(), run)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Detail, "target")
}

func TestBracketJob_ExecutePassesPhaseAndSession(t *testing.T) {
	creator := &fakeCreator{}
	run := bracketRun(t, commandtest.NewRunner(), commandtest.NewRunner())

	require.NoError(t, NewBracketJob(creator, PhasePost).Execute(context.Background(), run))
	assert.Equal(t, []string{"abc123"}, creator.sessions)
	assert.Equal(t, []Phase{PhasePost}, creator.phases)
}
