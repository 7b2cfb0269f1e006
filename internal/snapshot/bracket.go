package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/job"
)

// Creator is the part of the manager the bracket job needs.
type Creator interface {
	CreateSet(ctx context.Context, sessionID string, phase Phase) ([]Snapshot, error)
}

// BracketJob takes one side of the PRE/POST snapshot bracket. The
// orchestrator owns it: one job type, instantiated once per phase,
// never user-configurable.
type BracketJob struct {
	creator Creator
	phase   Phase
}

func NewBracketJob(c Creator, phase Phase) *BracketJob {
	return &BracketJob{creator: c, phase: phase}
}

func (j *BracketJob) Name() string   { return "snapshots-" + string(j.phase) }
func (j *BracketJob) Kind() job.Kind { return job.KindSystem }

// Validate confirms the btrfs tooling exists on both machines.
func (j *BracketJob) Validate(ctx context.Context, run *job.Context) []job.ValidationError {
	var errs []job.ValidationError
	for _, h := range []domain.Host{domain.HostSource, domain.HostTarget} {
		res, err := run.Runner(h).Run(ctx, "command -v btrfs >/dev/null", 15*time.Second)
		if err != nil {
			errs = append(errs, job.ValidationError{
				Job:    j.Name(),
				Detail: fmt.Sprintf("checking for btrfs on %s: %v", h, err),
			})
			continue
		}
		if !res.Success() {
			errs = append(errs, job.ValidationError{
				Job:    j.Name(),
				Detail: fmt.Sprintf("btrfs command not found on %s", h),
			})
		}
	}
	return errs
}

func (j *BracketJob) Execute(ctx context.Context, run *job.Context) error {
	_, err := j.creator.CreateSet(ctx, run.SessionID, j.phase)
	return err
}
