// Package hostlock provides per-machine run locks. Holding the lock on
// both machines of a pair is what makes a sync run exclusive: no second
// run can start on either side, in either direction.
//
// On both machines the kernel flock is the lock; the lock file's JSON
// record only describes the holder for diagnostics. A dead holder's
// flock vanishes with its process, so no staleness heuristics are
// needed.
package hostlock

import (
	"context"
	"time"

	"github.com/twinsync/twinsync/internal/errclass"
)

// Record describes a lock holder. It is written into the lock file for
// whoever runs into the conflict.
type Record struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle is a held lock. Release is idempotent.
type Handle interface {
	Release(ctx context.Context) error
}

// Status describes a lock as seen from outside.
type Status struct {
	Held   bool
	Holder *Record
}

func heldError(path string, rec *Record) error {
	if rec != nil && rec.Holder != "" {
		return errclass.ErrLockHeld.WithMessagef(
			"%s held by %s (pid %d) since %s",
			path, rec.Holder, rec.PID, rec.AcquiredAt.Format(time.RFC3339),
		)
	}
	return errclass.ErrLockHeld.WithMessagef("%s is held by another process", path)
}
