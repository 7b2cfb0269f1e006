// Package job defines the contract every unit of sync work implements,
// and the registry that builds jobs from configuration.
package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/events"
)

// Kind classifies a job. The set is closed: orchestration logic switches
// on it and every job is exactly one of these.
type Kind int

const (
	// KindSystem jobs are owned by the orchestrator (snapshot bracket),
	// never user-configured.
	KindSystem Kind = iota
	// KindSync jobs run sequentially in declared order.
	KindSync
	// KindBackground jobs run alongside the sync list and stop when the
	// list is done.
	KindBackground
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindSync:
		return "sync"
	case KindBackground:
		return "background"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ErrSkipped is returned by Execute when the job found nothing to do.
// The run records the job as skipped and continues with the next one.
var ErrSkipped = errors.New("job skipped")

// Job is one unit of work in a sync run. Validate must not change
// anything on either machine; all jobs are validated before any job
// executes.
type Job interface {
	Name() string
	Kind() Kind
	Validate(ctx context.Context, run *Context) []ValidationError
	Execute(ctx context.Context, run *Context) error
}

// Context carries the run-wide collaborators shared by all jobs. It is
// read-only for jobs; per-job configuration is baked into the job at
// construction time.
type Context struct {
	SessionID  string
	SourceHost string
	TargetHost string

	Local       command.Runner
	Remote      command.Runner
	LocalFiles  command.FileIO
	RemoteFiles command.FileIO

	Bus *events.Bus
}

// Runner returns the command runner for the given host role.
func (c *Context) Runner(h domain.Host) command.Runner {
	if h == domain.HostTarget {
		return c.Remote
	}
	return c.Local
}

// Files returns the file accessor for the given host role.
func (c *Context) Files(h domain.Host) command.FileIO {
	if h == domain.HostTarget {
		return c.RemoteFiles
	}
	return c.LocalFiles
}

// Hostname returns the resolved hostname for the given host role.
func (c *Context) Hostname(h domain.Host) string {
	if h == domain.HostTarget {
		return c.TargetHost
	}
	return c.SourceHost
}

// Logger returns a fabric logger scoped to the named job.
func (c *Context) Logger(jobName string) *events.Logger {
	return c.Bus.Logger(jobName)
}

// ValidationError is one problem found while validating a job against
// the live machines. Validation errors are collected, never returned
// one at a time.
type ValidationError struct {
	Job    string
	Detail string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Job, e.Detail)
}

// ConfigError is one problem found in static configuration before any
// connection is made. Job is empty for problems outside a job block.
type ConfigError struct {
	Job    string
	Field  string
	Detail string
}

func (e ConfigError) Error() string {
	switch {
	case e.Job == "" && e.Field == "":
		return e.Detail
	case e.Job == "":
		return fmt.Sprintf("%s: %s", e.Field, e.Detail)
	case e.Field == "":
		return fmt.Sprintf("job %q: %s", e.Job, e.Detail)
	default:
		return fmt.Sprintf("job %q: %s: %s", e.Job, e.Field, e.Detail)
	}
}
