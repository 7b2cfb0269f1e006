// Package orchestrator drives one sync session end to end: locks on
// both machines, connection, validation, the snapshot bracket, the
// sequential job list with its background jobs, and the cleanup that
// runs no matter how the session ended.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/events"
	"github.com/twinsync/twinsync/internal/hostlock"
	"github.com/twinsync/twinsync/internal/job"
	"github.com/twinsync/twinsync/internal/snapshot"
)

// Connection is the transport to the target machine. It doubles as the
// target's command runner once Connect has succeeded.
type Connection interface {
	command.Runner

	Connect(ctx context.Context) error
	Hostname(ctx context.Context) (string, error)
	Files() command.FileIO

	// Dead is closed when the transport is lost; Err then explains why.
	Dead() <-chan struct{}
	Err() error

	KillAll()
	Close() error
}

// Locker acquires one host's exclusive run lock.
type Locker interface {
	Acquire(ctx context.Context, rec hostlock.Record) (hostlock.Handle, error)
}

// Snapshotter verifies the snapshot layout and creates bracket sets.
type Snapshotter interface {
	VerifyLayout(ctx context.Context) error
	CreateSet(ctx context.Context, sessionID string, phase snapshot.Phase) ([]snapshot.Snapshot, error)
}

// Provisioner checks and updates the target installation.
type Provisioner interface {
	CheckVersion(ctx context.Context) (*semver.Version, error)
	Ensure(ctx context.Context, installed *semver.Version) error
}

// History persists finished sessions.
type History interface {
	SaveSession(ctx context.Context, s *domain.Session) error
}

// PreflightFunc checks free space on both hosts before any job runs.
type PreflightFunc func(ctx context.Context) error

// Built holds the collaborators that only exist once the connection is
// up: the target's lock, the snapshot manager, the disk checks, the
// provisioner, and the background jobs.
type Built struct {
	TargetLock Locker
	Snapshots  Snapshotter
	Preflight  PreflightFunc
	Provision  Provisioner
	Background []job.Job
}

// Deps supplies everything a run needs. Build assembles the
// connection-dependent collaborators; it runs right after the connection
// comes up, with the run context already carrying both runners.
type Deps struct {
	Local      command.Runner
	LocalFiles command.FileIO
	SourceLock Locker
	Conn       Connection
	Build      func(run *job.Context) (Built, error)

	SyncJobs []job.Job

	// History may be nil; persistence failures never fail the run.
	History History

	// ForceStop kills every tracked process on both machines. Invoked on
	// the second interrupt and when the cleanup window lapses.
	ForceStop func()

	Bus *events.Bus
}

// Options tune a single run.
type Options struct {
	SessionID string
	LogPath   string

	// CleanupTimeout bounds how long a cancelled run may spend unwinding
	// before processes are force-killed.
	CleanupTimeout time.Duration

	// DryRun stops after the validation phases: locks, connection,
	// version guard, job validation, layout check, and preflight all run,
	// but nothing on either machine changes.
	DryRun bool
}

const (
	defaultCleanupTimeout = 30 * time.Second
	persistTimeout        = 10 * time.Second
)

// Orchestrator runs one session. Construct a fresh one per run.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *events.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	interrupts int

	jobsStarted    bool
	cleanupStarted chan struct{}
}

// New builds an orchestrator for one session.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	return &Orchestrator{
		deps:           deps,
		opts:           opts,
		log:            deps.Bus.Logger("orchestrator"),
		cleanupStarted: make(chan struct{}),
	}
}

// Interrupt requests cancellation. The first call cancels the run's
// context and starts the cleanup window; in-flight processes receive a
// termination request and the window bounds how long they may take. A
// second call force-kills everything immediately.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	o.interrupts++
	n := o.interrupts
	cancel := o.cancel
	o.mu.Unlock()

	if n == 1 {
		o.log.Warning("interrupt received, stopping after the current job cleans up (interrupt again to force)")
		if cancel != nil {
			cancel()
		}
		go o.watchCleanupWindow()
		return
	}
	o.log.Critical("second interrupt, force-stopping all processes")
	o.forceStop()
}

// Interrupts reports how many interrupts have been received.
func (o *Orchestrator) Interrupts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interrupts
}

// watchCleanupWindow force-stops stragglers when a soft-cancelled run
// has not reached the cleanup phase within the window.
func (o *Orchestrator) watchCleanupWindow() {
	t := time.NewTimer(o.opts.CleanupTimeout)
	defer t.Stop()
	select {
	case <-t.C:
		o.log.Error("cleanup window lapsed, force-stopping all processes")
		o.forceStop()
	case <-o.cleanupStarted:
	}
}

func (o *Orchestrator) forceStop() {
	if o.deps.ForceStop != nil {
		o.deps.ForceStop()
	}
}

// arm installs the run context's cancel func so Interrupt can reach it.
// An interrupt that arrived before the run started cancels immediately.
func (o *Orchestrator) arm(cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancel = cancel
	pending := o.interrupts > 0
	o.mu.Unlock()
	if pending {
		cancel()
	}
}
