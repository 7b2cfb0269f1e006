package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/events"
	"github.com/twinsync/twinsync/internal/hostlock"
	"github.com/twinsync/twinsync/internal/job"
	"github.com/twinsync/twinsync/internal/snapshot"
)

// runState carries the resources the phases acquire so the cleanup
// phase can release them no matter where the run stopped.
type runState struct {
	sourceLock hostlock.Handle
	targetLock hostlock.Handle
	connected  bool
	stopWatch  context.CancelFunc

	resMu   sync.Mutex
	results []domain.JobResult
}

func (st *runState) append(r domain.JobResult) {
	st.resMu.Lock()
	defer st.resMu.Unlock()
	st.results = append(st.results, r)
}

// Run executes the session. It always returns a finished session; the
// error is the session's terminal error, nil when it completed.
func (o *Orchestrator) Run(ctx context.Context) (*domain.Session, error) {
	sess := &domain.Session{
		ID:        o.opts.SessionID,
		StartedAt: time.Now(),
		Status:    domain.SessionRunning,
		LogPath:   o.opts.LogPath,
	}
	o.log.Info("session " + sess.ID + " starting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.arm(cancel)

	st := &runState{}
	err := o.phases(runCtx, sess, st)
	o.cleanup(st)
	return sess, o.finish(sess, st, err)
}

// phases runs steps 1 through 11, stopping at the first fatal error.
func (o *Orchestrator) phases(ctx context.Context, sess *domain.Session, st *runState) error {
	rec := lockRecord()

	o.log.Info("acquiring source lock")
	srcLock, err := o.deps.SourceLock.Acquire(ctx, rec)
	if err != nil {
		return err
	}
	st.sourceLock = srcLock

	o.log.Info("connecting to target")
	if err := o.deps.Conn.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to target: %w", err)
	}
	st.connected = true
	st.stopWatch = o.watchConnection(ctx)

	targetName, err := o.deps.Conn.Hostname(ctx)
	if err != nil {
		return fmt.Errorf("resolving target hostname: %w", err)
	}
	sess.SourceHost = rec.Holder
	sess.TargetHost = targetName

	run := &job.Context{
		SessionID:   sess.ID,
		SourceHost:  sess.SourceHost,
		TargetHost:  sess.TargetHost,
		Local:       o.deps.Local,
		Remote:      o.deps.Conn,
		LocalFiles:  o.deps.LocalFiles,
		RemoteFiles: o.deps.Conn.Files(),
		Bus:         o.deps.Bus,
	}
	built, err := o.deps.Build(run)
	if err != nil {
		return err
	}

	o.log.Info("acquiring target lock")
	tgtLock, err := built.TargetLock.Acquire(ctx, rec)
	if err != nil {
		return err
	}
	st.targetLock = tgtLock

	o.log.Info("checking target version")
	installed, err := built.Provision.CheckVersion(ctx)
	if err != nil {
		return err
	}

	pre := snapshot.NewBracketJob(built.Snapshots, snapshot.PhasePre)
	post := snapshot.NewBracketJob(built.Snapshots, snapshot.PhasePost)

	all := make([]job.Job, 0, len(o.deps.SyncJobs)+len(built.Background)+2)
	all = append(all, pre, post)
	all = append(all, o.deps.SyncJobs...)
	all = append(all, built.Background...)
	if err := o.validateJobs(ctx, run, all); err != nil {
		return err
	}

	o.log.Info("verifying snapshot layout")
	if err := built.Snapshots.VerifyLayout(ctx); err != nil {
		return err
	}

	if err := built.Preflight(ctx); err != nil {
		return err
	}

	if o.opts.DryRun {
		o.log.Info("dry run, all checks passed, stopping before snapshots")
		return nil
	}

	if err := o.executeJob(ctx, run, st, pre); err != nil {
		return err
	}

	o.log.Info("provisioning target")
	if err := built.Provision.Ensure(ctx, installed); err != nil {
		return err
	}

	if err := o.runJobs(ctx, run, st, built.Background); err != nil {
		return err
	}
	// A cancel that landed after the last job finished must still keep
	// POST snapshots off a non-successful run.
	if ctx.Err() != nil {
		return errclass.ErrInterrupted.WithMessage("run cancelled before POST snapshots")
	}

	return o.executeJob(ctx, run, st, post)
}

// watchConnection cancels the run when the transport dies mid-session.
func (o *Orchestrator) watchConnection(ctx context.Context) context.CancelFunc {
	watchCtx, stop := context.WithCancel(context.Background())
	go func() {
		select {
		case <-o.deps.Conn.Dead():
			o.log.Critical("connection to target lost")
			o.mu.Lock()
			cancel := o.cancel
			o.mu.Unlock()
			if cancel != nil {
				cancel()
			}
		case <-ctx.Done():
		case <-watchCtx.Done():
		}
	}()
	return stop
}

// validateJobs collects every problem from every job before reporting,
// so the operator fixes the whole batch in one pass.
func (o *Orchestrator) validateJobs(ctx context.Context, run *job.Context, jobs []job.Job) error {
	o.log.Info(fmt.Sprintf("validating %d jobs", len(jobs)))
	var problems []job.ValidationError
	for _, j := range jobs {
		problems = append(problems, j.Validate(ctx, run)...)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if len(problems) == 0 {
		return nil
	}
	for _, p := range problems {
		o.log.Error("validation: " + p.Error())
	}
	return errclass.ErrValidation.WithMessagef("%d validation problem(s), nothing was executed", len(problems))
}

// runJobs is phase 10: the sequential sync list and the background jobs
// share one group. A failing background job cancels the list; a failing
// list cancels the background jobs; the group only returns when every
// member has unwound.
func (o *Orchestrator) runJobs(ctx context.Context, run *job.Context, st *runState, background []job.Job) error {
	o.mu.Lock()
	o.jobsStarted = true
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	bgCtx, stopBg := context.WithCancel(gctx)

	for _, bg := range background {
		bg := bg
		g.Go(func() error {
			err := bg.Execute(bgCtx, run)
			if err != nil && bgCtx.Err() == nil {
				o.log.Critical(fmt.Sprintf("background job %s: %v", bg.Name(), err))
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		defer stopBg()
		for _, j := range o.deps.SyncJobs {
			// An abandoned list is never resumed: once cancelled, no
			// further job starts.
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := o.executeJob(gctx, run, st, j); err != nil {
				return err
			}
		}
		return nil
	})

	return g.Wait()
}

// executeJob runs one job and records its result. Only jobs that began
// execution leave a result.
func (o *Orchestrator) executeJob(ctx context.Context, run *job.Context, st *runState, j job.Job) error {
	o.log.Info(fmt.Sprintf("job %s starting", j.Name()))
	res := domain.JobResult{JobName: j.Name(), StartedAt: time.Now()}

	err := j.Execute(ctx, run)
	res.FinishedAt = time.Now()

	switch {
	case err == nil:
		res.Status = domain.JobSuccess
		o.log.Info(fmt.Sprintf("job %s finished in %s",
			j.Name(), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond)))
	case errors.Is(err, job.ErrSkipped):
		res.Status = domain.JobSkipped
		o.log.Info(fmt.Sprintf("job %s skipped, nothing to do", j.Name()))
		err = nil
	default:
		res.Status = domain.JobFailed
		res.Error = err.Error()
		o.log.Critical(fmt.Sprintf("job %s failed: %v", j.Name(), err))
	}
	st.append(res)
	return err
}

// cleanup is phase 12. It runs under a fresh context so a cancelled run
// still releases both locks and closes the connection, release order
// inverse to acquisition.
func (o *Orchestrator) cleanup(st *runState) {
	close(o.cleanupStarted)
	if st.stopWatch != nil {
		st.stopWatch()
	}
	o.log.Info("releasing locks and closing the connection")

	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CleanupTimeout)
	defer cancel()

	if st.targetLock != nil {
		if err := st.targetLock.Release(ctx); err != nil {
			o.log.Warning("releasing target lock: " + err.Error())
		}
	}
	if st.connected {
		if err := o.deps.Conn.Close(); err != nil {
			o.log.Warning("closing connection: " + err.Error())
		}
	}
	if st.sourceLock != nil {
		if err := st.sourceLock.Release(ctx); err != nil {
			o.log.Warning("releasing source lock: " + err.Error())
		}
	}
}

// finish classifies the outcome, stamps and persists the session, and
// publishes the terminal event.
func (o *Orchestrator) finish(sess *domain.Session, st *runState, err error) error {
	st.resMu.Lock()
	sess.Results = append([]domain.JobResult(nil), st.results...)
	st.resMu.Unlock()

	status, terminal := o.classify(err)
	msg := ""
	if terminal != nil {
		msg = terminal.Error()
	}
	sess.Finish(status, msg)

	switch status {
	case domain.SessionCompleted:
		o.log.Info(fmt.Sprintf("session %s completed in %s", sess.ID, sess.Duration().Round(time.Second)))
	case domain.SessionInterrupted:
		o.log.Warning(fmt.Sprintf("session %s interrupted: %s", sess.ID, msg))
	default:
		o.log.Critical(fmt.Sprintf("session %s failed: %s", sess.ID, msg))
	}

	if o.deps.History != nil {
		hctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := o.deps.History.SaveSession(hctx, sess); err != nil {
			o.log.Warning("persisting session: " + err.Error())
		}
		cancel()
	}
	o.deps.Bus.Publish(events.SessionEvent{Time: time.Now(), Session: sess})
	return terminal
}

// classify maps the first fatal error to the session's terminal status.
// Operator interrupts win over whatever error the cancellation caused; a
// dead connection explains an in-flight failure better than the failure
// itself; a monitor trip during the job phase counts as an interrupt,
// the same breach during preflight is an ordinary failure.
func (o *Orchestrator) classify(err error) (domain.SessionStatus, error) {
	o.mu.Lock()
	interrupts := o.interrupts
	jobsStarted := o.jobsStarted
	o.mu.Unlock()

	if err == nil {
		return domain.SessionCompleted, nil
	}
	if interrupts > 0 {
		return domain.SessionInterrupted, errclass.ErrInterrupted.WithMessage("interrupted by operator")
	}
	if cerr := o.deps.Conn.Err(); cerr != nil {
		return domain.SessionFailed, cerr
	}
	if errors.Is(err, errclass.ErrInterrupted) {
		return domain.SessionInterrupted, err
	}
	if errors.Is(err, errclass.ErrSpaceCritical) && jobsStarted {
		return domain.SessionInterrupted, err
	}
	return domain.SessionFailed, err
}

// lockRecord identifies this process as the lock holder on both hosts.
func lockRecord() hostlock.Record {
	holder, err := os.Hostname()
	if err != nil || holder == "" {
		holder = "source"
	}
	return hostlock.Record{Holder: holder, PID: os.Getpid(), AcquiredAt: time.Now()}
}
