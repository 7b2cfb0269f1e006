package command

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// GraceDefault is how long a stopping process gets between SIGTERM and
// SIGKILL when no other grace period is configured.
const GraceDefault = 10 * time.Second

const lineBuffer = 256

// LocalOptions configures a local runner.
type LocalOptions struct {
	// Grace is the SIGTERM-to-SIGKILL window for cancelled processes.
	// Zero means GraceDefault.
	Grace time.Duration
}

// Local runs commands on this machine through `sh -c`. Each command gets
// its own process group so termination reaches the whole pipeline, not
// just the shell.
type Local struct {
	grace time.Duration

	mu    sync.Mutex
	procs map[*localProcess]struct{}
}

// NewLocal returns a runner for the local machine.
func NewLocal(opts LocalOptions) *Local {
	grace := opts.Grace
	if grace <= 0 {
		grace = GraceDefault
	}
	return &Local{grace: grace, procs: make(map[*localProcess]struct{})}
}

// Run executes command and captures its output. Non-zero exits are
// reported in the Result; the error covers timeouts, cancellation and
// spawn failures only.
func (l *Local) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p, err := l.Start(runCtx, command)
	if err != nil {
		return Result{}, err
	}
	Drain(p)
	res, err := p.Wait()
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	return res, err
}

// Start launches command and begins streaming its output.
func (l *Local) Start(ctx context.Context, command string) (Process, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	p := &localProcess{
		cmd:  cmd,
		pgid: cmd.Process.Pid,
		out:  NewOutput(stdout, stderr),
		done: make(chan struct{}),
	}
	go p.reap()
	go p.watch(ctx, l.grace)

	l.track(p)
	return p, nil
}

// KillAll force-stops every process this runner still tracks. Used on
// the second interrupt, when graceful shutdown is off the table.
func (l *Local) KillAll() {
	l.mu.Lock()
	procs := make([]*localProcess, 0, len(l.procs))
	for p := range l.procs {
		procs = append(procs, p)
	}
	l.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}
}

func (l *Local) track(p *localProcess) {
	l.mu.Lock()
	l.procs[p] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-p.done
		l.mu.Lock()
		delete(l.procs, p)
		l.mu.Unlock()
	}()
}

type localProcess struct {
	cmd  *exec.Cmd
	pgid int
	out  *Output

	result Result
	runErr error
	done   chan struct{}
}

func (p *localProcess) Stdout() <-chan string { return p.out.Stdout() }
func (p *localProcess) Stderr() <-chan string { return p.out.Stderr() }

// reap waits for both streams to end, then for the process itself, and
// publishes the Result.
func (p *localProcess) reap() {
	stdout, stderr := p.out.Wait()
	err := p.cmd.Wait()

	p.result = Result{ExitCode: exitCodeOf(err), Stdout: stdout, Stderr: stderr}
	if _, exited := err.(*exec.ExitError); err != nil && !exited {
		p.runErr = err
	}
	close(p.done)
}

// watch implements the two-stage stop: on ctx cancellation the process
// group gets SIGTERM, and SIGKILL once the grace period runs out.
func (p *localProcess) watch(ctx context.Context, grace time.Duration) {
	select {
	case <-p.done:
	case <-ctx.Done():
		_ = p.Terminate()
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = p.Kill()
		}
	}
}

func (p *localProcess) Terminate() error {
	return p.signal(unix.SIGTERM)
}

func (p *localProcess) Kill() error {
	p.out.StopForwarding()
	return p.signal(unix.SIGKILL)
}

func (p *localProcess) signal(sig unix.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	// Negative pid addresses the whole process group.
	if err := unix.Kill(-p.pgid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signalling process group %d: %w", p.pgid, err)
	}
	return nil
}

func (p *localProcess) Wait() (Result, error) {
	<-p.done
	return p.result, p.runErr
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
