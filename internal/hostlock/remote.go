package hostlock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twinsync/twinsync/internal/command"
)

const (
	// heldExitCode is returned by the helper when the flock is taken.
	heldExitCode = 73

	heartbeatInterval = 2 * time.Second
	acquireTimeout    = 30 * time.Second
	releaseGrace      = 5 * time.Second
)

// Remote acquires the lock on the target machine. The lock is held by a
// helper process started over the connection: it takes a kernel flock,
// reports READY, and then heartbeats to stdout. If the connection dies,
// the broken pipe kills the helper and the kernel releases the flock
// within one heartbeat. Only flock(1) and a POSIX shell are needed on
// the target, so the lock works before any provisioning has happened.
type Remote struct {
	runner command.Runner
	path   string

	mu   sync.Mutex
	held *remoteLock
}

// NewRemote returns a manager for the lock file at path on the machine
// behind runner.
func NewRemote(runner command.Runner, path string) *Remote {
	return &Remote{runner: runner, path: path}
}

// Acquire starts the lock helper and waits for its verdict.
// Re-acquiring a lock this manager already holds returns the held
// handle.
func (r *Remote) Acquire(ctx context.Context, rec Record) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.held != nil {
		return r.held, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	p, err := r.runner.Start(ctx, acquireScript(r.path, string(data)))
	if err != nil {
		return nil, fmt.Errorf("starting lock helper: %w", err)
	}
	go func() {
		for range p.Stderr() {
		}
	}()

	timeout := time.NewTimer(acquireTimeout)
	defer timeout.Stop()

	for {
		select {
		case line, ok := <-p.Stdout():
			if !ok {
				res, _ := p.Wait()
				return nil, helperExitError(r.path, res)
			}
			switch {
			case line == "READY":
				l := &remoteLock{r: r, p: p}
				go l.drainHeartbeats()
				r.held = l
				return l, nil
			case strings.HasPrefix(line, "HELD"):
				discard(p)
				payload := strings.TrimSpace(strings.TrimPrefix(line, "HELD"))
				var holder Record
				if payload != "" && json.Unmarshal([]byte(payload), &holder) == nil {
					return nil, heldError(r.path, &holder)
				}
				return nil, heldError(r.path, nil)
			}
		case <-timeout.C:
			_ = p.Kill()
			discard(p)
			return nil, fmt.Errorf("timed out acquiring lock %s", r.path)
		case <-ctx.Done():
			_ = p.Kill()
			discard(p)
			return nil, ctx.Err()
		}
	}
}

// Status probes the lock without taking it.
func (r *Remote) Status(ctx context.Context) (Status, error) {
	res, err := r.runner.Run(ctx, statusScript(r.path), 15*time.Second)
	if err != nil {
		return Status{}, err
	}
	if !res.Success() {
		return Status{}, fmt.Errorf("probing %s: %s", r.path, strings.TrimSpace(res.Stderr))
	}

	line := strings.TrimSpace(res.Stdout)
	if line == "FREE" || line == "" {
		return Status{}, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "HELD"))
	var holder Record
	if payload != "" && json.Unmarshal([]byte(payload), &holder) == nil {
		return Status{Held: true, Holder: &holder}, nil
	}
	return Status{Held: true}, nil
}

type remoteLock struct {
	r *Remote
	p command.Process
}

// drainHeartbeats consumes the helper's pings until it exits.
func (l *remoteLock) drainHeartbeats() {
	for range l.p.Stdout() {
	}
}

// Release stops the helper, which blanks the record and drops the
// flock on its way out.
func (l *remoteLock) Release(ctx context.Context) error {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()

	if l.r.held != l {
		return nil
	}
	l.r.held = nil

	_ = l.p.Terminate()
	if waitExit(l.p, releaseGrace) {
		return nil
	}
	_ = l.p.Kill()
	if waitExit(l.p, releaseGrace) {
		return nil
	}
	return fmt.Errorf("lock helper for %s did not exit", l.r.path)
}

func waitExit(p command.Process, limit time.Duration) bool {
	done := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(limit):
		return false
	}
}

func discard(p command.Process) {
	command.Drain(p)
	go func() { _, _ = p.Wait() }()
}

func helperExitError(path string, res command.Result) error {
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return fmt.Errorf("lock helper for %s exited: %s", path, detail)
}

// acquireScript is the helper that holds the lock for the lifetime of
// its process. The trap blanks the record while the flock is still
// held, so no contender ever reads a stale holder.
func acquireScript(path, recordJSON string) string {
	return fmt.Sprintf(`set -u
path=%s
mkdir -p -- "$(dirname -- "$path")"
exec 9>>"$path"
if ! flock -n 9; then
    printf 'HELD %%s\n' "$(tr -d '\n' <"$path" 2>/dev/null)"
    exit %d
fi
printf '%%s\n' %s >"$path"
cleanup() { : >"$path"; exit 0; }
trap cleanup TERM INT
echo READY
while :; do echo PING || exit 1; sleep %d & wait $!; done`,
		command.ShellQuote(path), heldExitCode, command.ShellQuote(recordJSON),
		int(heartbeatInterval.Seconds()))
}

func statusScript(path string) string {
	return fmt.Sprintf(`path=%s
if [ ! -e "$path" ]; then echo FREE; exit 0; fi
if flock -n "$path" -c true 2>/dev/null; then
    echo FREE
else
    printf 'HELD %%s\n' "$(tr -d '\n' <"$path" 2>/dev/null)"
fi`, command.ShellQuote(path))
}
