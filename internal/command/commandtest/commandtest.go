// Package commandtest provides scriptable fakes for the command layer.
package commandtest

import (
	"context"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twinsync/twinsync/internal/command"
)

// Call records one Run or Start invocation.
type Call struct {
	Command string
	Timeout time.Duration
}

// Response scripts the outcome of a command. The zero value is a silent
// success.
type Response struct {
	StdoutLines []string
	StderrLines []string
	Result      command.Result
	Err         error
	// Hang keeps a started process running until it is terminated,
	// killed, or its context is cancelled.
	Hang bool
	// IgnoreTerm makes the process survive Terminate; only Kill (or
	// Finish) ends it. Models commands that ignore SIGTERM.
	IgnoreTerm bool
}

type rule struct {
	substr string
	resp   Response
}

// FakeRunner satisfies command.Runner. Commands are matched against
// scripted rules by substring; unmatched commands succeed silently.
type FakeRunner struct {
	mu    sync.Mutex
	rules []rule
	calls []Call
	procs []*FakeProcess
}

var _ command.Runner = (*FakeRunner)(nil)

func NewRunner() *FakeRunner { return &FakeRunner{} }

// On scripts the response for commands containing substr. Earlier rules
// win.
func (r *FakeRunner) On(substr string, resp Response) *FakeRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule{substr, resp})
	return r
}

func (r *FakeRunner) Run(_ context.Context, cmd string, timeout time.Duration) (command.Result, error) {
	resp := r.record(Call{Command: cmd, Timeout: timeout})
	if resp.Err != nil {
		return command.Result{}, resp.Err
	}
	return withCapturedLines(resp), nil
}

func (r *FakeRunner) Start(ctx context.Context, cmd string) (command.Process, error) {
	resp := r.record(Call{Command: cmd})
	if resp.Err != nil {
		return nil, resp.Err
	}

	p := newProcess(resp.IgnoreTerm)
	r.mu.Lock()
	r.procs = append(r.procs, p)
	r.mu.Unlock()

	go func() {
		for _, line := range resp.StdoutLines {
			select {
			case p.stdout <- line:
			case <-p.done:
				return
			}
		}
		for _, line := range resp.StderrLines {
			select {
			case p.stderr <- line:
			case <-p.done:
				return
			}
		}
		if resp.Hang {
			select {
			case <-ctx.Done():
				p.Finish(command.Result{ExitCode: -1})
			case <-p.done:
			}
			return
		}
		p.Finish(withCapturedLines(resp))
	}()

	return p, nil
}

// Commands returns every command string seen so far, in order.
func (r *FakeRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Command
	}
	return out
}

func (r *FakeRunner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

func (r *FakeRunner) Processes() []*FakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*FakeProcess(nil), r.procs...)
}

// LastProcess returns the most recently started process, or nil.
func (r *FakeRunner) LastProcess() *FakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

func (r *FakeRunner) record(c Call) Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	for _, ru := range r.rules {
		if strings.Contains(c.Command, ru.substr) {
			return ru.resp
		}
	}
	return Response{}
}

// withCapturedLines fills the Result's captured output from the
// scripted lines when the script did not set it explicitly.
func withCapturedLines(resp Response) command.Result {
	res := resp.Result
	if res.Stdout == "" && len(resp.StdoutLines) > 0 {
		res.Stdout = strings.Join(resp.StdoutLines, "\n") + "\n"
	}
	if res.Stderr == "" && len(resp.StderrLines) > 0 {
		res.Stderr = strings.Join(resp.StderrLines, "\n") + "\n"
	}
	return res
}

// FakeProcess satisfies command.Process with test-controlled lifetime.
type FakeProcess struct {
	stdout chan string
	stderr chan string

	mu         sync.Mutex
	ignoreTerm bool
	terminated bool
	killed     bool

	res  command.Result
	err  error
	done chan struct{}
	once sync.Once
}

var _ command.Process = (*FakeProcess)(nil)

func newProcess(ignoreTerm bool) *FakeProcess {
	return &FakeProcess{
		stdout:     make(chan string, 64),
		stderr:     make(chan string, 64),
		ignoreTerm: ignoreTerm,
		done:       make(chan struct{}),
	}
}

func (p *FakeProcess) Stdout() <-chan string { return p.stdout }
func (p *FakeProcess) Stderr() <-chan string { return p.stderr }

// Emit streams one more stdout line; a no-op once the process ended.
func (p *FakeProcess) Emit(line string) {
	select {
	case p.stdout <- line:
	case <-p.done:
	}
}

// Finish ends the process with the given result. Idempotent.
func (p *FakeProcess) Finish(res command.Result) {
	p.once.Do(func() {
		p.res = res
		close(p.stdout)
		close(p.stderr)
		close(p.done)
	})
}

func (p *FakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.Finish(command.Result{ExitCode: 143})
	}
	return nil
}

func (p *FakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.Finish(command.Result{ExitCode: 137})
	return nil
}

func (p *FakeProcess) Wait() (command.Result, error) {
	<-p.done
	return p.res, p.err
}

func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *FakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// FakeFiles satisfies command.FileIO with an in-memory file map.
type FakeFiles struct {
	mu    sync.Mutex
	files map[string][]byte
}

var _ command.FileIO = (*FakeFiles)(nil)

func NewFiles() *FakeFiles {
	return &FakeFiles{files: make(map[string][]byte)}
}

func (f *FakeFiles) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

func (f *FakeFiles) WriteFile(_ context.Context, path string, data []byte, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
	return nil
}

// Contents returns what was last written to path.
func (f *FakeFiles) Contents(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	return data, ok
}
