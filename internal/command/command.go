// Package command defines the uniform interface for running commands on
// either machine of a sync pair, and implements it for the local one.
// Every invoked command must be non-interactive; no stdin is attached.
package command

import (
	"context"
	"os"
	"strings"
	"time"
)

// Result holds the outcome of a finished command. Success means exit
// code zero; a non-zero exit is data, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with code zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Process is a long-running command whose output is consumed line by line
// while it runs. The line channels are closed when the respective stream
// ends. Callers that start a process must consume both channels (or use
// Run) so the child is never blocked on a full pipe.
type Process interface {
	Stdout() <-chan string
	Stderr() <-chan string
	// Terminate asks the process to stop. Kill stops it immediately.
	Terminate() error
	Kill() error
	// Wait blocks until the process has fully ended and all output has
	// been captured. The error is non-nil only for infrastructure
	// failures; command failures surface as the Result's exit code.
	Wait() (Result, error)
}

// Runner runs non-interactive commands on one machine. Implementations
// exist for the local machine and for the remote machine over its
// connection.
type Runner interface {
	// Run executes a bounded command and captures its output. A zero
	// timeout means no limit beyond ctx.
	Run(ctx context.Context, command string, timeout time.Duration) (Result, error)
	// Start launches a long-running command for streaming consumption.
	// Cancelling ctx asks the process to stop; if it has not ended by
	// the configured grace period it is killed.
	Start(ctx context.Context, command string) (Process, error)
}

// FileIO reads and writes files on one machine.
type FileIO interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
}

// Drain discards a process's remaining output in the background. Used by
// Run implementations that only need the captured Result.
func Drain(p Process) {
	go func() {
		for range p.Stdout() {
		}
	}()
	go func() {
		for range p.Stderr() {
		}
	}()
}

// ShellQuote wraps s in single quotes for safe embedding in a shell
// command line.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
