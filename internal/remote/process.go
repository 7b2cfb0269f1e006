package remote

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/twinsync/twinsync/internal/command"
)

// remoteProcess is a command running in one SSH session.
type remoteProcess struct {
	sess *ssh.Session
	out  *command.Output

	result command.Result
	runErr error
	done   chan struct{}
}

func (p *remoteProcess) Stdout() <-chan string { return p.out.Stdout() }
func (p *remoteProcess) Stderr() <-chan string { return p.out.Stderr() }

func (p *remoteProcess) reap(release func()) {
	defer release()

	stdout, stderr := p.out.Wait()
	err := p.sess.Wait()
	p.sess.Close()

	code, infra := remoteExitCode(err)
	p.result = command.Result{ExitCode: code, Stdout: stdout, Stderr: stderr}
	p.runErr = infra
	close(p.done)
}

func (p *remoteProcess) watch(ctx context.Context, grace time.Duration) {
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

// Terminate sends SIGTERM through the session. Requires a server that
// honors signal requests (OpenSSH 7.9+).
func (p *remoteProcess) Terminate() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	return p.sess.Signal(ssh.SIGTERM)
}

// Kill sends SIGKILL and closes the session. Commands that produce
// output die on SIGPIPE even when the server ignores the signal.
func (p *remoteProcess) Kill() error {
	p.out.StopForwarding()
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = p.sess.Signal(ssh.SIGKILL)
	return p.sess.Close()
}

func (p *remoteProcess) Wait() (command.Result, error) {
	<-p.done
	return p.result, p.runErr
}

// remoteExitCode maps a session Wait error to an exit code, separating
// command failure from transport failure.
func remoteExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		// The session ended without reporting a status, typically
		// because it was torn down mid-run.
		return -1, nil
	}
	return -1, err
}
