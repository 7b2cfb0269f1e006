package command

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// Output captures and forwards a process's stdout and stderr line by
// line. It backs both the local and the remote process types.
type Output struct {
	stdout chan string
	stderr chan string

	// The capture builders are written only by their stream goroutine
	// and read after wg.Wait, so they need no lock.
	outBuf strings.Builder
	errBuf strings.Builder

	wg       sync.WaitGroup
	quit     chan struct{}
	quitOnce sync.Once
}

// NewOutput starts streaming from the two readers. Both run until EOF.
func NewOutput(stdout, stderr io.Reader) *Output {
	o := &Output{
		stdout: make(chan string, lineBuffer),
		stderr: make(chan string, lineBuffer),
		quit:   make(chan struct{}),
	}
	o.wg.Add(2)
	go o.stream(stdout, o.stdout, &o.outBuf)
	go o.stream(stderr, o.stderr, &o.errBuf)
	return o
}

func (o *Output) Stdout() <-chan string { return o.stdout }
func (o *Output) Stderr() <-chan string { return o.stderr }

// StopForwarding makes the streams stop sending to their channels while
// still capturing until EOF. Called when a process is killed and its
// consumer may already be gone; without it a stream goroutine could
// wedge on a send nobody receives.
func (o *Output) StopForwarding() {
	o.quitOnce.Do(func() { close(o.quit) })
}

// Wait blocks until both streams hit EOF and returns the captured text.
func (o *Output) Wait() (stdout, stderr string) {
	o.wg.Wait()
	return o.outBuf.String(), o.errBuf.String()
}

func (o *Output) stream(r io.Reader, ch chan string, buf *strings.Builder) {
	defer o.wg.Done()
	defer close(ch)

	scanner := bufio.NewScanner(r)
	// Long lines show up in practice (file lists, transfer stats).
	scanBuf := make([]byte, 0, 64*1024)
	scanner.Buffer(scanBuf, 1024*1024)

	forward := true
	for scanner.Scan() {
		line := scanner.Text()
		buf.WriteString(line)
		buf.WriteByte('\n')
		if forward {
			select {
			case ch <- line:
			case <-o.quit:
				forward = false
			}
		}
	}
}
