package logging

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/events"
)

// ConsoleConsumer renders events as human-readable lines, dropping
// anything below its minimum level.
type ConsoleConsumer struct {
	sub  *events.Subscription
	out  io.Writer
	min  domain.LogLevel
	done chan struct{}
}

// NewConsoleConsumer subscribes to the bus. A nil out writes to stderr.
func NewConsoleConsumer(bus *events.Bus, min domain.LogLevel, out io.Writer) *ConsoleConsumer {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleConsumer{
		sub:  bus.Subscribe(0),
		out:  out,
		min:  min,
		done: make(chan struct{}),
	}
}

// Run drains the subscription until the bus closes or ctx ends.
func (c *ConsoleConsumer) Run(ctx context.Context) {
	defer close(c.done)
	drainLoop(ctx, c.sub, c.render)
}

// Done is closed once Run has finished.
func (c *ConsoleConsumer) Done() <-chan struct{} { return c.done }

func (c *ConsoleConsumer) render(ev events.Event) {
	switch e := ev.(type) {
	case events.LogEvent:
		if !e.Level.AtLeast(c.min) {
			return
		}
		fmt.Fprintf(c.out, "%s %-8s %s%s\n",
			e.Time.Format("15:04:05"), e.Level, scope(e.Job, e.Host), e.Message)
	case events.ProgressEvent:
		if c.min > domain.LevelInfo {
			return
		}
		// Heartbeats are liveness noise; only show them at verbose levels.
		if e.Update.Heartbeat && c.min > domain.LevelFull {
			return
		}
		fmt.Fprintf(c.out, "%s %-8s %s%s\n",
			e.Time.Format("15:04:05"), "PROGRESS", scope(e.Job, ""), progressText(e.Update))
	}
}

func scope(jobName, host string) string {
	switch {
	case jobName == "":
		return ""
	case host == "":
		return "[" + jobName + "] "
	default:
		return "[" + jobName + "@" + host + "] "
	}
}

func progressText(u domain.ProgressUpdate) string {
	switch {
	case u.Percent != nil:
		if u.Item != "" {
			return fmt.Sprintf("%d%% %s", *u.Percent, u.Item)
		}
		return fmt.Sprintf("%d%%", *u.Percent)
	case u.Total > 0:
		if u.Item != "" {
			return fmt.Sprintf("%d/%d %s", u.Current, u.Total, u.Item)
		}
		return fmt.Sprintf("%d/%d", u.Current, u.Total)
	case u.Heartbeat:
		if u.Item != "" {
			return "still working: " + u.Item
		}
		return "still working"
	default:
		return u.Item
	}
}
