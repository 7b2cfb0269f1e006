// Package logging drains the event fabric into session log files and
// the operator's console. Each consumer owns one subscription and runs
// until the bus closes.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/twinsync/twinsync/internal/events"
)

// fileEntry is one JSONL line in a session log file.
type fileEntry struct {
	Time    string            `json:"time"`
	Type    string            `json:"type"`
	Level   string            `json:"level,omitempty"`
	Job     string            `json:"job,omitempty"`
	Host    string            `json:"host,omitempty"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`

	Percent *int   `json:"percent,omitempty"`
	Current int    `json:"current,omitempty"`
	Total   int    `json:"total,omitempty"`
	Item    string `json:"item,omitempty"`

	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FileConsumer writes every event to a per-session JSONL log file. The
// file keeps all levels; filtering is the console's job.
type FileConsumer struct {
	sub  *events.Subscription
	path string
	f    *os.File
	enc  *json.Encoder
	done chan struct{}
}

// NewFileConsumer creates {logDir}/{timestamp}-{sessionID}.log and
// subscribes to the bus. Call Run to start draining.
func NewFileConsumer(bus *events.Bus, logDir, sessionID string) (*FileConsumer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	name := fmt.Sprintf("%s-%s.log", time.Now().Format("20060102-150405"), sessionID)
	path := filepath.Join(logDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating session log: %w", err)
	}
	return &FileConsumer{
		sub:  bus.Subscribe(1024),
		path: path,
		f:    f,
		enc:  json.NewEncoder(f),
		done: make(chan struct{}),
	}, nil
}

// Path returns the session log file path.
func (c *FileConsumer) Path() string { return c.path }

// Run drains the subscription until the bus closes or ctx ends, then
// closes the file.
func (c *FileConsumer) Run(ctx context.Context) {
	defer close(c.done)
	defer c.f.Close()
	drainLoop(ctx, c.sub, c.write)
}

// Done is closed once Run has finished and the file is flushed.
func (c *FileConsumer) Done() <-chan struct{} { return c.done }

func (c *FileConsumer) write(ev events.Event) {
	entry := fileEntry{Time: ev.When().UTC().Format(time.RFC3339Nano)}
	switch e := ev.(type) {
	case events.LogEvent:
		entry.Type = "log"
		entry.Level = e.Level.String()
		entry.Job = e.Job
		entry.Host = e.Host
		entry.Message = e.Message
		entry.Fields = e.Fields
	case events.ProgressEvent:
		entry.Type = "progress"
		entry.Job = e.Job
		entry.Percent = e.Update.Percent
		entry.Current = e.Update.Current
		entry.Total = e.Update.Total
		entry.Item = e.Update.Item
	case events.SessionEvent:
		entry.Type = "session"
		entry.Status = string(e.Session.Status)
		entry.Error = e.Session.Error
	default:
		return
	}
	// A failed write cannot be reported anywhere better than stderr.
	if err := c.enc.Encode(entry); err != nil {
		fmt.Fprintf(os.Stderr, "twinsync: writing session log: %v\n", err)
	}
}

// drainLoop feeds handle until the subscription closes. When ctx ends
// first, it detaches from the bus and flushes what is already queued.
func drainLoop(ctx context.Context, sub *events.Subscription, handle func(events.Event)) {
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			handle(ev)
		case <-ctx.Done():
			sub.Cancel()
			for ev := range sub.C {
				handle(ev)
			}
			return
		}
	}
}
