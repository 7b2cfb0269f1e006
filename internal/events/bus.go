// Package events is the publish/subscribe fabric that decouples the
// orchestrator and jobs from log and progress consumers. Every subscriber
// gets its own delivery queue; publishing never blocks.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinsync/twinsync/internal/domain"
)

// Event is a LogEvent, ProgressEvent or SessionEvent; consumers switch
// on the concrete type.
type Event interface {
	When() time.Time
}

// LogEvent is a structured log line emitted by the core.
type LogEvent struct {
	Time    time.Time
	Level   domain.LogLevel
	Job     string
	Host    string
	Message string
	Fields  map[string]string
}

func (e LogEvent) When() time.Time { return e.Time }

// ProgressEvent reports job progress.
type ProgressEvent struct {
	Time   time.Time
	Job    string
	Update domain.ProgressUpdate
}

func (e ProgressEvent) When() time.Time { return e.Time }

// SessionEvent announces a session's terminal outcome. Published exactly
// once per run, after the session left the running state.
type SessionEvent struct {
	Time    time.Time
	Session *domain.Session
}

func (e SessionEvent) When() time.Time { return e.Time }

// DefaultBuffer is the per-subscriber queue size used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 256

// Bus fans events out to subscribers. A slow subscriber loses events
// rather than stalling producers or other subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Subscription is one subscriber's private event queue.
type Subscription struct {
	C       <-chan Event
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscriber with its own buffered queue.
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer), bus: b}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish delivers an event to every subscriber without blocking. Events
// published after Close are silently dropped; shutdown only happens after
// all producers have stopped, so nothing is lost that anyone waits for.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close closes every subscriber channel. Subsequent publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Cancel removes the subscription from the bus and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

// Dropped returns how many events this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}
