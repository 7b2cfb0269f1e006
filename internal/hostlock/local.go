package hostlock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Manager acquires the lock on the local machine with flock(2). The
// lock dies with the process, so a crashed run never leaves the machine
// locked.
type Manager struct {
	path string

	mu   sync.Mutex
	held *localLock
}

// NewManager returns a manager for the lock file at path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Acquire takes the lock or reports who holds it. It never blocks
// waiting for a holder, and re-acquiring a lock this manager already
// holds returns the held handle.
func (m *Manager) Acquire(_ context.Context, rec Record) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held != nil {
		return m.held, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		holder := readRecord(f)
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, heldError(m.path, holder)
		}
		return nil, fmt.Errorf("locking %s: %w", m.path, err)
	}

	// The flock is ours; make the holder visible to contenders.
	data, err := json.Marshal(rec)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := replaceContents(f, data); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("writing lock record: %w", err)
	}

	l := &localLock{m: m, f: f}
	m.held = l
	return l, nil
}

// Status reports whether the lock is held, without taking it.
func (m *Manager) Status(_ context.Context) (Status, error) {
	f, err := os.Open(m.path)
	if os.IsNotExist(err) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, err
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return Status{Held: true, Holder: readRecord(f)}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("probing %s: %w", m.path, err)
	}
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return Status{}, nil
}

type localLock struct {
	m *Manager
	f *os.File
}

func (l *localLock) Release(_ context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if l.m.held != l {
		return nil
	}
	l.m.held = nil

	// Blank the record before dropping the flock so a contender that
	// wins the race the instant we unlock never reads a stale holder.
	_ = l.f.Truncate(0)
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

func readRecord(f *os.File) *Record {
	data, err := os.ReadFile(f.Name())
	if err != nil || len(data) == 0 {
		return nil
	}
	var rec Record
	if json.Unmarshal(data, &rec) != nil {
		return nil
	}
	return &rec
}

func replaceContents(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(data, 0); err != nil {
		return err
	}
	return f.Sync()
}
