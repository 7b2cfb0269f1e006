package hostlock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twinsync/twinsync/internal/errclass"
)

func testRecord(holder string) Record {
	return Record{Holder: holder, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
}

func TestManager_AcquireWritesRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	m := NewManager(path)

	h, err := m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)
	defer h.Release(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec Record
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "alpha", rec.Holder)
	assert.Equal(t, os.Getpid(), rec.PID)
}

func TestManager_ConflictNamesHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	first := NewManager(path)
	second := NewManager(path)

	h, err := first.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)
	defer h.Release(context.Background())

	_, err = second.Acquire(context.Background(), testRecord("beta"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errclass.ErrLockHeld)
	assert.Contains(t, err.Error(), "alpha")
}

func TestManager_AcquireIsIdempotentWhileHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	m := NewManager(path)

	h, err := m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)

	again, err := m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)
	assert.Same(t, h, again)

	require.NoError(t, h.Release(context.Background()))
	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Held)
}

func TestManager_ReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	m := NewManager(path)

	h, err := m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))

	h, err = m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func TestManager_ReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	m := NewManager(path)

	h, err := m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
	require.NoError(t, h.Release(context.Background()))
}

func TestManager_Status(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.lock")
	m := NewManager(path)

	st, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Held)

	h, err := m.Acquire(context.Background(), testRecord("alpha"))
	require.NoError(t, err)

	st, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Held)
	require.NotNil(t, st.Holder)
	assert.Equal(t, "alpha", st.Holder.Holder)

	require.NoError(t, h.Release(context.Background()))

	st, err = m.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Held)
}
