package history

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/twinsync/twinsync/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSession(id string, started time.Time) *domain.Session {
	finished := started.Add(3 * time.Minute)
	return &domain.Session{
		ID:         id,
		StartedAt:  started,
		FinishedAt: &finished,
		SourceHost: "workstation",
		TargetHost: "backup-host",
		Status:     domain.SessionCompleted,
		LogPath:    "/var/log/twinsync/" + id + ".log",
		Results: []domain.JobResult{
			{JobName: "snapshots-pre", Status: domain.JobSuccess, StartedAt: started, FinishedAt: started.Add(time.Minute)},
			{JobName: "sync-music", Status: domain.JobSuccess, StartedAt: started.Add(time.Minute), FinishedAt: finished},
		},
	}
}

func TestStore_SaveAndGetSession(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	sess := sampleSession("s1", time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionCompleted {
		t.Errorf("Status = %q, want %q", got.Status, domain.SessionCompleted)
	}
	if got.TargetHost != "backup-host" {
		t.Errorf("TargetHost = %q, want backup-host", got.TargetHost)
	}
	if got.FinishedAt == nil {
		t.Fatal("FinishedAt is nil")
	}
	if len(got.Results) != 2 {
		t.Fatalf("Results count = %d, want 2", len(got.Results))
	}
	if got.Results[0].JobName != "snapshots-pre" || got.Results[1].JobName != "sync-music" {
		t.Errorf("result order = %q, %q", got.Results[0].JobName, got.Results[1].JobName)
	}
}

func TestStore_SaveAgainReplacesResults(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	sess := sampleSession("s1", time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	sess.Status = domain.SessionFailed
	sess.Error = "job sync-music failed"
	sess.Results = sess.Results[:1]
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.SessionFailed {
		t.Errorf("Status = %q, want %q", got.Status, domain.SessionFailed)
	}
	if got.Error != "job sync-music failed" {
		t.Errorf("Error = %q", got.Error)
	}
	if len(got.Results) != 1 {
		t.Errorf("Results count = %d, want 1 after replace", len(got.Results))
	}
}

func TestStore_ListSessionsNewestFirst(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := store.SaveSession(ctx, sampleSession(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.ListSessions(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d sessions, want 2", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "mid" {
		t.Errorf("order = %q, %q; want new, mid", got[0].ID, got[1].ID)
	}
}

func TestStore_GetMissingSession(t *testing.T) {
	store := openStore(t)

	_, err := store.GetSession(context.Background(), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_RunningSessionHasNoFinishTime(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	sess := &domain.Session{
		ID:        "live",
		StartedAt: time.Now(),
		Status:    domain.SessionRunning,
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSession(ctx, "live")
	if err != nil {
		t.Fatal(err)
	}
	if got.FinishedAt != nil {
		t.Errorf("FinishedAt = %v, want nil", got.FinishedAt)
	}
	if got.Status != domain.SessionRunning {
		t.Errorf("Status = %q", got.Status)
	}
}
