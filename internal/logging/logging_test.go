package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/events"
)

func TestFileConsumer_WritesJSONL(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()

	fc, err := NewFileConsumer(bus, dir, "s-test")
	if err != nil {
		t.Fatal(err)
	}
	go fc.Run(context.Background())

	log := bus.Logger("copy").WithHost(domain.HostTarget)
	log.Info("starting transfer")
	log.Debug("negotiated 8 sessions")
	bus.Logger("copy").Progress(domain.ProgressCount(3, 10, "/music"))
	bus.Publish(events.SessionEvent{
		Time:    time.Now(),
		Session: &domain.Session{ID: "s-test", Status: domain.SessionCompleted},
	})
	bus.Close()
	<-fc.Done()

	data, err := os.ReadFile(fc.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), data)
	}

	var first fileEntry
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Type != "log" || first.Level != "INFO" || first.Job != "copy" || first.Host != "target" {
		t.Errorf("first entry = %+v", first)
	}
	if first.Message != "starting transfer" {
		t.Errorf("Message = %q", first.Message)
	}

	var progress fileEntry
	if err := json.Unmarshal([]byte(lines[2]), &progress); err != nil {
		t.Fatal(err)
	}
	if progress.Type != "progress" || progress.Current != 3 || progress.Total != 10 {
		t.Errorf("progress entry = %+v", progress)
	}

	var last fileEntry
	if err := json.Unmarshal([]byte(lines[3]), &last); err != nil {
		t.Fatal(err)
	}
	if last.Type != "session" || last.Status != "completed" {
		t.Errorf("session entry = %+v", last)
	}
}

func TestFileConsumer_PathCarriesSessionID(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus()
	defer bus.Close()

	fc, err := NewFileConsumer(bus, dir, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(fc.Path()) != dir {
		t.Errorf("Path dir = %q, want %q", filepath.Dir(fc.Path()), dir)
	}
	base := filepath.Base(fc.Path())
	if !strings.HasSuffix(base, "-abc123.log") {
		t.Errorf("Path base = %q, want suffix -abc123.log", base)
	}
}

func TestFileConsumer_CreatesLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	bus := events.NewBus()
	defer bus.Close()

	if _, err := NewFileConsumer(bus, dir, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("log dir missing: %v", err)
	}
}

func TestConsoleConsumer_FiltersBelowMinimum(t *testing.T) {
	bus := events.NewBus()
	var buf bytes.Buffer

	cc := NewConsoleConsumer(bus, domain.LevelWarning, &buf)
	go cc.Run(context.Background())

	log := bus.Logger("copy")
	log.Info("you should not see this")
	log.Error("disk on fire")
	bus.Close()
	<-cc.Done()

	out := buf.String()
	if strings.Contains(out, "you should not see this") {
		t.Errorf("info line leaked through:\n%s", out)
	}
	if !strings.Contains(out, "ERROR") || !strings.Contains(out, "disk on fire") {
		t.Errorf("error line missing:\n%s", out)
	}
}

func TestConsoleConsumer_RendersScopeAndProgress(t *testing.T) {
	bus := events.NewBus()
	var buf bytes.Buffer

	cc := NewConsoleConsumer(bus, domain.LevelInfo, &buf)
	go cc.Run(context.Background())

	bus.Logger("copy").WithHost(domain.HostTarget).Info("transferring")
	bus.Logger("copy").Progress(domain.ProgressCount(3, 10, "/music"))
	bus.Close()
	<-cc.Done()

	out := buf.String()
	if !strings.Contains(out, "[copy@target] transferring") {
		t.Errorf("scope missing:\n%s", out)
	}
	if !strings.Contains(out, "3/10 /music") {
		t.Errorf("progress missing:\n%s", out)
	}
}

func TestConsoleConsumer_HeartbeatsOnlyWhenVerbose(t *testing.T) {
	bus := events.NewBus()
	var quiet, verbose bytes.Buffer

	qc := NewConsoleConsumer(bus, domain.LevelInfo, &quiet)
	vc := NewConsoleConsumer(bus, domain.LevelFull, &verbose)
	go qc.Run(context.Background())
	go vc.Run(context.Background())

	bus.Logger("copy").Progress(domain.ProgressHeartbeat("large file"))
	bus.Close()
	<-qc.Done()
	<-vc.Done()

	if strings.Contains(quiet.String(), "still working") {
		t.Errorf("heartbeat leaked at info level:\n%s", quiet.String())
	}
	if !strings.Contains(verbose.String(), "still working: large file") {
		t.Errorf("heartbeat missing at full level:\n%s", verbose.String())
	}
}

func TestProgressText(t *testing.T) {
	tests := []struct {
		update domain.ProgressUpdate
		want   string
	}{
		{domain.ProgressPercent(42, "index"), "42% index"},
		{domain.ProgressCount(2, 5, ""), "2/5"},
		{domain.ProgressHeartbeat(""), "still working"},
	}
	for _, tt := range tests {
		if got := progressText(tt.update); got != tt.want {
			t.Errorf("progressText(%+v) = %q, want %q", tt.update, got, tt.want)
		}
	}
}
