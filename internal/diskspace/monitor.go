package diskspace

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/job"
)

// Monitor watches one machine's free space while sync jobs run. It is a
// background job: crossing the runtime minimum returns ErrSpaceCritical
// and the orchestrator winds the run down like a user interrupt.
type Monitor struct {
	role     domain.Host
	prober   Prober
	path     string
	min      Threshold
	interval time.Duration
}

func NewMonitor(role domain.Host, prober Prober, path string, min Threshold, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{role: role, prober: prober, path: path, min: min, interval: interval}
}

func (m *Monitor) Name() string   { return "diskspace-" + string(m.role) }
func (m *Monitor) Kind() job.Kind { return job.KindBackground }

// Validate proves the path is probeable at all.
func (m *Monitor) Validate(ctx context.Context, _ *job.Context) []job.ValidationError {
	if _, err := m.prober.Usage(ctx, m.path); err != nil {
		return []job.ValidationError{{
			Job:    m.Name(),
			Detail: fmt.Sprintf("cannot probe %s: %v", m.path, err),
		}}
	}
	return nil
}

// Execute polls until the run stops it (nil) or space runs critical.
func (m *Monitor) Execute(ctx context.Context, run *job.Context) error {
	log := run.Logger(m.Name()).WithHost(m.role)

	check := func() error {
		u, err := m.prober.Usage(ctx, m.path)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A failed probe is noise; a dead connection is caught by
			// the connection watcher, not here.
			log.Warning(fmt.Sprintf("disk probe failed: %v", err))
			return nil
		}
		log.Debug(fmt.Sprintf("%s free on %s (%.1f%%)", humanize.IBytes(u.Free), m.path, u.FreePercent()))
		if m.min.Breached(u) {
			return errclass.ErrSpaceCritical.WithMessagef(
				"%s on %s dropped to %s free, below the runtime minimum of %s",
				m.path, m.role, humanize.IBytes(u.Free), m.min)
		}
		return nil
	}

	if err := check(); err != nil {
		return err
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := check(); err != nil {
				return err
			}
		}
	}
}
