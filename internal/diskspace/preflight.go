package diskspace

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/events"
)

// HostCheck pairs one machine's prober with its threshold.
type HostCheck struct {
	Role   domain.Host
	Prober Prober
	Path   string
	Min    Threshold
}

// Preflight verifies every host clears its preflight minimum before the
// run mutates anything. The first breach aborts; this is a hard gate,
// not a warning.
func Preflight(ctx context.Context, checks []HostCheck, bus *events.Bus) error {
	log := bus.Logger("diskspace")
	for _, c := range checks {
		u, err := c.Prober.Usage(ctx, c.Path)
		if err != nil {
			return fmt.Errorf("preflight disk check on %s: %w", c.Role, err)
		}
		log.WithHost(c.Role).Info(fmt.Sprintf("%s: %s free of %s (%.1f%%)",
			c.Path, humanize.IBytes(u.Free), humanize.IBytes(u.Total), u.FreePercent()))
		if c.Min.Breached(u) {
			return errclass.ErrSpaceCritical.WithMessagef(
				"%s on %s has %s free, below the preflight minimum of %s",
				c.Path, c.Role, humanize.IBytes(u.Free), c.Min)
		}
	}
	return nil
}
