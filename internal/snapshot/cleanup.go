package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/domain"
)

// RetentionPolicy bounds how many snapshot sets survive cleanup.
type RetentionPolicy struct {
	// KeepRecent sets always survive, whatever their age.
	KeepRecent int
	// MaxAge protects sets younger than this even beyond KeepRecent.
	// Zero means age protects nothing.
	MaxAge time.Duration
}

// SetInfo identifies one session's snapshot dir.
type SetInfo struct {
	Dir       string
	SessionID string
	CreatedAt time.Time
}

// CleanupPlan separates the sets to keep from the sets to delete.
type CleanupPlan struct {
	Keep   []SetInfo
	Delete []SetInfo
}

// Plan inspects the local snapshot root and decides what to delete.
// Cleanup only ever touches the machine it runs on; each machine prunes
// its own snapshots. Dirs that do not look like session dirs are left
// alone.
func (m *Manager) Plan(policy RetentionPolicy) (CleanupPlan, error) {
	entries, err := os.ReadDir(m.cfg.Root)
	if os.IsNotExist(err) {
		return CleanupPlan{}, nil
	}
	if err != nil {
		return CleanupPlan{}, err
	}

	var sets []SetInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, ok := parseSetDir(e.Name())
		if !ok {
			continue
		}
		info.Dir = filepath.Join(m.cfg.Root, e.Name())
		sets = append(sets, info)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].CreatedAt.After(sets[j].CreatedAt) })

	var plan CleanupPlan
	cutoff := m.now().Add(-policy.MaxAge)
	for i, s := range sets {
		switch {
		case i < policy.KeepRecent:
			plan.Keep = append(plan.Keep, s)
		case policy.MaxAge > 0 && s.CreatedAt.After(cutoff):
			plan.Keep = append(plan.Keep, s)
		default:
			plan.Delete = append(plan.Delete, s)
		}
	}
	return plan, nil
}

// Apply deletes the planned sets: every snapshot subvolume inside the
// session dir, then the dir itself.
func (m *Manager) Apply(ctx context.Context, plan CleanupPlan) error {
	local, err := m.localHost()
	if err != nil {
		return err
	}
	log := m.bus.Logger("snapshots").WithHost(local.Role)

	for _, s := range plan.Delete {
		entries, err := os.ReadDir(s.Dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name() == manifestName {
				continue
			}
			target := filepath.Join(s.Dir, e.Name())
			res, err := local.Run.Run(ctx, "btrfs subvolume delete -- "+command.ShellQuote(target), snapshotTimeout)
			if err != nil {
				return err
			}
			if !res.Success() {
				return fmt.Errorf("deleting snapshot %s: %s", target, strings.TrimSpace(res.Stderr))
			}
		}
		if err := os.RemoveAll(s.Dir); err != nil {
			return err
		}
		log.Info("deleted snapshot set " + s.Dir)
	}
	return nil
}

func (m *Manager) localHost() (HostAccess, error) {
	for _, h := range m.hosts {
		if h.Role == domain.HostSource {
			return h, nil
		}
	}
	return HostAccess{}, fmt.Errorf("no local host configured")
}

// parseSetDir decodes a "{timestamp}-{sessionid}" session dir name.
func parseSetDir(name string) (SetInfo, bool) {
	if len(name) < len(setDirTimeFormat)+2 {
		return SetInfo{}, false
	}
	ts, err := time.Parse(setDirTimeFormat, name[:len(setDirTimeFormat)])
	if err != nil || name[len(setDirTimeFormat)] != '-' {
		return SetInfo{}, false
	}
	return SetInfo{
		SessionID: name[len(setDirTimeFormat)+1:],
		CreatedAt: ts,
	}, true
}
