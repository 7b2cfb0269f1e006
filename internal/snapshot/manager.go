package snapshot

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/events"
)

const (
	probeTimeout    = 30 * time.Second
	snapshotTimeout = 5 * time.Minute
)

// HostAccess bundles what the manager needs to drive one machine.
type HostAccess struct {
	Role  domain.Host
	Run   command.Runner
	Files command.FileIO
}

// Manager creates and verifies snapshots on the machines it was given.
type Manager struct {
	cfg   Config
	hosts []HostAccess
	bus   *events.Bus
	now   func() time.Time

	mu   sync.Mutex
	sets map[string]string // session id -> session dir
}

// NewManager returns a manager driving the given hosts. Order matters:
// snapshots are taken host by host in the order given (source first).
func NewManager(cfg Config, hosts []HostAccess, bus *events.Bus) *Manager {
	return &Manager{
		cfg:   cfg,
		hosts: hosts,
		bus:   bus,
		now:   time.Now,
		sets:  make(map[string]string),
	}
}

// VerifyLayout checks the snapshot layout on every host: the data
// subvolumes must exist as btrfs subvolumes, and the snapshot root must
// be one too. A missing root is created; a root that exists as a plain
// directory is a layout error, never silently adopted.
func (m *Manager) VerifyLayout(ctx context.Context) error {
	log := m.bus.Logger("snapshots")
	for _, h := range m.hosts {
		if err := m.verifyHost(ctx, h, log.WithHost(h.Role)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) verifyHost(ctx context.Context, h HostAccess, log *events.Logger) error {
	exists, err := m.pathExists(ctx, h, m.cfg.Root)
	if err != nil {
		return err
	}
	if !exists {
		log.Info("creating snapshot root " + m.cfg.Root)
		if err := m.createRoot(ctx, h); err != nil {
			return err
		}
	} else {
		isSub, err := m.isSubvolume(ctx, h, m.cfg.Root)
		if err != nil {
			return err
		}
		if !isSub {
			return errclass.ErrLayout.WithMessagef(
				"snapshot root %s on %s exists but is not a btrfs subvolume", m.cfg.Root, h.Role)
		}
	}

	for _, sv := range m.cfg.Subvolumes {
		exists, err := m.pathExists(ctx, h, sv)
		if err != nil {
			return err
		}
		if !exists {
			return errclass.ErrLayout.WithMessagef("subvolume %s does not exist on %s", sv, h.Role)
		}
		isSub, err := m.isSubvolume(ctx, h, sv)
		if err != nil {
			return err
		}
		if !isSub {
			return errclass.ErrLayout.WithMessagef("%s on %s is not a btrfs subvolume", sv, h.Role)
		}
	}
	return nil
}

func (m *Manager) createRoot(ctx context.Context, h HostAccess) error {
	parent := path.Dir(m.cfg.Root)
	res, err := h.Run.Run(ctx, "mkdir -p -- "+command.ShellQuote(parent), probeTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return errclass.ErrLayout.WithMessagef(
			"creating %s on %s: %s", parent, h.Role, strings.TrimSpace(res.Stderr))
	}
	res, err = h.Run.Run(ctx, "btrfs subvolume create -- "+command.ShellQuote(m.cfg.Root), probeTimeout)
	if err != nil {
		return err
	}
	if !res.Success() {
		return errclass.ErrLayout.WithMessagef(
			"creating snapshot root %s on %s: %s", m.cfg.Root, h.Role, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) pathExists(ctx context.Context, h HostAccess, p string) (bool, error) {
	res, err := h.Run.Run(ctx, "test -e "+command.ShellQuote(p), probeTimeout)
	if err != nil {
		return false, fmt.Errorf("probing %s on %s: %w", p, h.Role, err)
	}
	return res.Success(), nil
}

func (m *Manager) isSubvolume(ctx context.Context, h HostAccess, p string) (bool, error) {
	res, err := h.Run.Run(ctx, "btrfs subvolume show -- "+command.ShellQuote(p)+" >/dev/null 2>&1", probeTimeout)
	if err != nil {
		return false, fmt.Errorf("probing %s on %s: %w", p, h.Role, err)
	}
	return res.Success(), nil
}

// CreateSet takes one snapshot per configured subvolume on every host,
// source first. PRE and POST sets of the same session share one session
// dir. On failure the snapshots already taken stay: they are recovery
// points, not garbage.
func (m *Manager) CreateSet(ctx context.Context, sessionID string, phase Phase) ([]Snapshot, error) {
	dir := m.sessionDir(sessionID)
	log := m.bus.Logger("snapshots")

	var created []Snapshot
	for _, h := range m.hosts {
		snaps, err := m.createOnHost(ctx, h, dir, sessionID, phase, log.WithHost(h.Role))
		created = append(created, snaps...)
		if err != nil {
			return created, err
		}
	}
	return created, nil
}

func (m *Manager) sessionDir(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.sets[sessionID]; ok {
		return d
	}
	d := path.Join(m.cfg.Root, m.now().UTC().Format(setDirTimeFormat)+"-"+sessionID)
	m.sets[sessionID] = d
	return d
}

func (m *Manager) createOnHost(ctx context.Context, h HostAccess, dir, sessionID string, phase Phase, log *events.Logger) ([]Snapshot, error) {
	res, err := h.Run.Run(ctx, "mkdir -p -- "+command.ShellQuote(dir), probeTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, fmt.Errorf("creating session dir %s on %s: %s", dir, h.Role, strings.TrimSpace(res.Stderr))
	}

	ts := m.now().UTC()
	var created []Snapshot
	for _, sv := range m.cfg.Subvolumes {
		name := fmt.Sprintf("%s-%s-%s", phase, subvolSlug(sv), ts.Format(setDirTimeFormat))
		dst := path.Join(dir, name)
		log.Info(fmt.Sprintf("snapshotting %s -> %s", sv, dst))

		cmd := fmt.Sprintf("btrfs subvolume snapshot -r -- %s %s",
			command.ShellQuote(sv), command.ShellQuote(dst))
		res, err := h.Run.Run(ctx, cmd, snapshotTimeout)
		if err != nil {
			return created, err
		}
		if !res.Success() {
			return created, fmt.Errorf("snapshotting %s on %s: %s", sv, h.Role, strings.TrimSpace(res.Stderr))
		}
		created = append(created, Snapshot{
			Host:      h.Role,
			Phase:     phase,
			Subvolume: sv,
			Path:      dst,
			CreatedAt: ts,
		})
	}

	m.updateManifest(ctx, h, dir, sessionID, created, log)
	return created, nil
}

// updateManifest records this host's snapshots in the session dir.
// A manifest problem is worth a warning, never a failed run.
func (m *Manager) updateManifest(ctx context.Context, h HostAccess, dir, sessionID string, snaps []Snapshot, log *events.Logger) {
	p := path.Join(dir, manifestName)

	var man Manifest
	if data, err := h.Files.ReadFile(ctx, p); err == nil {
		// An unreadable manifest is rewritten from scratch.
		_ = yaml.Unmarshal(data, &man)
	}
	man.Session = sessionID
	man.UpdatedAt = m.now().UTC()
	man.Snapshots = append(man.Snapshots, snaps...)

	data, err := yaml.Marshal(man)
	if err == nil {
		err = h.Files.WriteFile(ctx, p, data, 0o644)
	}
	if err != nil {
		log.Warning(fmt.Sprintf("updating %s: %v", p, err))
	}
}

func subvolSlug(sv string) string {
	s := strings.Trim(sv, "/")
	if s == "" {
		return "root"
	}
	return strings.ReplaceAll(s, "/", "-")
}
