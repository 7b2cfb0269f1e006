// Package snapshot maintains the btrfs safety net around a sync run:
// read-only PRE snapshots before anything mutates, POST snapshots after
// full success, and retention cleanup. All btrfs work goes through the
// command layer, so the same code serves both machines.
package snapshot

import (
	"time"

	"github.com/twinsync/twinsync/internal/domain"
)

// Phase says which side of the run a snapshot belongs to.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Snapshot is one read-only btrfs snapshot taken for a session.
type Snapshot struct {
	Host      domain.Host `yaml:"host"`
	Phase     Phase       `yaml:"phase"`
	Subvolume string      `yaml:"subvolume"`
	Path      string      `yaml:"path"`
	CreatedAt time.Time   `yaml:"created_at"`
}

// Config locates the snapshot layout on both machines. The layout is
// identical on source and target.
type Config struct {
	// Root is the btrfs subvolume that holds all session snapshot dirs.
	Root string
	// Subvolumes are the data subvolumes bracketed by each run.
	Subvolumes []string
}

// Manifest describes one session's snapshots on one machine. It lives
// as manifest.yaml inside the session dir.
type Manifest struct {
	Session   string     `yaml:"session"`
	UpdatedAt time.Time  `yaml:"updated_at"`
	Snapshots []Snapshot `yaml:"snapshots"`
}

const manifestName = "manifest.yaml"

const setDirTimeFormat = "20060102-150405"
