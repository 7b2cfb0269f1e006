// Package diskspace guards a sync run against filling up either
// machine: a one-shot preflight check before anything mutates, and a
// background monitor that trips while jobs run.
package diskspace

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Usage is a point-in-time reading of one filesystem.
type Usage struct {
	Path  string
	Total uint64
	Free  uint64
}

// FreePercent reports free space as a percentage of the filesystem.
func (u Usage) FreePercent() float64 {
	if u.Total == 0 {
		return 0
	}
	return float64(u.Free) / float64(u.Total) * 100
}

// Threshold is a minimum-free requirement: either a percentage of the
// filesystem ("10%") or an absolute size ("25GB").
type Threshold struct {
	percent float64
	bytes   uint64
	raw     string
}

// ParseThreshold reads a threshold from its config form.
func ParseThreshold(s string) (Threshold, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return Threshold{}, nil
	}
	if strings.HasSuffix(t, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(t, "%"), 64)
		if err != nil || v < 0 || v > 100 {
			return Threshold{}, fmt.Errorf("invalid percentage threshold %q", s)
		}
		return Threshold{percent: v, raw: t}, nil
	}
	b, err := humanize.ParseBytes(t)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid size threshold %q: %w", s, err)
	}
	return Threshold{bytes: b, raw: t}, nil
}

// Breached reports whether the usage falls below the minimum.
func (t Threshold) Breached(u Usage) bool {
	if t.percent > 0 {
		return u.FreePercent() < t.percent
	}
	if t.bytes > 0 {
		return u.Free < t.bytes
	}
	return false
}

// IsZero reports whether the threshold imposes nothing.
func (t Threshold) IsZero() bool { return t.percent == 0 && t.bytes == 0 }

func (t Threshold) String() string {
	if t.raw == "" {
		return "none"
	}
	return t.raw
}
