package diskspace

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/twinsync/twinsync/internal/command"
)

// Prober reads how full one machine's filesystem is.
type Prober interface {
	Usage(ctx context.Context, path string) (Usage, error)
}

// Statfs probes the local filesystem directly.
type Statfs struct{}

func (Statfs) Usage(_ context.Context, path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{
		Path:  path,
		Total: st.Blocks * bsize,
		// Bavail, not Bfree: space an unprivileged writer can use.
		Free: st.Bavail * bsize,
	}, nil
}

// DF probes the machine behind a runner with POSIX `df -P -k`.
type DF struct {
	Runner command.Runner
}

func (d DF) Usage(ctx context.Context, path string) (Usage, error) {
	res, err := d.Runner.Run(ctx, "df -P -k -- "+command.ShellQuote(path), 30*time.Second)
	if err != nil {
		return Usage{}, err
	}
	if !res.Success() {
		return Usage{}, fmt.Errorf("df %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return parseDF(res.Stdout, path)
}

// parseDF reads the data line of portable df output. Long device names
// make df wrap onto two lines, so the last line is the one that counts.
func parseDF(out, path string) (Usage, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return Usage{}, fmt.Errorf("unexpected df output for %s: %q", path, out)
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return Usage{}, fmt.Errorf("unexpected df output for %s: %q", path, lines[len(lines)-1])
	}
	totalKB, err := strconv.ParseUint(fields[len(fields)-5], 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parsing df total for %s: %w", path, err)
	}
	availKB, err := strconv.ParseUint(fields[len(fields)-3], 10, 64)
	if err != nil {
		return Usage{}, fmt.Errorf("parsing df available for %s: %w", path, err)
	}
	return Usage{Path: path, Total: totalKB * 1024, Free: availKB * 1024}, nil
}
