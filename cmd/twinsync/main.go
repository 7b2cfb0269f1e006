// Command twinsync pushes state from this machine to a configured
// target machine over SSH, bracketed by btrfs snapshots on both sides.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:   "twinsync",
		Short: "One-way state sync between two machines",
		Long: `Twinsync replicates state from this machine onto a target machine over
a single multiplexed SSH connection. Every run takes btrfs snapshots on
both sides before touching anything, so a bad run can be rolled back.

Runs are exclusive per machine pair: a lock on each side keeps a second
run, in either direction, from starting while one is active.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "console log level (critical, error, warning, info, full, debug)")
}

// exitCodeError maps a finished run onto a process exit code. The
// outcome was already logged and summarized, so main prints nothing.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			os.Exit(ec.code)
		}
		fmt.Fprintln(os.Stderr, "twinsync:", err)
		os.Exit(1)
	}
}
