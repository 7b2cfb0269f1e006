package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/config"
	"github.com/twinsync/twinsync/internal/diskspace"
	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/errclass"
	"github.com/twinsync/twinsync/internal/events"
	"github.com/twinsync/twinsync/internal/history"
	"github.com/twinsync/twinsync/internal/hostlock"
	"github.com/twinsync/twinsync/internal/job"
	"github.com/twinsync/twinsync/internal/logging"
	"github.com/twinsync/twinsync/internal/orchestrator"
	"github.com/twinsync/twinsync/internal/provision"
	"github.com/twinsync/twinsync/internal/remote"
	"github.com/twinsync/twinsync/internal/snapshot"
	"github.com/twinsync/twinsync/internal/version"
)

var (
	runDryRun     bool
	historyLimit  int
	cleanupDryRun bool
	initForce     bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sync session against the configured target",
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "stop after the validation phases, changing nothing on either machine")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show lock holders and the most recent session",
		RunE:  runStatus,
	}

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sessions",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of sessions to list")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old snapshot sets on this machine",
		RunE:  runCleanup,
	}
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "show what would be deleted without deleting")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	configInitCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		RunE:  runConfigInit,
	}
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE:  runConfigShow,
	}
	configCmd.AddCommand(configInitCmd, configShowCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}

	rootCmd.AddCommand(runCmd, statusCmd, historyCmd, cleanupCmd, configCmd, versionCmd)
}

// loadConfig reads the config from --config or the default location.
// A missing file yields the defaults; Validate then reports what the
// defaults cannot supply, like the target host.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func consoleLevel(cfg *config.Config) (domain.LogLevel, error) {
	s := cfg.Run.LogLevel
	if logLevel != "" {
		s = logLevel
	}
	return domain.ParseLogLevel(s)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	reg := job.DefaultRegistry()
	if problems := cfg.Validate(reg); len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintln(os.Stderr, "config:", p.Error())
		}
		return errclass.ErrConfig.WithMessagef("%s: %d config problem(s)", path, len(problems))
	}
	syncJobs, err := cfg.BuildJobs(reg)
	if err != nil {
		return err
	}

	level, err := consoleLevel(cfg)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()[:8]

	bus := events.NewBus()
	fileLog, err := logging.NewFileConsumer(bus, cfg.Run.LogDir, sessionID)
	if err != nil {
		return fmt.Errorf("opening session log: %w", err)
	}
	console := logging.NewConsoleConsumer(bus, level, os.Stderr)

	logCtx, stopLogs := context.WithCancel(context.Background())
	defer stopLogs()
	go fileLog.Run(logCtx)
	go console.Run(logCtx)

	// The target gets a byte-identical copy of this config during
	// provisioning.
	localConfig, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}

	var hist orchestrator.History
	if store, err := history.New(cfg.Run.HistoryDB); err != nil {
		bus.Logger("history").Warning(fmt.Sprintf("history disabled: %v", err))
	} else {
		defer store.Close()
		hist = store
	}

	local := command.NewLocal(command.LocalOptions{})
	conn := newSSHConnection(cfg)

	deps := orchestrator.Deps{
		Local:      local,
		LocalFiles: command.LocalFiles{},
		SourceLock: hostlock.NewManager(cfg.Lock.Path),
		Conn:       conn,
		Build:      buildCollaborators(cfg, bus, localConfig),
		SyncJobs:   syncJobs,
		History:    hist,
		ForceStop: func() {
			local.KillAll()
			conn.KillAll()
		},
		Bus: bus,
	}
	orch := orchestrator.New(deps, orchestrator.Options{
		SessionID:      sessionID,
		LogPath:        fileLog.Path(),
		CleanupTimeout: cfg.Run.CleanupTimeout.Std(),
		DryRun:         runDryRun,
	})

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigs {
			orch.Interrupt()
		}
	}()

	// Run's error is already folded into the session outcome and logged.
	sess, _ := orch.Run(cmd.Context())

	signal.Stop(sigs)
	close(sigs)

	// Drain the consumers before printing the summary table so log lines
	// and the table do not interleave.
	bus.Close()
	<-fileLog.Done()
	<-console.Done()

	printSummary(sess, fileLog.Path())

	switch sess.Status {
	case domain.SessionCompleted:
		return nil
	case domain.SessionInterrupted:
		return exitCodeError{code: 130}
	default:
		return exitCodeError{code: 1}
	}
}

// buildCollaborators returns the constructor for everything that needs
// the established connection: the target lock, the snapshot manager,
// disk checks on both sides, and target provisioning.
func buildCollaborators(cfg *config.Config, bus *events.Bus, localConfig []byte) func(run *job.Context) (orchestrator.Built, error) {
	return func(run *job.Context) (orchestrator.Built, error) {
		sourcePre, err := diskspace.ParseThreshold(cfg.Disk.Source.PreflightMin)
		if err != nil {
			return orchestrator.Built{}, err
		}
		sourceRun, err := diskspace.ParseThreshold(cfg.Disk.Source.RuntimeMin)
		if err != nil {
			return orchestrator.Built{}, err
		}
		targetPre, err := diskspace.ParseThreshold(cfg.Disk.Target.PreflightMin)
		if err != nil {
			return orchestrator.Built{}, err
		}
		targetRun, err := diskspace.ParseThreshold(cfg.Disk.Target.RuntimeMin)
		if err != nil {
			return orchestrator.Built{}, err
		}

		snaps := snapshot.NewManager(
			snapshot.Config{Root: cfg.Snapshots.Root, Subvolumes: cfg.Snapshots.Subvolumes},
			[]snapshot.HostAccess{
				{Role: domain.HostSource, Run: run.Local, Files: run.LocalFiles},
				{Role: domain.HostTarget, Run: run.Remote, Files: run.RemoteFiles},
			},
			bus,
		)

		checks := []diskspace.HostCheck{
			{Role: domain.HostSource, Prober: diskspace.Statfs{}, Path: cfg.Disk.Source.Path, Min: sourcePre},
			{Role: domain.HostTarget, Prober: diskspace.DF{Runner: run.Remote}, Path: cfg.Disk.Target.Path, Min: targetPre},
		}

		return orchestrator.Built{
			TargetLock: hostlock.NewRemote(run.Remote, cfg.Lock.Path),
			Snapshots:  snaps,
			Preflight: func(ctx context.Context) error {
				return diskspace.Preflight(ctx, checks, bus)
			},
			Provision: provision.New(provision.Options{
				Runner:      run.Remote,
				Files:       run.RemoteFiles,
				BinPath:     cfg.Remote.BinPath,
				ConfigPath:  cfg.Remote.ConfigPath,
				LocalConfig: localConfig,
				Current:     version.Current(),
				Confirm:     askOnTerminal,
				Bus:         bus,
			}),
			Background: []job.Job{
				diskspace.NewMonitor(domain.HostSource, diskspace.Statfs{}, cfg.Disk.Source.Path, sourceRun, cfg.Disk.Source.CheckInterval.Std()),
				diskspace.NewMonitor(domain.HostTarget, diskspace.DF{Runner: run.Remote}, cfg.Disk.Target.Path, targetRun, cfg.Disk.Target.CheckInterval.Std()),
			},
		}, nil
	}
}

// askOnTerminal prints the prompt and reads a y/N answer from stdin.
func askOnTerminal(prompt string) (bool, error) {
	fmt.Println(prompt)
	fmt.Print("overwrite? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func printSummary(sess *domain.Session, logPath string) {
	if len(sess.Results) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tSTATUS\tDURATION\tERROR")
		for _, r := range sess.Results {
			errText := r.Error
			if errText == "" {
				errText = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				r.JobName, r.Status, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond), errText)
		}
		w.Flush()
	}

	fmt.Printf("\nsession %s: %s in %s\n", sess.ID, sess.Status, sess.Duration().Round(time.Second))
	if sess.Error != "" {
		fmt.Printf("  %s\n", sess.Error)
	}
	fmt.Printf("  log: %s\n", logPath)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if st, err := hostlock.NewManager(cfg.Lock.Path).Status(ctx); err != nil {
		fmt.Printf("source lock: %v\n", err)
	} else {
		printLock("source", st)
	}

	if cfg.Remote.Host == "" {
		fmt.Println("target lock: no target configured")
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		cli, err := remote.Dial(dialCtx, remoteConfig(cfg))
		if err != nil {
			fmt.Printf("target lock: unreachable: %v\n", err)
		} else {
			if st, err := hostlock.NewRemote(cli, cfg.Lock.Path).Status(dialCtx); err != nil {
				fmt.Printf("target lock: %v\n", err)
			} else {
				printLock("target", st)
			}
			cli.Close()
		}
	}

	store, err := history.New(cfg.Run.HistoryDB)
	if err != nil {
		return nil
	}
	defer store.Close()
	sessions, err := store.ListSessions(ctx, 1)
	if err != nil || len(sessions) == 0 {
		return nil
	}
	s := sessions[0]
	fmt.Printf("\nlast session: %s %s, started %s", s.ID, s.Status, humanize.Time(s.StartedAt))
	if s.Error != "" {
		fmt.Printf(" (%s)", s.Error)
	}
	fmt.Println()
	return nil
}

func printLock(side string, st hostlock.Status) {
	switch {
	case !st.Held:
		fmt.Printf("%s lock: free\n", side)
	case st.Holder != nil:
		fmt.Printf("%s lock: held by %s (pid %d) since %s\n",
			side, st.Holder.Holder, st.Holder.PID, humanize.Time(st.Holder.AcquiredAt))
	default:
		fmt.Printf("%s lock: held\n", side)
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := history.New(cfg.Run.HistoryDB)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTARTED\tDURATION\tSTATUS\tTARGET\tERROR")
	for _, s := range sessions {
		dur := "-"
		if s.FinishedAt != nil {
			dur = s.Duration().Round(time.Second).String()
		}
		errText := s.Error
		if errText == "" {
			errText = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, humanize.Time(s.StartedAt), dur, s.Status, s.TargetHost, errText)
	}
	return w.Flush()
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	level, err := consoleLevel(cfg)
	if err != nil {
		return err
	}

	bus := events.NewBus()
	console := logging.NewConsoleConsumer(bus, level, os.Stderr)
	logCtx, stopLogs := context.WithCancel(context.Background())
	defer stopLogs()
	go console.Run(logCtx)

	// Cleanup only ever touches this machine; each machine prunes its
	// own snapshots.
	mgr := snapshot.NewManager(
		snapshot.Config{Root: cfg.Snapshots.Root, Subvolumes: cfg.Snapshots.Subvolumes},
		[]snapshot.HostAccess{
			{Role: domain.HostSource, Run: command.NewLocal(command.LocalOptions{}), Files: command.LocalFiles{}},
		},
		bus,
	)

	plan, err := mgr.Plan(snapshot.RetentionPolicy{
		KeepRecent: cfg.Snapshots.KeepRecent,
		MaxAge:     cfg.Snapshots.MaxAge.Std(),
	})
	if err != nil {
		return err
	}
	if len(plan.Delete) == 0 {
		fmt.Printf("nothing to delete, %d snapshot set(s) kept\n", len(plan.Keep))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tCREATED\tACTION")
	for _, s := range plan.Keep {
		fmt.Fprintf(w, "%s\t%s\tkeep\n", s.SessionID, humanize.Time(s.CreatedAt))
	}
	for _, s := range plan.Delete {
		fmt.Fprintf(w, "%s\t%s\tdelete\n", s.SessionID, humanize.Time(s.CreatedAt))
	}
	w.Flush()

	if cleanupDryRun {
		return nil
	}
	if err := mgr.Apply(cmd.Context(), plan); err != nil {
		return err
	}

	bus.Close()
	<-console.Done()
	fmt.Printf("deleted %d snapshot set(s)\n", len(plan.Delete))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s exists, use --force to overwrite", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Println("wrote", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n", path)
	os.Stdout.Write(out)
	return nil
}
