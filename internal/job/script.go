package job

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/domain"
	"github.com/twinsync/twinsync/internal/events"
)

// TypeScript is the built-in sync job type: ordered shell commands on a
// chosen host, streamed through the fabric.
const TypeScript = "script"

type scriptConfig struct {
	Host     string   `yaml:"host"`
	Commands []string `yaml:"commands"`
	Workdir  string   `yaml:"workdir"`
	Timeout  string   `yaml:"timeout"`
}

type script struct {
	name     string
	host     domain.Host
	commands []string
	workdir  string
	timeout  time.Duration
}

func newScript(name string, raw map[string]any) (Job, error) {
	s, errs := parseScript(name, raw)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return s, nil
}

func validateScriptConfig(name string, raw map[string]any) []ConfigError {
	_, errs := parseScript(name, raw)
	return errs
}

func parseScript(name string, raw map[string]any) (*script, []ConfigError) {
	var cfg scriptConfig
	if err := DecodeConfig(raw, &cfg); err != nil {
		return nil, []ConfigError{{Job: name, Detail: err.Error()}}
	}

	var errs []ConfigError
	host := domain.HostTarget
	switch cfg.Host {
	case "", string(domain.HostTarget):
	case string(domain.HostSource):
		host = domain.HostSource
	default:
		errs = append(errs, ConfigError{
			Job: name, Field: "host",
			Detail: fmt.Sprintf("must be %q or %q, got %q", domain.HostSource, domain.HostTarget, cfg.Host),
		})
	}

	if len(cfg.Commands) == 0 {
		errs = append(errs, ConfigError{Job: name, Field: "commands", Detail: "at least one command is required"})
	}
	for i, c := range cfg.Commands {
		if strings.TrimSpace(c) == "" {
			errs = append(errs, ConfigError{Job: name, Field: fmt.Sprintf("commands[%d]", i), Detail: "empty command"})
		}
	}

	var timeout time.Duration
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		switch {
		case err != nil:
			errs = append(errs, ConfigError{Job: name, Field: "timeout", Detail: "invalid duration: " + cfg.Timeout})
		case d < 0:
			errs = append(errs, ConfigError{Job: name, Field: "timeout", Detail: "must not be negative"})
		default:
			timeout = d
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &script{
		name:     name,
		host:     host,
		commands: cfg.Commands,
		workdir:  cfg.Workdir,
		timeout:  timeout,
	}, nil
}

func (s *script) Name() string { return s.name }
func (s *script) Kind() Kind   { return KindSync }

func (s *script) Validate(ctx context.Context, run *Context) []ValidationError {
	if s.workdir == "" {
		return nil
	}
	res, err := run.Runner(s.host).Run(ctx, "test -d "+command.ShellQuote(s.workdir), 15*time.Second)
	if err != nil {
		return []ValidationError{{Job: s.name, Detail: fmt.Sprintf("checking workdir %s on %s: %v", s.workdir, s.host, err)}}
	}
	if !res.Success() {
		return []ValidationError{{Job: s.name, Detail: fmt.Sprintf("workdir %s does not exist on %s", s.workdir, s.host)}}
	}
	return nil
}

func (s *script) Execute(ctx context.Context, run *Context) error {
	log := run.Logger(s.name).WithHost(s.host)
	stdoutLog := log.WithFields(map[string]string{"stream": "stdout"})
	stderrLog := log.WithFields(map[string]string{"stream": "stderr"})
	runner := run.Runner(s.host)

	total := len(s.commands)
	for i, cmdLine := range s.commands {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info(fmt.Sprintf("running command %d/%d", i+1, total))
		log.Progress(domain.ProgressCount(i, total, cmdLine))

		full := cmdLine
		if s.workdir != "" {
			full = fmt.Sprintf("cd %s && { %s; }", command.ShellQuote(s.workdir), cmdLine)
		}

		execCtx := ctx
		var cancel context.CancelFunc
		if s.timeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, s.timeout)
		}

		err := s.runOne(execCtx, runner, full, stdoutLog, stderrLog)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return fmt.Errorf("command %d/%d timed out after %s", i+1, total, s.timeout)
			}
			return fmt.Errorf("command %d/%d: %w", i+1, total, err)
		}
	}
	log.Progress(domain.ProgressCount(total, total, ""))
	return nil
}

func (s *script) runOne(ctx context.Context, runner command.Runner, cmdLine string, stdoutLog, stderrLog *events.Logger) error {
	p, err := runner.Start(ctx, cmdLine)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for line := range p.Stdout() {
			stdoutLog.Full(line)
		}
	}()
	go func() {
		defer wg.Done()
		for line := range p.Stderr() {
			stderrLog.Full(line)
		}
	}()
	wg.Wait()

	res, err := p.Wait()
	if err != nil {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !res.Success() {
		return fmt.Errorf("exit code %d", res.ExitCode)
	}
	return nil
}
