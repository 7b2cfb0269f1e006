package main

import (
	"context"
	"sync"
	"time"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/config"
	"github.com/twinsync/twinsync/internal/orchestrator"
	"github.com/twinsync/twinsync/internal/remote"
)

func remoteConfig(cfg *config.Config) remote.Config {
	return remote.Config{
		Host:               cfg.Remote.Host,
		Port:               cfg.Remote.Port,
		User:               cfg.Remote.User,
		IdentityFile:       cfg.Remote.IdentityFile,
		KnownHostsFile:     cfg.Remote.KnownHostsFile,
		InsecureHostKey:    cfg.Remote.InsecureHostKey,
		MaxSessions:        int64(cfg.Remote.MaxSessions),
		ConnectTimeout:     cfg.Remote.ConnectTimeout.Std(),
		KeepaliveInterval:  cfg.Remote.KeepaliveInterval.Std(),
		KeepaliveMaxMissed: cfg.Remote.KeepaliveMaxMissed,
	}
}

// sshConnection defers dialing until the orchestrator asks for it, so a
// source lock conflict is reported without ever touching the network.
type sshConnection struct {
	cfg remote.Config

	mu     sync.Mutex
	client *remote.Client
}

var _ orchestrator.Connection = (*sshConnection)(nil)

func newSSHConnection(cfg *config.Config) *sshConnection {
	return &sshConnection{cfg: remoteConfig(cfg)}
}

func (c *sshConnection) Connect(ctx context.Context) error {
	cli, err := remote.Dial(ctx, c.cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.client = cli
	c.mu.Unlock()
	return nil
}

func (c *sshConnection) live() *remote.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

func (c *sshConnection) Run(ctx context.Context, cmd string, timeout time.Duration) (command.Result, error) {
	return c.live().Run(ctx, cmd, timeout)
}

func (c *sshConnection) Start(ctx context.Context, cmd string) (command.Process, error) {
	return c.live().Start(ctx, cmd)
}

func (c *sshConnection) Hostname(ctx context.Context) (string, error) {
	return c.live().Hostname(ctx)
}

func (c *sshConnection) Files() command.FileIO { return c.live() }

func (c *sshConnection) Dead() <-chan struct{} { return c.live().Dead() }

func (c *sshConnection) Err() error {
	if cli := c.live(); cli != nil {
		return cli.Err()
	}
	return nil
}

// KillAll can fire before Connect when the first phases are
// force-stopped; there is nothing to kill then.
func (c *sshConnection) KillAll() {
	if cli := c.live(); cli != nil {
		cli.KillAll()
	}
}

func (c *sshConnection) Close() error {
	if cli := c.live(); cli != nil {
		return cli.Close()
	}
	return nil
}
