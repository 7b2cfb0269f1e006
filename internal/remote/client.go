// Package remote runs commands and file transfers on the target machine
// over a single multiplexed SSH connection.
package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/semaphore"

	"github.com/twinsync/twinsync/internal/command"
	"github.com/twinsync/twinsync/internal/errclass"
)

// Config describes how to reach and drive the target machine.
type Config struct {
	Host           string
	Port           int
	User           string
	IdentityFile   string
	KnownHostsFile string
	// InsecureHostKey skips host key verification. Test rigs only.
	InsecureHostKey bool

	// MaxSessions caps concurrent SSH sessions on the one connection.
	// OpenSSH defaults to 10 server-side; staying under it avoids
	// opaque "open failed" errors.
	MaxSessions int64

	ConnectTimeout     time.Duration
	KeepaliveInterval  time.Duration
	KeepaliveMaxMissed int

	// Grace is the TERM-to-KILL window for stopped remote processes.
	Grace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 22
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 8
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.KeepaliveMaxMissed <= 0 {
		c.KeepaliveMaxMissed = 4
	}
	if c.Grace <= 0 {
		c.Grace = command.GraceDefault
	}
	return c
}

// Client is a live connection to the target. It satisfies both
// command.Runner and command.FileIO.
type Client struct {
	cfg      Config
	conn     *ssh.Client
	sessions *semaphore.Weighted

	sftpOnce sync.Once
	sftpCli  *sftp.Client
	sftpErr  error

	mu     sync.Mutex
	procs  map[*remoteProcess]struct{}
	closed bool

	dead     chan struct{}
	deadOnce sync.Once
	deadErr  error

	stopKeepalive context.CancelFunc
}

func newClient(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:      cfg,
		sessions: semaphore.NewWeighted(cfg.MaxSessions),
		procs:    make(map[*remoteProcess]struct{}),
		dead:     make(chan struct{}),
	}
}

// Dial connects to the target and starts the keepalive probe.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	c := newClient(cfg)
	cfg = c.cfg

	key, err := os.ReadFile(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", cfg.IdentityFile, err)
	}
	hostKeys, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         cfg.ConnectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	tcp, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(tcp, addr, sshCfg)
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	c.conn = ssh.NewClient(sshConn, chans, reqs)

	kaCtx, kaCancel := context.WithCancel(context.Background())
	c.stopKeepalive = kaCancel
	go c.keepalive(kaCtx, c.ping)
	go func() {
		err := c.conn.Wait()
		c.markDead(fmt.Errorf("connection to %s closed: %v", addr, err))
	}()

	return c, nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := cfg.KnownHostsFile
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving known_hosts path: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", file, err)
	}
	return cb, nil
}

// Dead is closed when the connection is considered lost: the transport
// errored out or too many keepalives went unanswered.
func (c *Client) Dead() <-chan struct{} { return c.dead }

// Err reports why the connection died. Nil while Dead is still open.
func (c *Client) Err() error {
	select {
	case <-c.dead:
		return c.deadErr
	default:
		return nil
	}
}

func (c *Client) markDead(cause error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.deadOnce.Do(func() {
		c.deadErr = errclass.ErrConnectionLost.WithMessagef("%v", cause)
		close(c.dead)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// ping sends a keepalive request and waits for the server's reply.
func (c *Client) ping() error {
	_, _, err := c.conn.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

// keepalive probes the connection on a fixed interval. A probe that
// errors or takes longer than the interval counts as missed; reaching
// the miss limit declares the connection dead. The probe runs in its
// own goroutine so a hung transport cannot stall the counting.
func (c *Client) keepalive(ctx context.Context, ping func() error) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dead:
			return
		case <-ticker.C:
			replied := make(chan error, 1)
			go func() { replied <- ping() }()
			select {
			case err := <-replied:
				if err != nil {
					missed++
				} else {
					missed = 0
				}
			case <-time.After(c.cfg.KeepaliveInterval):
				missed++
			}
			if missed >= c.cfg.KeepaliveMaxMissed {
				c.markDead(fmt.Errorf("%d keepalives unanswered", missed))
				return
			}
		}
	}
}

// Hostname asks the target for its hostname.
func (c *Client) Hostname(ctx context.Context) (string, error) {
	res, err := c.Run(ctx, "hostname", 10*time.Second)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("hostname failed: %s", strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Run executes a bounded command on the target. Same contract as the
// local runner: non-zero exits land in the Result.
func (c *Client) Run(ctx context.Context, cmd string, timeout time.Duration) (command.Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p, err := c.Start(runCtx, cmd)
	if err != nil {
		return command.Result{}, err
	}
	command.Drain(p)
	res, err := p.Wait()
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	return res, err
}

// Start launches a long-running command on the target in a fresh SSH
// session, bounded by the session ceiling.
func (c *Client) Start(ctx context.Context, cmd string) (command.Process, error) {
	if err := c.sessions.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	sess, err := c.conn.NewSession()
	if err != nil {
		c.sessions.Release(1)
		return nil, fmt.Errorf("opening session: %w", err)
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		c.sessions.Release(1)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		c.sessions.Release(1)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := sess.Start(cmd); err != nil {
		sess.Close()
		c.sessions.Release(1)
		return nil, fmt.Errorf("starting remote command: %w", err)
	}

	p := &remoteProcess{
		sess: sess,
		out:  command.NewOutput(stdout, stderr),
		done: make(chan struct{}),
	}
	go p.reap(func() { c.sessions.Release(1) })
	go p.watch(ctx, c.cfg.Grace)

	c.track(p)
	return p, nil
}

// KillAll force-stops every remote process this client still tracks.
func (c *Client) KillAll() {
	c.mu.Lock()
	procs := make([]*remoteProcess, 0, len(c.procs))
	for p := range c.procs {
		procs = append(procs, p)
	}
	c.mu.Unlock()

	for _, p := range procs {
		_ = p.Kill()
	}
}

func (c *Client) track(p *remoteProcess) {
	c.mu.Lock()
	c.procs[p] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-p.done
		c.mu.Lock()
		delete(c.procs, p)
		c.mu.Unlock()
	}()
}

// Close tears the connection down. Not a failure signal: Dead stays
// open when the close was deliberate.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.stopKeepalive != nil {
		c.stopKeepalive()
	}
	if c.sftpCli != nil {
		c.sftpCli.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
