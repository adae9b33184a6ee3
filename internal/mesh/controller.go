// Package mesh joins the host to the Tailscale overlay.
//
// Joining is best effort. A disabled mesh, missing binaries or an empty auth
// key produce a result with ErrUnavailable and no attempts; exhausting the
// retry budget produces ErrHandshakeTimeout. Neither stops the bootstrap.
package mesh

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"meshboot/internal/check"
	"meshboot/internal/probe"
	"meshboot/internal/proc"
)

const (
	cliBinary    = "tailscale"
	daemonBinary = "tailscaled"

	// InterfaceName is the kernel interface tailscaled creates in tun mode.
	InterfaceName = "tailscale0"

	defaultBackoff        = 3 * time.Second
	defaultSocket         = "/tmp/tailscaled.sock"
	daemonVerifyAttempts  = 10
	daemonVerifyInterval  = 500 * time.Millisecond
	statusProbeTimeout    = 3 * time.Second
	addressQueryTimeout   = 5 * time.Second
	defaultAttemptTimeout = 20 * time.Second
)

var (
	ErrUnavailable      = errors.New("mesh unavailable")
	ErrHandshakeTimeout = errors.New("mesh handshake timeout")
)

// Runner executes a command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, firstArg(args), err)
	}
	return out, nil
}

func firstArg(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// JoinRequest is one join invocation.
type JoinRequest struct {
	Enabled        bool
	AuthKey        string
	Hostname       string
	AttemptTimeout time.Duration
	MaxRetries     int
}

// JoinResult reports the outcome. Reason is nil only when Joined is true.
type JoinResult struct {
	Joined   bool
	Address  string
	Attempts int
	Reason   error
}

// Option configures a Controller.
type Option func(*Controller)

func WithRunner(r Runner) Option {
	check.Assert(r != nil, "WithRunner: runner must not be nil")
	return func(c *Controller) { c.runner = r }
}

func WithLauncher(l proc.Launcher) Option {
	check.Assert(l != nil, "WithLauncher: launcher must not be nil")
	return func(c *Controller) { c.launcher = l }
}

func WithProcessTable(t probe.ProcessTable) Option {
	check.Assert(t != nil, "WithProcessTable: table must not be nil")
	return func(c *Controller) { c.table = t }
}

func WithSleeper(s probe.Sleeper) Option {
	check.Assert(s != nil, "WithSleeper: sleeper must not be nil")
	return func(c *Controller) { c.sleeper = s }
}

// WithLookPath replaces the PATH lookup used to detect the overlay binaries.
func WithLookPath(fn func(string) (string, error)) Option {
	check.Assert(fn != nil, "WithLookPath: func must not be nil")
	return func(c *Controller) { c.lookPath = fn }
}

// WithInterfaceAddr replaces the interface address fallback.
func WithInterfaceAddr(fn func(name string) (string, error)) Option {
	check.Assert(fn != nil, "WithInterfaceAddr: func must not be nil")
	return func(c *Controller) { c.ifaceAddr = fn }
}

// WithBackoff sets the fixed sleep between join attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Controller) { c.backoff = d }
}

// WithDaemon sets the tailscaled socket, state directory and log file.
func WithDaemon(socket, stateDir, logPath string) Option {
	return func(c *Controller) {
		c.socket = socket
		c.stateDir = stateDir
		c.logPath = logPath
	}
}

// Controller drives the overlay CLI and daemon.
type Controller struct {
	runner    Runner
	launcher  proc.Launcher
	table     probe.ProcessTable
	sleeper   probe.Sleeper
	lookPath  func(string) (string, error)
	ifaceAddr func(string) (string, error)

	backoff  time.Duration
	socket   string
	stateDir string
	logPath  string
}

// New returns a Controller using the host's tailscale binaries unless
// overridden.
func New(opts ...Option) *Controller {
	c := &Controller{
		runner:    ExecRunner{},
		launcher:  proc.Exec{},
		table:     probe.SystemTable(),
		sleeper:   probe.RealSleeper{},
		lookPath:  exec.LookPath,
		ifaceAddr: InterfaceAddr,
		backoff:   defaultBackoff,
		socket:    defaultSocket,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Join brings the host onto the overlay. It never returns an error; the
// failure reason travels in the result.
func (c *Controller) Join(ctx context.Context, req JoinRequest) JoinResult {
	log := slog.With("component", "mesh", "hostname", req.Hostname)

	if !req.Enabled {
		log.Info("mesh join disabled")
		return JoinResult{Reason: fmt.Errorf("disabled by configuration: %w", ErrUnavailable)}
	}
	for _, bin := range []string{cliBinary, daemonBinary} {
		if _, err := c.lookPath(bin); err != nil {
			log.Info("overlay binary not installed, continuing without mesh", "binary", bin)
			return JoinResult{Reason: fmt.Errorf("%s not found: %w", bin, ErrUnavailable)}
		}
	}
	if strings.TrimSpace(req.AuthKey) == "" {
		log.Info("no auth key configured, skipping mesh join")
		return JoinResult{Reason: fmt.Errorf("empty auth key: %w", ErrUnavailable)}
	}

	if err := c.ensureDaemon(ctx, log); err != nil {
		log.Warn("overlay daemon not confirmed, attempting join anyway", "err", err)
	}

	retries := max(req.MaxRetries, 1)
	timeout := req.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	res := JoinResult{}
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		res.Attempts = attempt
		lastErr = c.up(ctx, req, timeout)
		if lastErr == nil {
			break
		}
		log.Warn("mesh join attempt failed", "attempt", attempt, "max", retries, "err", lastErr)
		if attempt == retries {
			break
		}
		if err := c.sleeper.Sleep(ctx, c.backoff); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr != nil {
		log.Warn("mesh join gave up, continuing in non-mesh mode", "attempts", res.Attempts)
		res.Reason = fmt.Errorf("after %d attempts: %v: %w", res.Attempts, lastErr, ErrHandshakeTimeout)
		return res
	}

	res.Joined = true
	res.Address = c.address(ctx, log)
	log.Info("joined mesh", "address", res.Address, "attempts", res.Attempts)
	return res
}

func (c *Controller) up(ctx context.Context, req JoinRequest, timeout time.Duration) error {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := c.runner.Run(attemptCtx, cliBinary, c.cliArgs("up",
		"--authkey="+req.AuthKey,
		"--hostname="+req.Hostname,
	)...)
	if err != nil && attemptCtx.Err() != nil {
		return fmt.Errorf("no handshake within %s: %w", timeout, err)
	}
	return err
}

func (c *Controller) cliArgs(sub string, args ...string) []string {
	out := make([]string, 0, len(args)+2)
	if c.socket != "" {
		out = append(out, "--socket="+c.socket)
	}
	out = append(out, sub)
	return append(out, args...)
}

// DaemonRunning reports whether tailscaled answers on the socket or appears
// in the process table.
func (c *Controller) DaemonRunning(ctx context.Context) bool {
	statusCtx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	if _, err := c.runner.Run(statusCtx, cliBinary, c.cliArgs("status", "--json")...); err == nil {
		return true
	}
	return probe.Process{Pattern: daemonBinary, Table: c.table}.Live(ctx)
}

func (c *Controller) ensureDaemon(ctx context.Context, log *slog.Logger) error {
	if c.DaemonRunning(ctx) {
		log.Debug("overlay daemon already running")
		return nil
	}

	args := []string{"--tun=userspace-networking"}
	if c.socket != "" {
		args = append(args, "--socket="+c.socket)
	}
	if c.stateDir != "" {
		args = append(args, "--statedir="+c.stateDir)
	}
	h, err := c.launcher.Start(ctx, proc.Spec{
		Name:    daemonBinary,
		Command: daemonBinary,
		Args:    args,
		LogPath: c.logPath,
	})
	if err != nil {
		return fmt.Errorf("start overlay daemon: %w", err)
	}
	log.Info("started overlay daemon", "handle", h.String(), "log", c.logPath)

	running := probe.Func{Name: daemonBinary, Fn: c.DaemonRunning}
	return probe.Verify(ctx, running, daemonVerifyAttempts, daemonVerifyInterval, c.sleeper)
}

func (c *Controller) address(ctx context.Context, log *slog.Logger) string {
	ipCtx, cancel := context.WithTimeout(ctx, addressQueryTimeout)
	defer cancel()
	out, err := c.runner.Run(ipCtx, cliBinary, c.cliArgs("ip", "-4")...)
	if err == nil {
		if addr := firstLine(out); addr != "" {
			return addr
		}
	}
	addr, ifErr := c.ifaceAddr(InterfaceName)
	if ifErr != nil {
		log.Debug("overlay address unknown", "cli_err", err, "iface_err", ifErr)
		return ""
	}
	return addr
}

func firstLine(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			return line
		}
	}
	return ""
}
