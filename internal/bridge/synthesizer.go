// Package bridge connects the host to the shared message bus through a local
// nats-server leaf relay.
//
// The synthesizer derives credentials, writes a per-run relay configuration,
// starts the relay and reports the bus URL the rest of the run should use.
// Every failure leaves the configured bus URL in effect.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"meshboot/internal/probe"
	"meshboot/internal/proc"

	"github.com/google/uuid"
)

const (
	// RelayBinary is the relay executable.
	RelayBinary = "nats-server"
	// RelayServiceName names the relay in logs and the service list.
	RelayServiceName = "bus"

	defaultGraceAttempts = 10
	defaultGraceInterval = 500 * time.Millisecond
)

var (
	ErrCredentialDerivation = errors.New("core credential derivation failed")
	ErrRelayBinaryMissing   = errors.New("relay binary missing")
	ErrRelayNotListening    = errors.New("relay not listening")
)

// Request is the input of one synthesis.
type Request struct {
	RunID        string
	UpstreamURL  string
	BusURL       string
	ListenAddr   string
	ServerName   string
	Namespace    string
	Worker       Credential
	CoreOverride Credential
}

// Result is the outcome of one synthesis. EffectiveURL is always set to the
// URL services should use, falling back to Request.BusURL.
type Result struct {
	EffectiveURL string
	Started      bool
	// AlreadyRunning is set when a relay was listening before this run.
	AlreadyRunning bool
	// Handle identifies the relay launched by this run.
	Handle     proc.Handle
	ConfigPath string
	Config     RelayConfig
	Core       Credential
	HasCore    bool
	// CoreReason is ErrCredentialDerivation when no core identity was found.
	CoreReason error
	Reason     error
}

// Synthesizer builds and launches the relay.
type Synthesizer struct {
	RuntimeDir    string
	LogPath       string
	Launcher      proc.Launcher
	Sleeper       probe.Sleeper
	Dialer        probe.Dialer
	GraceAttempts int
	GraceInterval time.Duration
}

// Render resolves credentials and builds the relay configuration without
// touching the filesystem or starting anything.
func Render(req Request) (Result, []byte, error) {
	res := Result{EffectiveURL: req.BusURL}

	core, ok := ResolveCore(req.CoreOverride, req.UpstreamURL)
	switch {
	case !ok:
		res.CoreReason = fmt.Errorf("upstream %q carries no user:password: %w", Redact(req.UpstreamURL), ErrCredentialDerivation)
	case core.User == req.Worker.User:
		// The worker entry is always provisioned; a core identity sharing its
		// user name would shadow it.
		res.CoreReason = fmt.Errorf("core user %q is also the worker user: %w", core.User, ErrCredentialDerivation)
	default:
		res.Core, res.HasCore = core, true
	}

	b := NewBuilder(req.ListenAddr, req.ServerName).
		Worker(req.Worker, req.Namespace).
		Upstream(req.UpstreamURL)
	if res.HasCore {
		b.Core(res.Core)
	}
	cfg, err := b.Build()
	if err != nil {
		return res, nil, fmt.Errorf("build relay config: %w", err)
	}
	res.Config = cfg

	data, err := Marshal(cfg)
	if err != nil {
		return res, nil, err
	}
	return res, data, nil
}

// Synthesize writes the relay config and makes sure a relay listens on
// req.ListenAddr. It never returns an error; Result.Reason explains a
// degraded outcome.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) Result {
	log := slog.With("component", "bridge", "listen", req.ListenAddr)
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	res, data, err := Render(req)
	if res.CoreReason != nil {
		log.Warn("no usable core identity for relay, provisioning worker identity only", "err", res.CoreReason)
	}
	if err != nil {
		log.Warn("relay config not synthesized", "err", err)
		res.Reason = err
		return res
	}
	if strings.TrimSpace(req.UpstreamURL) == "" {
		log.Warn("no upstream configured, relay will serve local clients only")
	}

	listening := probe.TCP{Addr: req.ListenAddr, Dialer: s.Dialer}
	if listening.Live(ctx) {
		log.Info("relay already listening, not starting another")
		res.Started, res.AlreadyRunning = true, true
		res.EffectiveURL = relayURL(req.ListenAddr, res)
		return res
	}

	path := ConfigPath(s.RuntimeDir, req.RunID)
	if err := WriteConfig(path, data); err != nil {
		log.Warn("relay config not written", "err", err)
		res.Reason = err
		return res
	}
	res.ConfigPath = path
	log = log.With("config", path)

	launcher := s.Launcher
	if launcher == nil {
		launcher = proc.Exec{}
	}
	h, err := launcher.Start(ctx, StartSpec(path, s.LogPath))
	if err != nil {
		// Nothing will read the config.
		removeConfig(path)
		res.ConfigPath = ""
		if errors.Is(err, proc.ErrBinaryMissing) {
			log.Warn("relay binary not installed, keeping configured bus URL", "err", err)
			res.Reason = fmt.Errorf("%v: %w", err, ErrRelayBinaryMissing)
			return res
		}
		log.Warn("relay failed to start, keeping configured bus URL", "err", err)
		res.Reason = fmt.Errorf("start relay: %v: %w", err, ErrRelayNotListening)
		return res
	}

	attempts, interval := s.GraceAttempts, s.GraceInterval
	if attempts <= 0 {
		attempts = defaultGraceAttempts
	}
	if interval <= 0 {
		interval = defaultGraceInterval
	}
	if err := probe.Verify(ctx, listening, attempts, interval, s.Sleeper); err != nil {
		if h.PID > 0 && !proc.Alive(h.PID) {
			err = fmt.Errorf("%w (pid %d exited)", err, h.PID)
		}
		log.Warn("relay did not start listening, keeping configured bus URL", "handle", h.String(), "err", err)
		if tail := proc.TailLog(s.LogPath); tail != "" {
			log.Debug("relay log tail", "tail", tail)
		}
		// The relay may still be starting and reading its config, so the file
		// stays and the handle is reported for the service list.
		res.Handle = h
		res.Reason = fmt.Errorf("%v: %w", err, ErrRelayNotListening)
		return res
	}

	res.Started, res.Handle = true, h
	res.EffectiveURL = relayURL(req.ListenAddr, res)
	log.Info("relay started", "handle", h.String(), "bus_url", Redact(res.EffectiveURL))
	if n := PruneConfigs(s.RuntimeDir, path); n > 0 {
		log.Debug("removed stale relay configs", "count", n)
	}
	return res
}

// StartSpec is the launch directive for the relay using the config at path.
func StartSpec(configPath, logPath string) proc.Spec {
	return proc.Spec{
		Name:    RelayServiceName,
		Command: RelayBinary,
		Args:    []string{"-c", configPath},
		LogPath: logPath,
	}
}

func relayURL(listen string, res Result) string {
	u := url.URL{Scheme: "nats", Host: listen}
	if res.HasCore {
		u.User = url.UserPassword(res.Core.User, res.Core.Password)
	}
	return u.String()
}
