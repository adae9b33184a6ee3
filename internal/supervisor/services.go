package supervisor

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"meshboot/internal/bridge"
	"meshboot/internal/config"
	"meshboot/internal/probe"
	"meshboot/internal/proc"
)

// Service names, in start order.
const (
	Inference = "inference"
	Bus       = bridge.RelayServiceName
	Gateway   = "gateway"
	Worker    = "worker"
	Reasoner  = "reasoner"
)

const (
	inferenceAddr  = "127.0.0.1:11434"
	gatewayAddr    = "127.0.0.1:18789"
	workerScript   = "agents/worker/main.py"
	reasonerScript = "agents/reasoner/main.py"
	pythonBinary   = "python3"
)

// Order is the fixed start order of the default services.
var Order = []string{Inference, Bus, Gateway, Worker, Reasoner}

// Inputs is what DefaultServices needs to build the descriptor list.
type Inputs struct {
	Config config.Bootstrap
	Bus    bridge.Result
	Table  probe.ProcessTable
	Dialer probe.Dialer
	// FileExists reports whether an agent script is present. Defaults to os.Stat.
	FileExists func(path string) bool
}

func (in Inputs) fileExists(path string) bool {
	if in.FileExists != nil {
		return in.FileExists(path)
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// blueprint is a descriptor before overrides turn it into probes and specs.
type blueprint struct {
	name      string
	enabled   bool
	command   string
	args      []string
	env       []string
	tcpAddr   string
	process   string
	dependsOn string
	// unavailable is set when the built-in start directive cannot be formed.
	unavailable error
	launched    *proc.Handle
	unverified  error
	missing     error
}

// DefaultServices returns the node's service chain with services file
// overrides applied. Overrides change how a service starts or is probed,
// never its position or dependency.
func DefaultServices(in Inputs) []Descriptor {
	cfg := in.Config
	busEnv := []string{}
	if in.Bus.EffectiveURL != "" {
		busEnv = append(busEnv, config.EnvBusURL+"="+in.Bus.EffectiveURL)
	}

	bus := blueprint{
		name:    Bus,
		enabled: true,
		command: bridge.RelayBinary,
		tcpAddr: cfg.RelayListen,
	}
	switch {
	case in.Bus.Started && !in.Bus.AlreadyRunning:
		h := in.Bus.Handle
		bus.launched = &h
	case errors.Is(in.Bus.Reason, bridge.ErrRelayNotListening):
		// The bridge already tried this run; a second relay would race the
		// first for the port.
		if in.Bus.Handle != (proc.Handle{}) {
			h := in.Bus.Handle
			bus.launched = &h
		}
		bus.unverified = in.Bus.Reason
	case errors.Is(in.Bus.Reason, bridge.ErrRelayBinaryMissing):
		bus.missing = in.Bus.Reason
	}
	switch {
	case in.Bus.ConfigPath != "":
		bus.args = bridge.StartSpec(in.Bus.ConfigPath, "").Args
	case bus.missing != nil:
	case in.Bus.AlreadyRunning:
		bus.unavailable = errors.New("relay was already listening, no config kept")
	case in.Bus.Reason != nil:
		bus.unavailable = in.Bus.Reason
	default:
		bus.unavailable = errors.New("relay config not synthesized")
	}

	worker := scriptPath(cfg.WorkDir, workerScript)
	reasoner := scriptPath(cfg.WorkDir, reasonerScript)

	blueprints := []blueprint{
		{
			name:    Inference,
			enabled: cfg.InferenceEnabled,
			command: "ollama",
			args:    []string{"serve"},
			tcpAddr: inferenceAddr,
		},
		bus,
		{
			name:      Gateway,
			enabled:   true,
			command:   "openclaw",
			args:      []string{"gateway"},
			env:       busEnv,
			tcpAddr:   gatewayAddr,
			dependsOn: Bus,
		},
		{
			name:      Worker,
			enabled:   true,
			command:   pythonBinary,
			args:      []string{worker},
			env:       busEnv,
			process:   workerScript,
			dependsOn: Bus,
			missing:   in.missingScript(worker),
		},
		{
			name:      Reasoner,
			enabled:   cfg.ReasonerEnabled,
			command:   pythonBinary,
			args:      []string{reasoner},
			env:       busEnv,
			process:   reasonerScript,
			dependsOn: Bus,
			missing:   in.missingScript(reasoner),
		},
	}

	out := make([]Descriptor, 0, len(blueprints))
	for _, bp := range blueprints {
		o, hasOverride := cfg.Services[bp.name]
		if hasOverride && o.Disabled != nil {
			bp.enabled = !*o.Disabled
		}
		if !bp.enabled {
			continue
		}
		out = append(out, bp.descriptor(cfg, o, in))
	}
	return out
}

func (bp blueprint) descriptor(cfg config.Bootstrap, o config.ServiceOverride, in Inputs) Descriptor {
	spec := proc.Spec{
		Name:    bp.name,
		Command: bp.command,
		Args:    bp.args,
		Env:     append([]string(nil), bp.env...),
		Dir:     cfg.WorkDir,
		LogPath: cfg.ServiceLogPath(bp.name),
	}
	unavailable, missing := bp.unavailable, bp.missing
	if o.Command != "" || o.Args != nil || o.Image != "" {
		missing = nil
	}

	if o.Command != "" {
		spec.Command = o.Command
		spec.Args = nil
		// A replaced command carries its own config, so the relay config is
		// no longer required.
		unavailable = nil
	}
	if o.Args != nil {
		spec.Args = o.Args
	}
	for k, v := range o.Env {
		spec.Env = append(spec.Env, k+"="+v)
	}
	if o.Log != "" {
		spec.LogPath = o.Log
	}

	tcpAddr, pattern := bp.tcpAddr, bp.process
	switch {
	case o.Probe != "":
		tcpAddr, pattern = o.Probe, ""
	case o.Process != "":
		tcpAddr, pattern = "", o.Process
	}

	if o.Image != "" {
		spec.Image = o.Image
		// Without explicit ports the container shares the host network, so
		// loopback addresses in its environment keep working.
		spec.Ports = o.Ports
		if len(spec.Ports) > 0 {
			spec.Env = bridgedEnv(spec.Env)
		}
		unavailable = nil
	}

	var p probe.Prober
	if tcpAddr != "" {
		p = probe.TCP{Addr: tcpAddr, Dialer: in.Dialer}
	} else {
		p = probe.Process{Pattern: pattern, Table: in.Table}
	}

	return Descriptor{
		Name:           bp.name,
		Probe:          p,
		Start:          spec,
		DependsOn:      bp.dependsOn,
		Unavailable:    unavailable,
		Launched:       bp.launched,
		Unverified:     bp.unverified,
		Missing:        missing,
		VerifyAttempts: o.VerifyAttempts,
	}
}

func (in Inputs) missingScript(path string) error {
	if in.fileExists(path) {
		return nil
	}
	return fmt.Errorf("agent script %s not found", path)
}

// bridgedEnv points a loopback bus URL at the docker host gateway for a
// container on the bridge network.
func bridgedEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && k == config.EnvBusURL {
			if u, err := url.Parse(v); err == nil && isLoopback(u.Hostname()) {
				u.Host = proc.DockerHostGateway
				if port := u.Port(); port != "" {
					u.Host = net.JoinHostPort(proc.DockerHostGateway, port)
				}
				kv = k + "=" + u.String()
			}
		}
		out = append(out, kv)
	}
	return out
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func scriptPath(workDir, rel string) string {
	if workDir == "" {
		return rel
	}
	return filepath.Join(workDir, rel)
}
