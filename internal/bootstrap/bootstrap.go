// Package bootstrap sequences one node bootstrap run: lock, mesh join, relay
// synthesis, service supervision and the readiness report.
//
// Steps never abort the run. Each one degrades to a documented fallback and
// the next step consumes whatever the previous one produced.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"meshboot/internal/bridge"
	"meshboot/internal/config"
	"meshboot/internal/health"
	"meshboot/internal/lock"
	"meshboot/internal/mesh"
	"meshboot/internal/probe"
	"meshboot/internal/proc"
	"meshboot/internal/supervisor"
	"meshboot/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultLockWait = 30 * time.Second
	containerPrefix = "meshboot"

	StepLock     = "lock"
	StepMesh     = "mesh"
	StepBridge   = "bridge"
	StepServices = supervisor.StepID
	StepHealth   = "health"
)

// Plan is the step list of "meshboot up".
var Plan = telemetry.Plan{Steps: []telemetry.PlannedStep{
	{ID: StepLock, Title: "acquire run lock"},
	{ID: StepMesh, Title: "join mesh"},
	{ID: StepBridge, Title: "start bus relay"},
	{ID: StepServices, Title: "start services"},
	{ID: StepHealth, Title: "readiness report"},
}}

type MeshJoiner interface {
	Join(ctx context.Context, req mesh.JoinRequest) mesh.JoinResult
}

type RelaySynthesizer interface {
	Synthesize(ctx context.Context, req bridge.Request) bridge.Result
}

type ServiceRunner interface {
	Run(ctx context.Context, descs []supervisor.Descriptor) *supervisor.State
}

type HealthReporter interface {
	Report(ctx context.Context) health.Report
}

// Result is everything one run decided.
type Result struct {
	RunID    string
	Locked   bool
	Mesh     mesh.JoinResult
	Bridge   bridge.Result
	Services *supervisor.State
	// Health is nil when no reporter ran or it failed.
	Health *health.Report
}

// Runner wires the components for one run. NewRunner fills every field for
// production use; tests replace individual ones.
type Runner struct {
	Config     config.Bootstrap
	Mesh       MeshJoiner
	Bridge     RelaySynthesizer
	Supervisor ServiceRunner
	// Health builds the reporter once the effective bus URL is known.
	Health func(busURL string) HealthReporter
	Table  probe.ProcessTable
	Dialer probe.Dialer
	Tracer trace.Tracer

	LockWait time.Duration
	NewRunID func() string
}

// NewRunner builds the production component graph for cfg.
func NewRunner(cfg config.Bootstrap, tracer trace.Tracer) *Runner {
	host := proc.Exec{}
	router := proc.Router{Host: host}

	var docker health.DockerPinger
	if containers, err := proc.NewContainers(containerPrefix); err != nil {
		slog.Debug("docker client unavailable, container services disabled", "err", err)
	} else {
		router.Containers = containers
		docker = containers.API
	}

	return &Runner{
		Config: cfg,
		Mesh: mesh.New(
			mesh.WithDaemon(cfg.MeshSocket, cfg.MeshStateDir, cfg.MeshLogPath()),
			mesh.WithBackoff(cfg.RetryBackoff),
		),
		Bridge: &bridge.Synthesizer{
			RuntimeDir: cfg.RuntimeDir,
			LogPath:    cfg.ServiceLogPath(bridge.RelayServiceName),
			Launcher:   host,
		},
		Supervisor: &supervisor.Supervisor{Launcher: router},
		Health: func(busURL string) HealthReporter {
			r := health.New(cfg, busURL)
			r.Docker = docker
			return r
		},
		Tracer: tracer,
	}
}

// Run executes the full sequence. It returns an error only when the
// telemetry plan itself cannot be started.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	newID := r.NewRunID
	if newID == nil {
		newID = uuid.NewString
	}
	res := Result{RunID: newID()}
	log := slog.With("component", "bootstrap", "run_id", res.RunID)

	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer("meshboot")
	}
	op, err := telemetry.Start(ctx, tracer, "meshboot.up", res.RunID, Plan)
	if err != nil {
		return res, err
	}
	defer op.End(nil)
	ctx = op.Context()

	var held *lock.File
	_ = op.RunStep(ctx, StepLock, func(ctx context.Context) error {
		held = r.acquireLock(ctx, log)
		res.Locked = held != nil
		return nil
	})
	defer func() {
		if err := held.Release(); err != nil {
			log.Warn("release run lock", "err", err)
		}
	}()

	_ = op.RunStep(ctx, StepMesh, func(ctx context.Context) error {
		res.Mesh = r.Mesh.Join(ctx, JoinRequest(r.Config))
		if res.Mesh.Joined {
			telemetry.Detail(ctx, "joined as %s", res.Mesh.Address)
		} else if res.Mesh.Reason != nil {
			telemetry.Degrade(ctx, res.Mesh.Reason.Error())
		}
		return nil
	})

	_ = op.RunStep(ctx, StepBridge, func(ctx context.Context) error {
		res.Bridge = r.Bridge.Synthesize(ctx, BridgeRequest(r.Config, res.RunID))
		if res.Bridge.Started {
			telemetry.Detail(ctx, "bus %s", bridge.Redact(res.Bridge.EffectiveURL))
		} else if res.Bridge.Reason != nil {
			telemetry.Degrade(ctx, res.Bridge.Reason.Error())
		}
		return nil
	})

	_ = op.RunStep(ctx, StepServices, func(ctx context.Context) error {
		descs := supervisor.DefaultServices(supervisor.Inputs{
			Config: r.Config,
			Bus:    res.Bridge,
			Table:  r.Table,
			Dialer: r.Dialer,
		})
		res.Services = r.Supervisor.Run(ctx, descs)
		ready := res.Services.Count(supervisor.AlreadyHealthy) + res.Services.Count(supervisor.StartedAndVerified)
		if ready < res.Services.Len() {
			telemetry.Degrade(ctx, fmt.Sprintf("%d of %d services ready", ready, res.Services.Len()))
		} else {
			telemetry.Detail(ctx, "%d services ready", ready)
		}
		return nil
	})

	_ = op.RunStep(ctx, StepHealth, func(ctx context.Context) error {
		res.Health = r.report(ctx, res.Bridge.EffectiveURL, log)
		if res.Health == nil {
			telemetry.Degrade(ctx, "report unavailable")
		} else if res.Health.Summary != health.Ready {
			telemetry.Degrade(ctx, string(res.Health.Summary))
		}
		return nil
	})

	log.Info("bootstrap complete",
		"mesh_joined", res.Mesh.Joined,
		"relay_started", res.Bridge.Started,
		"services_ready", res.Services.Count(supervisor.AlreadyHealthy)+res.Services.Count(supervisor.StartedAndVerified),
		"services", res.Services.Len(),
	)
	return res, nil
}

func (r *Runner) acquireLock(ctx context.Context, log *slog.Logger) *lock.File {
	wait := r.LockWait
	if wait <= 0 {
		wait = defaultLockWait
	}
	held, err := lock.Acquire(ctx, r.Config.LockPath(), wait)
	if err != nil {
		telemetry.Degrade(ctx, err.Error())
		log.Warn("proceeding without run lock", "err", err)
		return nil
	}
	return held
}

// JoinRequest is the mesh join cfg asks for.
func JoinRequest(cfg config.Bootstrap) mesh.JoinRequest {
	return mesh.JoinRequest{
		Enabled:        cfg.MeshEnabled,
		AuthKey:        cfg.AuthKey,
		Hostname:       cfg.Hostname,
		AttemptTimeout: cfg.AttemptTimeout,
		MaxRetries:     cfg.MaxRetries,
	}
}

// BridgeRequest is the relay synthesis cfg asks for.
func BridgeRequest(cfg config.Bootstrap, runID string) bridge.Request {
	return bridge.Request{
		RunID:        runID,
		UpstreamURL:  cfg.UpstreamURL,
		BusURL:       cfg.BusURL,
		ListenAddr:   cfg.RelayListen,
		ServerName:   cfg.RelayServerName,
		Namespace:    cfg.SubjectNamespace,
		Worker:       bridge.Credential{User: cfg.WorkerUser, Password: cfg.WorkerPassword},
		CoreOverride: bridge.Credential{User: cfg.CoreUser, Password: cfg.CorePassword},
	}
}

// report runs the readiness reporter and swallows its failures.
func (r *Runner) report(ctx context.Context, busURL string, log *slog.Logger) (rep *health.Report) {
	if r.Health == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			log.Warn("readiness report failed", "panic", p)
			rep = nil
		}
	}()
	reporter := r.Health(busURL)
	if reporter == nil {
		return nil
	}
	out := reporter.Report(ctx)
	return &out
}
