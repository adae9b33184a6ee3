// Package supervisor starts the node's local services in a fixed order.
//
// Each service is probed first so a healthy instance is never launched twice.
// Dependents only start when their prerequisite ended healthy. Starting is
// two-phase: launch detached, then verify with the liveness probe. A run never
// fails as a whole; every service ends with exactly one Outcome.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meshboot/internal/check"
	"meshboot/internal/probe"
	"meshboot/internal/proc"
	"meshboot/internal/telemetry"

	"go.opentelemetry.io/otel/trace"
)

const (
	// StepID is the run step the per-service spans are nested under.
	StepID = "services"

	defaultVerifyAttempts = 10
	defaultVerifyInterval = time.Second
)

// ErrDependencyUnmet marks a service skipped because its prerequisite is not
// healthy or its start directive could not be formed.
var ErrDependencyUnmet = errors.New("dependency unmet")

type Outcome uint8

const (
	AlreadyHealthy Outcome = iota + 1
	StartedAndVerified
	StartedUnverified
	SkippedDependencyUnmet
	SkippedMissingBinary
)

func (o Outcome) String() string {
	switch o {
	case AlreadyHealthy:
		return "already-healthy"
	case StartedAndVerified:
		return "started-and-verified"
	case StartedUnverified:
		return "started-unverified"
	case SkippedDependencyUnmet:
		return "skipped-dependency-unmet"
	case SkippedMissingBinary:
		return "skipped-missing-binary"
	default:
		return "unknown"
	}
}

// Healthy reports whether dependents may start after this outcome.
func (o Outcome) Healthy() bool {
	return o == AlreadyHealthy || o == StartedAndVerified
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Descriptor declares one supervised service.
type Descriptor struct {
	Name  string
	Probe probe.Prober
	Start proc.Spec
	// DependsOn names an earlier descriptor that must end healthy.
	DependsOn string
	// Unavailable is set when no start directive could be formed.
	Unavailable error
	// Launched is set when an earlier step of this run already started the
	// service. A live probe then counts as a verified start.
	Launched *proc.Handle
	// Unverified is the reason an earlier launch in this run did not come up.
	// The start is not retried.
	Unverified error
	// Missing is set when something the start directive needs is not installed.
	Missing        error
	VerifyAttempts int
	VerifyInterval time.Duration
}

// Entry is the recorded result for one service.
type Entry struct {
	Name    string
	Outcome Outcome
	Handle  proc.Handle
	Err     error
}

// State is the ordered result of one run.
type State struct {
	order   []string
	entries map[string]Entry
}

func NewState() *State {
	return &State{entries: make(map[string]Entry)}
}

// Record stores e, keeping the position of an earlier entry with the same name.
func (s *State) Record(e Entry) {
	if _, ok := s.entries[e.Name]; !ok {
		s.order = append(s.order, e.Name)
	}
	s.entries[e.Name] = e
}

func (s *State) Get(name string) (Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// Outcome returns the outcome for name, or 0 if it has none.
func (s *State) Outcome(name string) Outcome {
	return s.entries[name].Outcome
}

// Entries returns the results in run order.
func (s *State) Entries() []Entry {
	out := make([]Entry, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name])
	}
	return out
}

func (s *State) Len() int { return len(s.order) }

// Count returns how many services ended with o.
func (s *State) Count(o Outcome) int {
	n := 0
	for _, e := range s.entries {
		if e.Outcome == o {
			n++
		}
	}
	return n
}

// Supervisor runs descriptors through probe, gate, start and verify.
type Supervisor struct {
	Launcher proc.Launcher
	Sleeper  probe.Sleeper
	// OnOutcome is called after each service is decided.
	OnOutcome func(Entry)
}

// Run processes descs strictly in order and returns the complete state.
//
// When ctx carries a recording span, each service gets a child span named
// "services/<name>".
func (s *Supervisor) Run(ctx context.Context, descs []Descriptor) *State {
	check.Assert(s.Launcher != nil, "Supervisor.Run: Launcher must not be nil")

	tracer := trace.SpanFromContext(ctx).TracerProvider().Tracer("meshboot/supervisor")
	state := NewState()
	for _, d := range descs {
		sctx, span := tracer.Start(ctx, StepID+"/"+d.Name)
		e := s.runOne(sctx, d, state)
		if e.Outcome.Healthy() {
			telemetry.Detail(sctx, "%s", e.Outcome)
		} else {
			telemetry.Degrade(sctx, e.Outcome.String())
		}
		span.End()

		state.Record(e)
		s.emit(e)
	}
	return state
}

func (s *Supervisor) emit(e Entry) {
	log := slog.With("component", "supervisor", "service", e.Name, "outcome", e.Outcome.String())
	switch e.Outcome {
	case AlreadyHealthy, StartedAndVerified:
		log.Info("service ready")
	default:
		log.Warn("service not ready", "err", e.Err)
	}
	if s.OnOutcome != nil {
		s.OnOutcome(e)
	}
}

func (s *Supervisor) runOne(ctx context.Context, d Descriptor, state *State) Entry {
	check.Assertf(d.Probe != nil, "descriptor %s has no probe", d.Name)
	log := slog.With("component", "supervisor", "service", d.Name)

	if d.Probe.Live(ctx) {
		log.Debug("probe live", "probe", d.Probe.String())
		if d.Launched != nil {
			return Entry{Name: d.Name, Outcome: StartedAndVerified, Handle: *d.Launched}
		}
		return Entry{Name: d.Name, Outcome: AlreadyHealthy}
	}

	if d.Unverified != nil {
		var h proc.Handle
		if d.Launched != nil {
			h = *d.Launched
		}
		return Entry{Name: d.Name, Outcome: StartedUnverified, Handle: h, Err: d.Unverified}
	}
	if d.Unavailable != nil {
		return Entry{
			Name:    d.Name,
			Outcome: SkippedDependencyUnmet,
			Err:     fmt.Errorf("%s: %v: %w", d.Name, d.Unavailable, ErrDependencyUnmet),
		}
	}
	if d.DependsOn != "" {
		dep, ok := state.Get(d.DependsOn)
		if !ok || !dep.Outcome.Healthy() {
			got := "not run"
			if ok {
				got = dep.Outcome.String()
			}
			return Entry{
				Name:    d.Name,
				Outcome: SkippedDependencyUnmet,
				Err:     fmt.Errorf("%s requires %s (%s): %w", d.Name, d.DependsOn, got, ErrDependencyUnmet),
			}
		}
	}

	if d.Missing != nil {
		return Entry{
			Name:    d.Name,
			Outcome: SkippedMissingBinary,
			Err:     fmt.Errorf("%s: %v: %w", d.Name, d.Missing, proc.ErrBinaryMissing),
		}
	}

	h, err := s.Launcher.Start(ctx, d.Start)
	if err != nil {
		if errors.Is(err, proc.ErrBinaryMissing) {
			return Entry{Name: d.Name, Outcome: SkippedMissingBinary, Err: err}
		}
		// A launch that failed for another reason is reported as started but
		// never verified.
		return Entry{Name: d.Name, Outcome: StartedUnverified, Err: fmt.Errorf("start %s: %w", d.Name, err)}
	}

	attempts, interval := d.VerifyAttempts, d.VerifyInterval
	if attempts <= 0 {
		attempts = defaultVerifyAttempts
	}
	if interval <= 0 {
		interval = defaultVerifyInterval
	}
	if err := probe.Verify(ctx, d.Probe, attempts, interval, s.Sleeper); err != nil {
		if h.PID > 0 && !proc.Alive(h.PID) {
			err = fmt.Errorf("%w (pid %d exited)", err, h.PID)
		}
		if tail := proc.TailLog(h.LogPath); tail != "" {
			log.Debug("log tail after failed verify", "tail", tail)
		}
		return Entry{Name: d.Name, Outcome: StartedUnverified, Handle: h, Err: err}
	}
	return Entry{Name: d.Name, Outcome: StartedAndVerified, Handle: h}
}
