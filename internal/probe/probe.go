// Package probe implements the liveness checks used to decide whether a local
// service is already running and whether a freshly started one came up.
//
// Probes are read-only: a TCP probe connects and closes immediately, a process
// probe scans the process table. Neither holds resources between calls.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const defaultDialTimeout = 2 * time.Second

// ErrLivenessTimeout is returned by Verify when every attempt failed.
var ErrLivenessTimeout = errors.New("liveness timeout")

// Prober reports whether a target is live.
type Prober interface {
	Live(ctx context.Context) bool
	String() string
}

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TCP is live when a connection to Addr can be established.
type TCP struct {
	Addr    string
	Timeout time.Duration
	Dialer  Dialer
}

func (p TCP) Live(ctx context.Context) bool {
	if strings.TrimSpace(p.Addr) == "" {
		return false
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (p TCP) String() string { return "tcp " + p.Addr }

// ProcessTable lists the command lines of running processes.
type ProcessTable interface {
	Commands(ctx context.Context) ([]string, error)
}

// Process is live when some running command line contains every
// whitespace-separated token of Pattern.
type Process struct {
	Pattern string
	Table   ProcessTable
}

func (p Process) Live(ctx context.Context) bool {
	tokens := strings.Fields(p.Pattern)
	if len(tokens) == 0 {
		return false
	}
	table := p.Table
	if table == nil {
		table = SystemTable()
	}
	cmds, err := table.Commands(ctx)
	if err != nil {
		return false
	}
	for _, cmd := range cmds {
		if matchesAll(cmd, tokens) {
			return true
		}
	}
	return false
}

func (p Process) String() string { return "process " + p.Pattern }

func matchesAll(cmd string, tokens []string) bool {
	for _, tok := range tokens {
		if !strings.Contains(cmd, tok) {
			return false
		}
	}
	return true
}

// Func adapts a function to Prober.
type Func struct {
	Name string
	Fn   func(ctx context.Context) bool
}

func (f Func) Live(ctx context.Context) bool {
	if f.Fn == nil {
		return false
	}
	return f.Fn(ctx)
}

func (f Func) String() string { return f.Name }

// Sleeper pauses between attempts. Tests replace it to avoid real waits.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealSleeper sleeps on the wall clock and returns early on cancellation.
type RealSleeper struct{}

func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Verify polls p up to attempts times, sleeping interval before each check.
// It returns nil on the first live result and ErrLivenessTimeout once the
// attempts are exhausted.
func Verify(ctx context.Context, p Prober, attempts int, interval time.Duration, sleeper Sleeper) error {
	if attempts < 1 {
		attempts = 1
	}
	if sleeper == nil {
		sleeper = RealSleeper{}
	}
	for range attempts {
		if err := sleeper.Sleep(ctx, interval); err != nil {
			return fmt.Errorf("verify %s: %w", p, err)
		}
		if p.Live(ctx) {
			return nil
		}
	}
	return fmt.Errorf("%s not live after %d attempts: %w", p, attempts, ErrLivenessTimeout)
}
