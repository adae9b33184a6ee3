package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"slices"
	"strings"
	"time"

	"meshboot/internal/config"
	"meshboot/internal/probe"

	"github.com/beevik/ntp"
	"github.com/docker/docker/api/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	httpTimeout     = 5 * time.Second
	ntpTimeout      = 5 * time.Second
	maxClockOffset  = 500 * time.Millisecond
	placeholderMark = "${{"
)

// Listener is a local TCP endpoint expected to accept connections.
type Listener struct {
	Name string
	Addr string
}

// DockerPinger is satisfied by the Docker client.
type DockerPinger interface {
	Ping(ctx context.Context) (types.Ping, error)
}

// ClockSource returns the local clock offset against server.
type ClockSource func(ctx context.Context, server string) (time.Duration, error)

// Reporter runs the readiness checks. Zero-value fields skip their check.
type Reporter struct {
	RequiredCommands []string
	OptionalCommands []string
	Listeners        []Listener
	URLs             []string
	BusURL           string
	// Env is scanned for unresolved template placeholders.
	Env       map[string]string
	NTPServer string

	Docker     DockerPinger
	Clock      ClockSource
	HTTPClient *http.Client
	Dialer     probe.Dialer
	LookPath   func(string) (string, error)
}

// New builds the node's reporter from configuration. busURL is the bus
// endpoint in effect for this run.
func New(cfg config.Bootstrap, busURL string) *Reporter {
	env := map[string]string{}
	if cfg.UpstreamURL != "" {
		env[config.EnvUpstreamURL] = cfg.UpstreamURL
	}
	if busURL != "" {
		env[config.EnvBusURL] = busURL
	}
	return &Reporter{
		RequiredCommands: []string{"python3", "openclaw"},
		OptionalCommands: []string{"ollama", "nats-server", "tailscale", "tailscaled", "docker"},
		Listeners: []Listener{
			{Name: "inference", Addr: "127.0.0.1:11434"},
			{Name: "bus relay", Addr: cfg.RelayListen},
			{Name: "gateway", Addr: "127.0.0.1:18789"},
		},
		URLs:      cfg.HealthURLs,
		BusURL:    busURL,
		Env:       env,
		NTPServer: cfg.NTPServer,
		Clock:     NTPOffset,
	}
}

// NTPOffset queries server once.
func NTPOffset(_ context.Context, server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: ntpTimeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Report runs every configured check in a fixed order.
func (r *Reporter) Report(ctx context.Context) Report {
	log := slog.With("component", "health")
	var rep Report

	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, cmd := range r.RequiredCommands {
		if _, err := lookPath(cmd); err != nil {
			rep.add(Fail, "command", "%s missing", cmd)
		} else {
			rep.add(OK, "command", "%s", cmd)
		}
	}
	for _, cmd := range r.OptionalCommands {
		if _, err := lookPath(cmd); err != nil {
			rep.add(Warn, "command", "%s missing (optional depending on topology)", cmd)
		} else {
			rep.add(OK, "command", "%s", cmd)
		}
	}

	for _, l := range r.Listeners {
		if l.Addr == "" {
			continue
		}
		if (probe.TCP{Addr: l.Addr, Dialer: r.Dialer}).Live(ctx) {
			rep.add(OK, "service", "%s listening on %s", l.Name, l.Addr)
		} else {
			rep.add(Warn, "service", "%s not listening on %s", l.Name, l.Addr)
		}
	}

	if r.Docker != nil {
		if _, err := r.Docker.Ping(ctx); err != nil {
			rep.add(Warn, "docker", "daemon unreachable: %v", err)
		} else {
			rep.add(OK, "docker", "daemon reachable")
		}
	}

	r.checkEnv(&rep)

	if len(r.URLs) > 0 {
		client := r.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: httpTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)}
		}
		for _, u := range r.URLs {
			ok, detail := httpHealth(ctx, client, u)
			if ok {
				rep.add(OK, "http", "%s -> %s", u, detail)
			} else {
				rep.add(Warn, "http", "%s -> %s", u, detail)
			}
		}
	}

	if r.NTPServer != "" && r.Clock != nil {
		offset, err := r.Clock(ctx, r.NTPServer)
		switch {
		case err != nil:
			rep.add(Warn, "clock", "ntp query to %s failed: %v", r.NTPServer, err)
		case offset.Abs() > maxClockOffset:
			rep.add(Warn, "clock", "offset %s exceeds %s", offset.Round(time.Millisecond), maxClockOffset)
		default:
			rep.add(OK, "clock", "offset %s", offset.Round(time.Millisecond))
		}
	}

	rep.finish()
	log.Debug("health report complete", "summary", rep.Summary, "fails", rep.Fails, "warns", rep.Warns)
	return rep
}

func (r *Reporter) checkEnv(rep *Report) {
	if r.BusURL == "" {
		rep.add(Warn, "env", "%s not set", config.EnvBusURL)
	} else if host := urlHost(r.BusURL); isProviderInternal(host) {
		rep.add(Warn, "env", "%s uses %s; local workers usually cannot reach this directly", config.EnvBusURL, host)
	}
	for _, k := range slices.Sorted(maps.Keys(r.Env)) {
		if strings.Contains(r.Env[k], placeholderMark) {
			rep.add(Warn, "env", "%s contains unresolved template placeholders", k)
		}
	}
}

func urlHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// isProviderInternal matches hostnames only resolvable inside a hosting
// provider's private network, such as "bus.railway.internal".
func isProviderInternal(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	return host == "internal" || strings.HasSuffix(host, ".internal")
}

func httpHealth(ctx context.Context, client *http.Client, rawURL string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, err.Error()
	}
	resp, err := client.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return false, "timeout"
		}
		return false, err.Error()
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return true, fmt.Sprintf("HTTP %d", code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return true, fmt.Sprintf("HTTP %d (protected)", code)
	default:
		return false, fmt.Sprintf("HTTP %d", code)
	}
}
