// Package config builds the immutable bootstrap configuration.
//
// Configuration is read exactly once at process entry from the environment,
// optionally seeded by dotenv files in the working directory. Real environment
// variables always win over dotenv values. Components receive the resulting
// Bootstrap value and never read the environment themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Environment variable names.
const (
	EnvMeshEnabled      = "MESHBOOT_MESH_ENABLED"
	EnvAuthKey          = "TAILSCALE_AUTHKEY"
	EnvHostname         = "MESHBOOT_HOSTNAME"
	EnvMeshTimeout      = "MESHBOOT_MESH_TIMEOUT"
	EnvMeshRetries      = "MESHBOOT_MESH_RETRIES"
	EnvMeshBackoff      = "MESHBOOT_MESH_BACKOFF"
	EnvMeshSocket       = "MESHBOOT_MESH_SOCKET"
	EnvMeshStateDir     = "MESHBOOT_MESH_STATE_DIR"
	EnvRelayListen      = "MESHBOOT_RELAY_LISTEN"
	EnvRelayName        = "MESHBOOT_RELAY_NAME"
	EnvUpstreamURL      = "MESHBOOT_UPSTREAM_URL"
	EnvBusURL           = "NATS_URL"
	EnvWorkerUser       = "MESHBOOT_WORKER_USER"
	EnvWorkerPassword   = "MESHBOOT_WORKER_PASSWORD"
	EnvCoreUser         = "MESHBOOT_CORE_USER"
	EnvCorePassword     = "MESHBOOT_CORE_PASSWORD"
	EnvSubjectNamespace = "MESHBOOT_SUBJECT_NS"
	EnvInference        = "MESHBOOT_INFERENCE_ENABLED"
	EnvReasoner         = "MESHBOOT_REASONER_ENABLED"
	EnvLogDir           = "MESHBOOT_LOG_DIR"
	EnvRuntimeDir       = "MESHBOOT_RUNTIME_DIR"
	EnvWorkDir          = "MESHBOOT_WORKDIR"
	EnvServicesFile     = "MESHBOOT_SERVICES_FILE"
	EnvHealthURLs       = "MESHBOOT_HEALTH_URLS"
	EnvNTPServer        = "MESHBOOT_NTP_SERVER"
)

// DotenvFiles are read from the working directory, first match per key wins.
var DotenvFiles = []string{".env.node.local", ".env.node", ".env"}

const (
	defaultAttemptTimeout = 20 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBackoff   = 3 * time.Second
	defaultMeshSocket     = "/tmp/tailscaled.sock"
	defaultRelayListen    = "127.0.0.1:4222"
	defaultWorkerUser     = "worker"
	defaultNamespace      = "mesh"
	defaultNTPServer      = "pool.ntp.org"
)

// Bootstrap is the process-wide configuration. Treat it as immutable.
type Bootstrap struct {
	MeshEnabled    bool
	AuthKey        string
	Hostname       string        `validate:"required,hostname_rfc1123"`
	AttemptTimeout time.Duration `validate:"gt=0"`
	MaxRetries     int           `validate:"gte=1,lte=50"`
	RetryBackoff   time.Duration `validate:"gte=0"`
	MeshSocket     string
	MeshStateDir   string

	RelayListen     string `validate:"required,hostname_port"`
	RelayServerName string `validate:"required"`
	// UpstreamURL and BusURL are deliberately not validated: a malformed
	// value degrades the relay step instead of failing the boot.
	UpstreamURL      string
	BusURL           string
	WorkerUser       string `validate:"required,excludesall=:@"`
	WorkerPassword   string `validate:"required"`
	CoreUser         string
	CorePassword     string
	SubjectNamespace string `validate:"required,excludesall=*>"`

	InferenceEnabled bool
	ReasonerEnabled  bool

	LogDir       string `validate:"required"`
	RuntimeDir   string `validate:"required"`
	WorkDir      string
	ServicesFile string
	Services     ServiceOverrides

	HealthURLs []string `validate:"dive,http_url"`
	NTPServer  string
}

// Lookup resolves one variable, reporting whether it was set.
type Lookup func(key string) (string, bool)

// FromEnvironment loads dotenv files from dir (missing files are ignored) and
// then the process environment.
func FromEnvironment(dir string) (Bootstrap, error) {
	dotenv, err := readDotenv(dir)
	if err != nil {
		return Bootstrap{}, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	return Load(lookup)
}

func readDotenv(dir string) (map[string]string, error) {
	merged := make(map[string]string)
	for _, name := range DotenvFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for k, v := range values {
			if _, seen := merged[k]; !seen {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

// Load builds and validates a Bootstrap from lookup.
func Load(lookup Lookup) (Bootstrap, error) {
	r := reader{lookup: lookup}

	cfg := Bootstrap{
		MeshEnabled:      r.bool(EnvMeshEnabled, true),
		AuthKey:          r.string(EnvAuthKey, ""),
		Hostname:         r.string(EnvHostname, defaultHostname()),
		AttemptTimeout:   r.duration(EnvMeshTimeout, defaultAttemptTimeout),
		MaxRetries:       r.int(EnvMeshRetries, defaultMaxRetries),
		RetryBackoff:     r.duration(EnvMeshBackoff, defaultRetryBackoff),
		MeshSocket:       r.string(EnvMeshSocket, defaultMeshSocket),
		RelayListen:      r.string(EnvRelayListen, defaultRelayListen),
		UpstreamURL:      r.string(EnvUpstreamURL, ""),
		BusURL:           r.string(EnvBusURL, ""),
		WorkerUser:       r.string(EnvWorkerUser, defaultWorkerUser),
		WorkerPassword:   r.string(EnvWorkerPassword, ""),
		CoreUser:         r.string(EnvCoreUser, ""),
		CorePassword:     r.string(EnvCorePassword, ""),
		SubjectNamespace: r.string(EnvSubjectNamespace, defaultNamespace),
		InferenceEnabled: r.bool(EnvInference, true),
		ReasonerEnabled:  r.bool(EnvReasoner, true),
		LogDir:           r.string(EnvLogDir, defaultLogDir()),
		RuntimeDir:       r.string(EnvRuntimeDir, filepath.Join(os.TempDir(), "meshboot")),
		WorkDir:          r.string(EnvWorkDir, ""),
		ServicesFile:     r.string(EnvServicesFile, ""),
		HealthURLs:       r.list(EnvHealthURLs),
		NTPServer:        r.string(EnvNTPServer, defaultNTPServer),
	}
	cfg.MeshStateDir = r.string(EnvMeshStateDir, filepath.Join(cfg.RuntimeDir, "tailscale"))
	cfg.RelayServerName = r.string(EnvRelayName, "leaf-"+cfg.Hostname)
	if cfg.WorkerPassword == "" {
		cfg.WorkerPassword = uuid.NewString()
	}
	if r.err != nil {
		return Bootstrap{}, r.err
	}

	if cfg.ServicesFile != "" {
		overrides, err := LoadServices(cfg.ServicesFile)
		if err != nil {
			return Bootstrap{}, err
		}
		cfg.Services = overrides
	}

	if err := Validate(cfg); err != nil {
		return Bootstrap{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and returns the first violation in
// readable form.
func Validate(cfg Bootstrap) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("invalid config: %s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
	}
	return fmt.Errorf("invalid config: %w", err)
}

// MeshLogPath is where the overlay daemon writes its output.
func (c Bootstrap) MeshLogPath() string { return filepath.Join(c.LogDir, "tailscaled.log") }

// LockPath is the advisory lock serializing bootstrap runs.
func (c Bootstrap) LockPath() string { return filepath.Join(c.RuntimeDir, "meshboot.lock") }

// ServiceLogPath returns the log file for a supervised service.
func (c Bootstrap) ServiceLogPath(name string) string {
	return filepath.Join(c.LogDir, name+".log")
}

func defaultHostname() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "node"
	}
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return strings.ToLower(h)
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "meshboot", "logs")
	}
	return filepath.Join(home, ".meshboot", "logs")
}

// reader records the first parse error so Load can report it once.
type reader struct {
	lookup Lookup
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	if r.lookup == nil {
		return "", false
	}
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) fail(key, value string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("parse %s=%q: %w", key, value, err)
	}
}

func (r *reader) string(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.fail(key, v, errors.New("not a boolean"))
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

// duration accepts Go duration syntax or a bare number of seconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	v, ok := r.raw(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
