package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

const (
	configPrefix = "relay-"
	configSuffix = ".conf"
)

// Permissions lists the subjects a relay user may publish and subscribe to.
type Permissions struct {
	Publish   []string `json:"publish"`
	Subscribe []string `json:"subscribe"`
}

type User struct {
	User        string      `json:"user"`
	Password    string      `json:"password"`
	Permissions Permissions `json:"permissions"`
}

type Authorization struct {
	Users []User `json:"users"`
}

type Remote struct {
	URL string `json:"url"`
}

type LeafNodes struct {
	Remotes []Remote `json:"remotes"`
}

// RelayConfig is the nats-server configuration for the local leaf relay.
// nats-server accepts JSON as configuration syntax, so Marshal output is
// consumed as-is by "nats-server -c".
type RelayConfig struct {
	Listen        string        `json:"listen"`
	ServerName    string        `json:"server_name"`
	Authorization Authorization `json:"authorization"`
	LeafNodes     *LeafNodes    `json:"leafnodes,omitempty"`
}

// WorkerSubjects returns the subjects granted to the worker identity under
// namespace ns.
func WorkerSubjects(ns string) []string {
	ns = strings.Trim(strings.TrimSpace(ns), ".")
	return []string{
		ns + ".tasks.>",
		ns + ".core.>",
		ns + ".node.>",
		ns + ".mesh.>",
		ns + ".log.>",
		"_INBOX.>",
	}
}

var allSubjects = []string{">"}

// Builder assembles a RelayConfig. The worker identity is mandatory.
type Builder struct {
	listen     string
	serverName string
	namespace  string
	worker     Credential
	core       *Credential
	upstream   string
}

func NewBuilder(listen, serverName string) *Builder {
	return &Builder{listen: listen, serverName: serverName}
}

func (b *Builder) Worker(cred Credential, namespace string) *Builder {
	b.worker = cred
	b.namespace = namespace
	return b
}

// Core adds an identity with unrestricted permissions.
func (b *Builder) Core(cred Credential) *Builder {
	b.core = &cred
	return b
}

// Upstream sets the single leaf-node remote. An empty URL leaves the relay
// without remotes.
func (b *Builder) Upstream(url string) *Builder {
	b.upstream = strings.TrimSpace(url)
	return b
}

func (b *Builder) Build() (RelayConfig, error) {
	if strings.TrimSpace(b.listen) == "" {
		return RelayConfig{}, errors.New("relay listen address is required")
	}
	if b.worker.Empty() {
		return RelayConfig{}, errors.New("relay worker identity is required")
	}
	if strings.Trim(strings.TrimSpace(b.namespace), ".") == "" {
		return RelayConfig{}, errors.New("subject namespace is required")
	}

	subjects := WorkerSubjects(b.namespace)
	users := []User{{
		User:     b.worker.User,
		Password: b.worker.Password,
		Permissions: Permissions{
			Publish:   subjects,
			Subscribe: subjects,
		},
	}}
	if b.core != nil && !b.core.Empty() {
		if b.core.User == b.worker.User {
			return RelayConfig{}, fmt.Errorf("core and worker identities share user %q", b.core.User)
		}
		users = append(users, User{
			User:        b.core.User,
			Password:    b.core.Password,
			Permissions: Permissions{Publish: allSubjects, Subscribe: allSubjects},
		})
	}

	cfg := RelayConfig{
		Listen:        b.listen,
		ServerName:    b.serverName,
		Authorization: Authorization{Users: users},
	}
	if b.upstream != "" {
		cfg.LeafNodes = &LeafNodes{Remotes: []Remote{{URL: b.upstream}}}
	}
	return cfg, nil
}

// PruneConfigs removes relay configs in dir other than keep and returns how
// many were removed.
func PruneConfigs(dir, keep string) int {
	matches, err := filepath.Glob(filepath.Join(dir, configPrefix+"*"+configSuffix))
	if err != nil {
		return 0
	}
	n := 0
	for _, m := range matches {
		if m == keep {
			continue
		}
		if err := os.Remove(m); err == nil {
			n++
		}
	}
	return n
}

func removeConfig(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Debug("remove relay config", "path", path, "err", err)
	}
}

// Marshal renders cfg in nats-server configuration syntax.
func Marshal(cfg RelayConfig) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal relay config: %w", err)
	}
	return append(data, '\n'), nil
}

// ConfigPath is the per-run relay config location under dir.
func ConfigPath(dir, runID string) string {
	return filepath.Join(dir, configPrefix+runID+configSuffix)
}

// WriteConfig writes data to path with owner-only permissions since the file
// holds passwords.
func WriteConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create relay config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write relay config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("install relay config: %w", err)
	}
	return nil
}
