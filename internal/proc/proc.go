// Package proc launches detached background services and reports on them.
//
// Started processes run in their own session so they outlive the bootstrap
// run. Their stdout and stderr go to an append-only log file.
package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const maxTailLogBytes = 4 * 1024

// ErrBinaryMissing reports that the executable (or container engine) needed
// to start a service is not available on this host.
var ErrBinaryMissing = errors.New("binary missing")

var (
	procLookPath = exec.LookPath
	procStat     = os.Stat
)

// Spec describes one service launch.
type Spec struct {
	Name    string
	Command string
	Args    []string
	// Env holds extra KEY=VALUE pairs appended to the inherited environment.
	Env     []string
	Dir     string
	LogPath string
	// Image selects the container launcher when non-empty.
	Image string
	// Ports are published container ports in docker "host:container" form.
	Ports []string
}

// Handle identifies a started service.
type Handle struct {
	Name        string
	PID         int
	ContainerID string
	LogPath     string
}

func (h Handle) String() string {
	if h.ContainerID != "" {
		return fmt.Sprintf("%s (container %.12s)", h.Name, h.ContainerID)
	}
	return fmt.Sprintf("%s (pid %d)", h.Name, h.PID)
}

// Launcher starts services. Start returns an error wrapping ErrBinaryMissing
// when the service cannot be launched on this host at all.
type Launcher interface {
	Available(spec Spec) bool
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Exec launches host processes.
type Exec struct{}

func (Exec) Available(spec Spec) bool {
	_, err := ResolveBinary(spec.Command)
	return err == nil
}

func (Exec) Start(_ context.Context, spec Spec) (Handle, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Handle{}, fmt.Errorf("service name is required")
	}
	log := slog.With("component", "proc", "service", name)

	bin, err := ResolveBinary(spec.Command)
	if err != nil {
		return Handle{}, err
	}

	logFile, err := openLog(spec.LogPath)
	if err != nil {
		return Handle{}, fmt.Errorf("open %s log: %w", name, err)
	}

	cmd := exec.Command(bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detach(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return Handle{}, fmt.Errorf("start %s: %w", name, err)
	}
	pid := cmd.Process.Pid
	go reap(cmd, logFile, log)

	log.Info("started", "pid", pid, "binary", bin, "log", spec.LogPath)
	return Handle{Name: name, PID: pid, LogPath: spec.LogPath}, nil
}

// ResolveBinary returns the executable for command. Commands containing a
// path separator must point at an executable file; bare names go through PATH.
func ResolveBinary(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("empty command: %w", ErrBinaryMissing)
	}
	if strings.ContainsRune(command, filepath.Separator) {
		ok, err := isExecutableFile(command)
		if err != nil || !ok {
			return "", fmt.Errorf("%s is not an executable file: %w", command, ErrBinaryMissing)
		}
		return command, nil
	}
	path, err := procLookPath(command)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH: %w", command, ErrBinaryMissing)
	}
	return path, nil
}

func isExecutableFile(path string) (bool, error) {
	st, err := procStat(path)
	if err != nil {
		return false, err
	}
	if st.IsDir() {
		return false, nil
	}
	return st.Mode()&0o111 != 0, nil
}

func openLog(path string) (*os.File, error) {
	if strings.TrimSpace(path) == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func reap(cmd *exec.Cmd, logFile *os.File, log *slog.Logger) {
	err := cmd.Wait()
	_ = logFile.Close()
	if err != nil {
		log.Debug("process exited with error", "pid", cmd.Process.Pid, "err", err)
		return
	}
	log.Debug("process exited", "pid", cmd.Process.Pid)
}

// TailLog returns the last few KiB of a log file, or "" if unreadable.
func TailLog(path string) string {
	if strings.TrimSpace(path) == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > maxTailLogBytes {
		data = data[len(data)-maxTailLogBytes:]
	}
	return strings.TrimSpace(string(data))
}

// Router sends container specs to Containers and everything else to Host.
type Router struct {
	Host       Launcher
	Containers Launcher
}

func (r Router) pick(spec Spec) Launcher {
	if strings.TrimSpace(spec.Image) != "" {
		return r.Containers
	}
	return r.Host
}

func (r Router) Available(spec Spec) bool {
	l := r.pick(spec)
	return l != nil && l.Available(spec)
}

func (r Router) Start(ctx context.Context, spec Spec) (Handle, error) {
	l := r.pick(spec)
	if l == nil {
		return Handle{}, fmt.Errorf("no launcher for %s: %w", spec.Name, ErrBinaryMissing)
	}
	return l.Start(ctx, spec)
}
