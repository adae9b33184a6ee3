package proc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerHostGateway is the name a bridge-networked container uses to reach
// the host.
const DockerHostGateway = "host.docker.internal"

// DockerAPI is the subset of the Docker client the container launcher uses.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, name string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, name string, opts container.RemoveOptions) error
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, net *dockernetwork.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, name string, opts container.StartOptions) error
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
}

// Containers launches services as detached Docker containers.
type Containers struct {
	API    DockerAPI
	Prefix string
}

// NewContainers connects to the Docker daemon configured in the environment.
// The connection is lazy; an unreachable daemon surfaces on first use.
func NewContainers(prefix string) (*Containers, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Containers{API: cli, Prefix: prefix}, nil
}

func (c *Containers) Available(Spec) bool {
	if c == nil || c.API == nil {
		return false
	}
	_, err := c.API.Ping(context.Background())
	return err == nil
}

func (c *Containers) containerName(spec Spec) string {
	if c.Prefix == "" {
		return spec.Name
	}
	return c.Prefix + "-" + spec.Name
}

func (c *Containers) Start(ctx context.Context, spec Spec) (Handle, error) {
	if c == nil || c.API == nil {
		return Handle{}, fmt.Errorf("docker unavailable: %w", ErrBinaryMissing)
	}
	if _, err := c.API.Ping(ctx); err != nil {
		return Handle{}, fmt.Errorf("docker daemon unreachable (%v): %w", err, ErrBinaryMissing)
	}

	name := c.containerName(spec)
	log := slog.With("component", "proc", "mode", "container", "service", spec.Name, "container", name)

	existing, err := c.API.ContainerInspect(ctx, name)
	switch {
	case err == nil && existing.State != nil && existing.State.Running:
		log.Info("container already running")
		return Handle{Name: spec.Name, ContainerID: existing.ID}, nil
	case err == nil:
		if err := c.API.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
			return Handle{}, fmt.Errorf("remove stale %s container: %w", spec.Name, err)
		}
	case !errdefs.IsNotFound(err):
		return Handle{}, fmt.Errorf("inspect %s container: %w", spec.Name, err)
	}

	cfg, hostCfg, err := containerConfigs(spec)
	if err != nil {
		return Handle{}, err
	}

	created, err := c.API.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return Handle{}, fmt.Errorf("create %s container: %w", spec.Name, err)
		}
		log.Info("pulling image", "image", spec.Image)
		pull, pullErr := c.API.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			return Handle{}, fmt.Errorf("pull %s: %w", spec.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, pull)
		_ = pull.Close()
		if created, err = c.API.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name); err != nil {
			return Handle{}, fmt.Errorf("create %s container after pull: %w", spec.Name, err)
		}
	}

	if err := c.API.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Handle{}, fmt.Errorf("start %s container: %w", spec.Name, err)
	}
	log.Info("container started", "id", created.ID)
	return Handle{Name: spec.Name, ContainerID: created.ID}, nil
}

func containerConfigs(spec Spec) (*container.Config, *container.HostConfig, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		Labels: map[string]string{
			"meshboot.service": spec.Name,
		},
	}
	if len(spec.Args) > 0 {
		cfg.Cmd = spec.Args
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	if len(spec.Ports) == 0 {
		hostCfg.NetworkMode = dockernetwork.NetworkHost
		return cfg, hostCfg, nil
	}
	exposed, bindings, err := nat.ParsePortSpecs(spec.Ports)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s ports %s: %w", spec.Name, strings.Join(spec.Ports, ","), err)
	}
	cfg.ExposedPorts = exposed
	hostCfg.PortBindings = bindings
	hostCfg.ExtraHosts = []string{DockerHostGateway + ":host-gateway"}
	return cfg, hostCfg, nil
}
