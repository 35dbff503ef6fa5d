package subserver

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
)

// ContainerRuntime abstracts the host container engine so the supervisor can
// be tested without a daemon.
type ContainerRuntime interface {
	// Start launches a detached container and returns its id. The container
	// is created with auto-remove so a stop also cleans it up.
	Start(ctx context.Context, name string, dep *ContainerDeployment, env map[string]string) (string, error)
	// Stop terminates the named container. Must tolerate an already-gone
	// container.
	Stop(ctx context.Context, name string) error
	// Alive reports whether the container is still running.
	Alive(ctx context.Context, containerID string) (bool, error)
	Close() error
}

// DockerRuntime is the ContainerRuntime backed by the local Docker daemon.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the daemon using the standard environment
// configuration.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Start(ctx context.Context, name string, dep *ContainerDeployment, env map[string]string) (string, error) {
	image := dep.Image
	if dep.Tag != "" {
		image = dep.Image + ":" + dep.Tag
	}

	exposed, bindings, err := nat.ParsePortSpecs(dep.Ports)
	if err != nil {
		return "", fmt.Errorf("parse port specs: %w", err)
	}

	hostCfg := &container.HostConfig{
		AutoRemove:   true,
		Binds:        dep.Volumes,
		PortBindings: bindings,
		Runtime:      dep.Runtime,
	}

	var netCfg *network.NetworkingConfig
	if dep.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				dep.Network: {},
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Env:          envSlice(env),
			ExposedPorts: exposed,
		},
		hostCfg,
		netCfg,
		nil,
		name,
	)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start container %s: %w", name, err)
	}

	log.Info().
		Str("container_id", shortID(resp.ID)).
		Str("container_name", name).
		Str("image", image).
		Msg("Sub-server container started")

	return resp.ID, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, name string) error {
	timeout := 30
	err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && client.IsErrNotFound(err) {
		return nil
	}
	return err
}

func (d *DockerRuntime) Alive(ctx context.Context, containerID string) (bool, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (d *DockerRuntime) Close() error {
	if d.cli != nil {
		return d.cli.Close()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
