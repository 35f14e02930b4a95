package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/edgefleet/scheduler/pkg/types"
)

// DockerEngine is the production ContainerEngine, talking to the Docker
// Engine's REST API over the official client.
type DockerEngine struct {
	cli *client.Client
}

// NewDockerEngine builds a DockerEngine from the host's ambient Docker
// configuration (DOCKER_HOST, DOCKER_CERT_PATH, etc).
func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("engine: building docker client: %w", err)
	}
	return &DockerEngine{cli: cli}, nil
}

// Ping fails fast if the configured engine endpoint is unreachable.
func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("engine: ping: %w", err)
	}
	return nil
}

// CreateContainer creates the container described by spec and returns its
// ID without starting it.
func (d *DockerEngine) CreateContainer(ctx context.Context, nodeIP string, spec types.ContainerSpec) (string, error) {
	exposedPorts, portBindings, err := portMapping(spec)
	if err != nil {
		return "", fmt.Errorf("engine: mapping ports: %w", err)
	}

	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmds,
		Env:          spec.Env,
		Tty:          spec.HasTTY,
		ExposedPorts: exposedPorts,
	}
	if len(spec.Args) > 0 {
		config.Cmd = append(append([]string{}, spec.Cmds...), spec.Args...)
	}

	hostConfig := &container.HostConfig{
		Binds:        spec.Binds,
		Privileged:   spec.Privileged,
		PortBindings: portBindings,
	}
	for _, dev := range spec.Devices {
		hostConfig.Devices = append(hostConfig.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("engine: container create: %w", err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (d *DockerEngine) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("engine: container start: %w", err)
	}
	return nil
}

// RemoveContainer force-removes containerID without removing its volumes
// and without following links, matching the spec's drain-then-remove call
// shape (v=false, force=true, link=false).
func (d *DockerEngine) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: false,
		RemoveLinks:   false,
		Force:         true,
	})
	if err != nil {
		return fmt.Errorf("engine: container remove: %w", err)
	}
	return nil
}

func portMapping(spec types.ContainerSpec) (nat.PortSet, nat.PortMap, error) {
	if spec.ContainerPort == 0 {
		return nil, nil, nil
	}

	containerPort, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing container port: %w", err)
	}

	exposedPorts := nat.PortSet{containerPort: struct{}{}}
	portBindings := nat.PortMap{
		containerPort: []nat.PortBinding{
			{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)},
		},
	}
	return exposedPorts, portBindings, nil
}
