package controller

import (
	"context"
	"fmt"
	"io"
	"strconv"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/rs/zerolog/log"

	"github.com/lisehq/lise/api/pkg/types"
)

// desktopPort is the VNC port every environment image exposes.
const desktopPort = "5901/tcp"

// DockerEngine drives environments through a Docker daemon. Each
// environment publishes its desktop port on an ephemeral host port so
// multiple teams can run on one host.
type DockerEngine struct {
	cli  *client.Client
	host string
}

var _ Engine = &DockerEngine{}

// NewDockerEngine connects to the daemon configured by the environment
// (DOCKER_HOST etc). Endpoints are advertised with the given host,
// which must be reachable from agents.
func NewDockerEngine(advertiseHost string) (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if advertiseHost == "" {
		advertiseHost = "127.0.0.1"
	}
	return &DockerEngine{cli: cli, host: advertiseHost}, nil
}

func (e *DockerEngine) Build(ctx context.Context, image string) error {
	_, _, err := e.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		log.Debug().Str("image", image).Msg("image already present")
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", image, err)
	}

	log.Info().Str("image", image).Msg("pulling environment image")
	reader, err := e.cli.ImagePull(ctx, image, dockertypes.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	defer reader.Close()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull progress for %s: %w", image, err)
	}
	return nil
}

func (e *DockerEngine) Run(ctx context.Context, image string, limits types.ResourceLimits) (string, types.Endpoint, error) {
	containerConfig := &container.Config{
		Image: image,
		ExposedPorts: nat.PortSet{
			desktopPort: struct{}{},
		},
	}

	hostConfig, err := e.buildHostConfig(limits)
	if err != nil {
		return "", types.Endpoint{}, err
	}

	resp, err := e.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return "", types.Endpoint{}, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Cleanup on failure
		_ = e.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", types.Endpoint{}, fmt.Errorf("failed to start container: %w", err)
	}

	endpoint, err := e.publishedEndpoint(ctx, resp.ID)
	if err != nil {
		_ = e.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", types.Endpoint{}, err
	}

	log.Info().
		Str("container_id", resp.ID).
		Str("image", image).
		Str("endpoint", endpoint.Addr()).
		Msg("environment container started")

	return resp.ID, endpoint, nil
}

func (e *DockerEngine) buildHostConfig(limits types.ResourceLimits) (*container.HostConfig, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: "bridge",
		PortBindings: nat.PortMap{
			desktopPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}},
		},
	}

	if limits.CPUs > 0 {
		hostConfig.Resources.NanoCPUs = int64(limits.CPUs * 1e9)
	}
	if limits.Memory != "" {
		mem, err := units.RAMInBytes(limits.Memory)
		if err != nil {
			return nil, fmt.Errorf("parsing memory limit %q: %w", limits.Memory, err)
		}
		hostConfig.Resources.Memory = mem
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		hostConfig.Resources.PidsLimit = &pids
	}
	return hostConfig, nil
}

// publishedEndpoint reads the ephemeral host port Docker mapped for the
// desktop service.
func (e *DockerEngine) publishedEndpoint(ctx context.Context, containerID string) (types.Endpoint, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[nat.Port(desktopPort)]
	if len(bindings) == 0 {
		return types.Endpoint{}, fmt.Errorf("container %s has no published desktop port", containerID)
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return types.Endpoint{}, fmt.Errorf("bad host port %q: %w", bindings[0].HostPort, err)
	}
	return types.Endpoint{Host: e.host, Port: port}, nil
}

func (e *DockerEngine) Stop(ctx context.Context, containerID string) error {
	// Disposable training environments: short stop timeout, then force
	// remove.
	timeout := 2
	if err := e.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		log.Warn().Err(err).Str("container_id", containerID).Msg("failed to stop container gracefully")
	}
	if err := e.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (e *DockerEngine) Status(ctx context.Context, containerID string) (types.EngineStatus, error) {
	inspect, err := e.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return types.EngineStatusMissing, nil
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.State != nil && inspect.State.Running {
		return types.EngineStatusRunning, nil
	}
	return types.EngineStatusExited, nil
}

// Close releases the Docker client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}
