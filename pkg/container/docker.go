package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// DockerManager implements Manager against a real Docker daemon. One
// instance is shared process-wide; the underlying client is safe for
// concurrent use.
type DockerManager struct {
	cli        *client.Client
	logger     *slog.Logger
	httpClient *http.Client
}

// NewDockerManager dials the Docker daemon at host (e.g. "unix:///var/run/docker.sock").
func NewDockerManager(host string, logger *slog.Logger) (*DockerManager, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerManager{
		cli:        cli,
		logger:     logger,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Launch creates and starts a sandbox container from the given spec.
func (m *DockerManager) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		CapAdd:      spec.CapAdd,
	}
	for _, dev := range spec.Devices {
		hostCfg.Devices = append(hostCfg.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	resp, err := m.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Env:   env,
	}, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", resp.ID, err)
	}

	return resp.ID, nil
}

// Inspect reports the container's running state and network attachments.
func (m *DockerManager) Inspect(ctx context.Context, containerID string) (Info, error) {
	details, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return Info{}, fmt.Errorf("inspecting container %s: %w", containerID, err)
	}

	info := Info{
		ID:       details.ID,
		Networks: make(map[string]NetworkInfo),
	}
	if details.State != nil {
		info.Running = details.State.Running
	}
	if details.NetworkSettings != nil {
		for name, net := range details.NetworkSettings.Networks {
			info.Networks[name] = NetworkInfo{
				IPAddress: net.IPAddress,
				Bridge:    name == "bridge",
			}
		}
	}
	return info, nil
}

// GetIP returns the first non-bridge network's IPv4 address, per §4.6.
func (m *DockerManager) GetIP(ctx context.Context, containerID string) (string, error) {
	info, err := m.Inspect(ctx, containerID)
	if err != nil {
		return "", err
	}
	for _, net := range info.Networks {
		if net.Bridge || net.IPAddress == "" {
			continue
		}
		return net.IPAddress, nil
	}
	// Fall back to the bridge network if that's all there is.
	if net, ok := info.Networks["bridge"]; ok && net.IPAddress != "" {
		return net.IPAddress, nil
	}
	return "", fmt.Errorf("container %s: no network with an IP address", containerID)
}

// Exec runs argv inside the container and returns stdout. Used to read
// /proc/loadavg for diagnostics.
func (m *DockerManager) Exec(ctx context.Context, containerID string, argv []string) (string, error) {
	execResp, err := m.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("creating exec in container %s: %w", containerID, err)
	}

	attach, err := m.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("attaching exec in container %s: %w", containerID, err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attach.Reader); err != nil {
		return "", fmt.Errorf("reading exec output from container %s: %w", containerID, err)
	}

	return strings.TrimSpace(buf.String()), nil
}

// Stop stops the container, giving it timeout to exit gracefully.
func (m *DockerManager) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stopping container %s: %w", containerID, err)
	}
	return nil
}

// Remove deletes the container.
func (m *DockerManager) Remove(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// Health probes the sandbox's /health endpoint on port 8088 (§4.6).
func (m *DockerManager) Health(ctx context.Context, containerIP string) (HealthResult, error) {
	url := fmt.Sprintf("http://%s:8088/health", containerIP)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthResult{}, fmt.Errorf("building health request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return HealthResult{Healthy: false, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HealthResult{Healthy: false, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}, nil
	}

	var body HealthResult
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		// A 200 with an unparsable body is treated as healthy but unexplained.
		return HealthResult{Healthy: true}, nil
	}
	return body, nil
}
