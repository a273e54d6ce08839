// Package container implements the Container Manager (B): launching,
// inspecting, execing into, and stopping the per-session sandbox
// containers, plus their HTTP health probe.
package container

import (
	"context"
	"time"
)

// LaunchSpec describes a container to launch. The scheduler derives these
// fields from a Target (§4.7): env keys like REMOTE_CLIENT_TYPE,
// REMOTE_VPN_TYPE, HOST_IP, HOST_PORT, VPN_*, REMOTE_USERNAME,
// REMOTE_PASSWORD, WIDTH, HEIGHT are all passed through Env.
type LaunchSpec struct {
	Image       string
	Name        string
	Env         map[string]string
	NetworkMode string
	CapAdd      []string
	Devices     []string
}

// Info is what Inspect returns about a running (or stopped) container.
type Info struct {
	ID      string
	Running bool
	Networks map[string]NetworkInfo
}

// NetworkInfo is a single Docker network attachment.
type NetworkInfo struct {
	IPAddress string
	Bridge    bool
}

// HealthResult is the sandbox's /health response.
type HealthResult struct {
	Healthy bool
	Reason  string
}

// Manager is the interface the rest of the orchestrator depends on. It is
// satisfied by DockerManager (backed by a real Docker daemon) and by fakes
// in tests.
type Manager interface {
	Launch(ctx context.Context, spec LaunchSpec) (containerID string, err error)
	Inspect(ctx context.Context, containerID string) (Info, error)
	GetIP(ctx context.Context, containerID string) (string, error)
	Exec(ctx context.Context, containerID string, argv []string) (stdout string, err error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Health(ctx context.Context, containerIP string) (HealthResult, error)
}

// OpenVPNCapabilities are the capability/device additions the launch spec
// needs when a target's sandbox routes through OpenVPN (§4.6).
var OpenVPNCapabilities = []string{"NET_ADMIN", "NET_RAW"}

// OpenVPNDevices are the device passthroughs OpenVPN sandboxes require.
var OpenVPNDevices = []string{"/dev/net/tun"}
