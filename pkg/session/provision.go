package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nightrunner/orchestrator/pkg/container"
	"github.com/nightrunner/orchestrator/pkg/target"
)

// Provisioner creates sessions on demand when the scheduler has a claimable
// job but its target has no ready or initializing session (§4.7). It
// dedupes concurrent provisioning attempts per-process via an in-memory
// pending set; this is a best-effort guard only — two processes racing to
// provision the same target may both succeed, and the lifecycle monitor
// reconciles the surplus via idle cleanup.
type Provisioner struct {
	manager container.Manager
	image   string

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

// NewProvisioner creates a Provisioner that launches containers from the given image.
func NewProvisioner(manager container.Manager, image string) *Provisioner {
	return &Provisioner{
		manager: manager,
		image:   image,
		pending: make(map[uuid.UUID]struct{}),
	}
}

// TryBegin marks targetID as having a provisioning attempt in flight.
// Returns false if one is already pending.
func (p *Provisioner) TryBegin(targetID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[targetID]; ok {
		return false
	}
	p.pending[targetID] = struct{}{}
	return true
}

// End clears the pending marker for targetID.
func (p *Provisioner) End(targetID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, targetID)
}

// Provision creates a session row, launches its container, and updates the
// row with the resulting container ID/IP. On failure the session is left
// (or set) in an error status rather than removed, so the queue-paused
// view and operators can see what happened.
func (p *Provisioner) Provision(ctx context.Context, store *Store, t target.Target) (Session, error) {
	sess, err := store.Create(ctx, t.ID, StateInitializing)
	if err != nil {
		return Session{}, fmt.Errorf("creating session row for target %s: %w", t.ID, err)
	}

	clientType, vpnType := t.ClientAndVPNType()
	spec := container.LaunchSpec{
		Image: p.image,
		Name:  fmt.Sprintf("session-%s", sess.ID),
		Env: map[string]string{
			"REMOTE_CLIENT_TYPE": clientType,
			"REMOTE_VPN_TYPE":    vpnType,
			"HOST_IP":            t.Host,
			"REMOTE_USERNAME":    stringOrEmpty(t.Username),
			"REMOTE_PASSWORD":    t.Password,
			"WIDTH":              fmt.Sprint(t.Width),
			"HEIGHT":             fmt.Sprint(t.Height),
		},
	}
	if t.Port != nil {
		spec.Env["HOST_PORT"] = fmt.Sprint(*t.Port)
	}
	if t.UsesOpenVPN() {
		spec.CapAdd = container.OpenVPNCapabilities
		spec.Env["VPN_CONFIG"] = stringOrEmpty(t.VPNConfig)
		spec.Env["VPN_USERNAME"] = stringOrEmpty(t.VPNUser)
		spec.Env["VPN_PASSWORD"] = stringOrEmpty(t.VPNPass)
		for _, d := range container.OpenVPNDevices {
			spec.Devices = append(spec.Devices, d)
		}
	}

	containerID, err := p.manager.Launch(ctx, spec)
	if err != nil {
		_ = store.SetStatus(ctx, sess.ID, "error")
		return Session{}, fmt.Errorf("launching container for session %s: %w", sess.ID, err)
	}

	containerIP, err := p.manager.GetIP(ctx, containerID)
	if err != nil {
		_ = store.SetStatus(ctx, sess.ID, "error")
		return Session{}, fmt.Errorf("resolving IP for container %s: %w", containerID, err)
	}

	if err := store.SetContainer(ctx, sess.ID, containerID, containerIP, "running"); err != nil {
		return Session{}, fmt.Errorf("recording container for session %s: %w", sess.ID, err)
	}

	sess.ContainerID = &containerID
	sess.ContainerIP = &containerIP
	sess.Status = "running"
	return sess, nil
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
