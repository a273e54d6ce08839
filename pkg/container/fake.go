package container

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Manager for tests. Containers are never really
// started; Launch just allocates an ID and records the spec.
type Fake struct {
	mu         sync.Mutex
	containers map[string]LaunchSpec
	ips        map[string]string
	healthy    bool
	nextID     int
}

// NewFake creates a Fake manager that reports containers as healthy.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[string]LaunchSpec),
		ips:        make(map[string]string),
		healthy:    true,
	}
}

// SetHealthy controls what Health returns for all containers.
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = healthy
}

func (f *Fake) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("fake-container-%d", f.nextID)
	f.containers[id] = spec
	f.ips[id] = fmt.Sprintf("10.0.0.%d", f.nextID)
	return id, nil
}

func (f *Fake) Inspect(ctx context.Context, containerID string) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[containerID]; !ok {
		return Info{}, fmt.Errorf("fake container %s not found", containerID)
	}
	return Info{
		ID:      containerID,
		Running: true,
		Networks: map[string]NetworkInfo{
			"sandbox": {IPAddress: f.ips[containerID]},
		},
	}, nil
}

func (f *Fake) GetIP(ctx context.Context, containerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip, ok := f.ips[containerID]
	if !ok {
		return "", fmt.Errorf("fake container %s not found", containerID)
	}
	return ip, nil
}

func (f *Fake) Exec(ctx context.Context, containerID string, argv []string) (string, error) {
	return "", nil
}

func (f *Fake) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	return nil
}

func (f *Fake) Remove(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	delete(f.ips, containerID)
	return nil
}

func (f *Fake) Health(ctx context.Context, containerIP string) (HealthResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.healthy {
		return HealthResult{Healthy: true}, nil
	}
	return HealthResult{Healthy: false, Reason: "fake: unhealthy"}, nil
}

var _ Manager = (*Fake)(nil)
