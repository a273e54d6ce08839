package container

import (
	"context"
	"testing"
)

func TestFakeLaunchAndInspect(t *testing.T) {
	m := NewFake()
	id, err := m.Launch(context.Background(), LaunchSpec{Image: "sandbox:latest", Name: "t1"})
	if err != nil {
		t.Fatalf("Launch() error: %v", err)
	}

	info, err := m.Inspect(context.Background(), id)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if !info.Running {
		t.Error("expected fake container to report Running=true")
	}

	ip, err := m.GetIP(context.Background(), id)
	if err != nil {
		t.Fatalf("GetIP() error: %v", err)
	}
	if ip == "" {
		t.Error("expected non-empty IP")
	}
}

func TestFakeHealth(t *testing.T) {
	m := NewFake()
	res, err := m.Health(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if !res.Healthy {
		t.Error("expected healthy by default")
	}

	m.SetHealthy(false)
	res, err = m.Health(context.Background(), "10.0.0.1")
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if res.Healthy {
		t.Error("expected unhealthy after SetHealthy(false)")
	}
}
