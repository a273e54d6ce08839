package maintenance

import (
	"testing"
	"time"
)

func TestUntilNextMidnightUTC(t *testing.T) {
	d := untilNextMidnightUTC()
	if d <= 0 || d > 24*time.Hour {
		t.Errorf("expected a duration in (0, 24h], got %v", d)
	}
}

func TestNewDefaultsLockKey(t *testing.T) {
	l := New(nil, nil, nil, Config{})
	if l.cfg.LockKey != "maintenance_v1" {
		t.Errorf("expected default lock key maintenance_v1, got %q", l.cfg.LockKey)
	}
}
