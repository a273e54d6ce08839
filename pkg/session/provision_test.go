package session

import (
	"testing"

	"github.com/google/uuid"
)

func TestProvisionerTryBeginDedupesConcurrentAttempts(t *testing.T) {
	p := NewProvisioner(nil, "legacy-use-target:latest")
	targetID := uuid.New()

	if !p.TryBegin(targetID) {
		t.Fatal("expected first attempt to succeed")
	}
	if p.TryBegin(targetID) {
		t.Fatal("expected second concurrent attempt for the same target to fail")
	}

	p.End(targetID)
	if !p.TryBegin(targetID) {
		t.Error("expected TryBegin to succeed again after End")
	}
}
