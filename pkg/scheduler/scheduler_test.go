package scheduler

import (
	"testing"

	"github.com/google/uuid"
)

func TestAdvisoryKeyDeterministicPerSchemaAndTarget(t *testing.T) {
	targetID := uuid.New()

	a := advisoryKey("tenant_acme", targetID)
	b := advisoryKey("tenant_acme", targetID)
	if a != b {
		t.Errorf("expected advisoryKey to be deterministic, got %d and %d", a, b)
	}

	c := advisoryKey("tenant_other", targetID)
	if a == c {
		t.Error("expected different schemas to produce different advisory keys")
	}

	d := advisoryKey("tenant_acme", uuid.New())
	if a == d {
		t.Error("expected different targets to produce different advisory keys")
	}
}
