package apidefinition

import (
	"strings"
	"testing"
	"time"
)

func TestSubstitute(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	params := map[string]any{"account": "acme", "limit": 5}

	got := Substitute("fetch {limit} invoices for {{account}} as of {now}", params, now)
	want := "fetch 5 invoices for acme as of " + now.Format(time.RFC3339)
	if got != want {
		t.Errorf("Substitute() = %q, want %q", got, want)
	}
}

func TestSubstituteUnknownPlaceholderLeftAlone(t *testing.T) {
	got := Substitute("value is {mystery}", nil, time.Now())
	if got != "value is {mystery}" {
		t.Errorf("Substitute() = %q, want placeholder untouched", got)
	}
}

func TestInferSchemaIdempotent(t *testing.T) {
	example := `{"balance": 12.5, "items": [{"sku": "x", "qty": 2}], "paid": true}`

	first, err := InferSchema(example)
	if err != nil {
		t.Fatalf("InferSchema() error: %v", err)
	}
	second, err := InferSchema(example)
	if err != nil {
		t.Fatalf("InferSchema() error: %v", err)
	}

	props1 := first["properties"].(map[string]any)
	props2 := second["properties"].(map[string]any)
	if len(props1) != len(props2) {
		t.Errorf("schema not stable across calls: %v vs %v", first, second)
	}
	balance := props1["balance"].(map[string]any)
	if balance["type"] != "number" {
		t.Errorf("balance type = %v, want number", balance["type"])
	}
}

func TestBuildInitialPromptContainsMarker(t *testing.T) {
	v := Version{
		Prompt:          "Check the balance for {account}.",
		PromptCleanup:   "log out",
		ResponseExample: `{"balance": 0}`,
	}
	got, err := BuildInitialPrompt(v, "check_balance", map[string]any{"account": "acme"}, time.Now())
	if err != nil {
		t.Fatalf("BuildInitialPrompt() error: %v", err)
	}
	if !strings.Contains(got, ExtractionMarker) {
		t.Error("expected initial prompt to contain the extraction marker")
	}
	if !strings.Contains(got, "acme") {
		t.Error("expected initial prompt to contain substituted parameter")
	}
	if !strings.Contains(got, "log out") {
		t.Error("expected initial prompt to contain cleanup instructions")
	}
}
