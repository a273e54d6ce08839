package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestComputerToolMissingRequiredParam(t *testing.T) {
	ct := NewComputerTool(Computer20241022, "10.0.0.1", 1024, 768)
	result, err := ct.Execute(context.Background(), json.RawMessage(`{"action":"left_click"}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(result.Output, "missing required parameter") {
		t.Errorf("expected missing-parameter output, got %q", result.Output)
	}
}

func TestComputerToolUnreachableSandboxYieldsResultError(t *testing.T) {
	// The computer tool always targets ContainerIP:8088; a nonexistent
	// host should surface as a Result error, never a Go error, since
	// dispatch failures must route back through the loop as tool results.
	ct := NewComputerTool(Computer20241022, "203.0.113.1", 1024, 768)
	ct.HTTPClient = &http.Client{Timeout: 200 * time.Millisecond}

	result, err := ct.Execute(context.Background(), json.RawMessage(`{"action":"screenshot"}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.Failed() {
		t.Error("expected a failed Result for an unreachable sandbox")
	}
}

func TestExtractionToolValidatesSchema(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"balance": map[string]any{"type": "number"},
		},
	}
	et := NewExtractionTool(schema)

	result, err := et.Execute(context.Background(), json.RawMessage(`{"data":{"balance":"not-a-number"}}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !result.Failed() {
		t.Error("expected validation failure for wrong type")
	}

	result, err = et.Execute(context.Background(), json.RawMessage(`{"data":{"balance":12.5}}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Failed() {
		t.Errorf("expected success, got error: %s", result.Error)
	}
}

func TestExtractionToolUnwrapsResultBeforeValidating(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"sum": map[string]any{"type": "number"}},
	}
	et := NewExtractionTool(schema)

	result, err := et.Execute(context.Background(), json.RawMessage(`{"data":{"result":{"sum":5}}}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Failed() {
		t.Fatalf("expected success validating the unwrapped result, got error: %s", result.Error)
	}
	if result.Output != "{\n  \"sum\": 5\n}" {
		t.Errorf("expected stashed output to be the unwrapped result, got %q", result.Output)
	}
}

func TestUINotAsExpectedRequiresReasoning(t *testing.T) {
	tl := NewUINotAsExpectedTool()
	result, err := tl.Execute(context.Background(), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(result.Output, "missing required parameter") {
		t.Errorf("expected missing-parameter output, got %q", result.Output)
	}
}

func TestCustomActionRunsSequence(t *testing.T) {
	fakeTool := &fakeTool{name: "computer"}
	collection := NewCollection(fakeTool)
	sequences := map[string][]Step{
		"open_notepad": {
			{ToolName: "computer", Input: json.RawMessage(`{"action":"key","text":"Super_L"}`)},
		},
	}
	ca := NewCustomActionTool(collection, sequences)

	result, err := ca.Execute(context.Background(), json.RawMessage(`{"action_id":"open_notepad"}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result.Failed() {
		t.Errorf("expected success, got error: %s", result.Error)
	}
	if fakeTool.calls != 1 {
		t.Errorf("expected 1 call to the underlying tool, got %d", fakeTool.calls)
	}
}

type fakeTool struct {
	name  string
	calls int
}

func (f *fakeTool) Name() string                 { return f.name }
func (f *fakeTool) InputSchema() map[string]any  { return map[string]any{} }
func (f *fakeTool) InternalSpec() map[string]any { return map[string]any{} }
func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	f.calls++
	return Result{Output: "ok"}, nil
}
