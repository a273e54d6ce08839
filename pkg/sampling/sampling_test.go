package sampling

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/provider"
	"github.com/nightrunner/orchestrator/pkg/tool"
)

func TestBuildSystemPromptEmbedsDateAndSuffix(t *testing.T) {
	now := time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)
	out := BuildSystemPrompt("Extra instructions.", now)

	if !strings.HasPrefix(out, "<SYSTEM_CAPABILITY>") {
		t.Fatalf("expected prompt to start with the capability marker, got: %s", out[:40])
	}
	if !strings.Contains(out, "Friday, July 31, 2026") {
		t.Errorf("expected formatted date in prompt, got: %s", out)
	}
	if !strings.HasSuffix(out, "Extra instructions.") {
		t.Errorf("expected suffix appended at end, got: %s", out)
	}
}

func TestBuildSystemPromptNoSuffix(t *testing.T) {
	now := time.Date(2026, time.July, 31, 0, 0, 0, 0, time.UTC)
	out := BuildSystemPrompt("", now)
	if !strings.HasSuffix(out, "</SYSTEM_CAPABILITY>") {
		t.Errorf("expected prompt to end with closing tag when no suffix given")
	}
}

func TestTrailingPendingToolUse(t *testing.T) {
	blocks := []provider.Block{{Type: provider.BlockToolUse, ID: "t1", Name: "computer"}}
	encoded, _ := json.Marshal(blocks)

	messages := []job.Message{
		{Role: job.RoleUser, Content: json.RawMessage(`[{"type":"text","text":"hi"}]`)},
		{Role: job.RoleAssistant, Content: encoded},
	}

	pending := trailingPendingToolUse(messages)
	if len(pending) != 1 || pending[0].ID != "t1" {
		t.Fatalf("expected one pending tool_use with ID t1, got %#v", pending)
	}
}

func TestTrailingPendingToolUseNoneWhenLastIsUser(t *testing.T) {
	messages := []job.Message{
		{Role: job.RoleAssistant, Content: json.RawMessage(`[{"type":"text","text":"ok"}]`)},
		{Role: job.RoleUser, Content: json.RawMessage(`[{"type":"tool_result","tool_use_id":"t1"}]`)},
	}
	if pending := trailingPendingToolUse(messages); len(pending) != 0 {
		t.Errorf("expected no pending tool uses when the trailing message is a user turn")
	}
}

func TestToCanonicalMessagesRoundTrips(t *testing.T) {
	messages := []job.Message{
		{Role: job.RoleUser, Content: json.RawMessage(`[{"type":"text","text":"hello"}]`)},
		{Role: job.RoleAssistant, Content: json.RawMessage(`[{"type":"text","text":"hi there"}]`)},
	}
	out, err := toCanonicalMessages(messages)
	if err != nil {
		t.Fatalf("toCanonicalMessages: %v", err)
	}
	if len(out) != 2 || out[0].Role != provider.RoleUser || out[1].Role != provider.RoleAssistant {
		t.Fatalf("unexpected canonical messages: %#v", out)
	}
	if out[0].Content[0].Text != "hello" {
		t.Errorf("expected text preserved, got %q", out[0].Content[0].Text)
	}
}

func TestToolResultBlockSuccessAndFailure(t *testing.T) {
	ok := toolResultBlock("t1", tool.Result{Output: "done", Base64Image: "abc"})
	if ok.IsError || len(ok.Content) != 2 {
		t.Fatalf("expected a 2-block success result, got %#v", ok)
	}

	failed := toolResultBlock("t2", tool.Result{Error: "boom"})
	if !failed.IsError || failed.Content[0].Text != "boom" {
		t.Fatalf("expected an error result carrying the error text, got %#v", failed)
	}
}

func TestExtractionDataPullsDataField(t *testing.T) {
	input := json.RawMessage(`{"data":{"balance":42}}`)
	data := extractionData(input)
	if data == nil {
		t.Fatal("expected non-nil extraction data")
	}
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if decoded["balance"].(float64) != 42 {
		t.Errorf("expected balance 42, got %#v", decoded)
	}
}

func TestExtractionDataUnwrapsResultField(t *testing.T) {
	input := json.RawMessage(`{"data":{"result":{"sum":5}}}`)
	data := extractionData(input)
	if data == nil {
		t.Fatal("expected non-nil extraction data")
	}
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if _, hasResult := decoded["result"]; hasResult {
		t.Errorf("expected result wrapper unwrapped, got %#v", decoded)
	}
	if decoded["sum"].(float64) != 5 {
		t.Errorf("expected sum 5, got %#v", decoded)
	}
}

func TestExtractionDataInvalidInput(t *testing.T) {
	if data := extractionData(json.RawMessage(`not json`)); data != nil {
		t.Errorf("expected nil data for invalid input, got %s", data)
	}
}

func TestToCustomActionStepsConvertsAndPreservesOrder(t *testing.T) {
	actions := map[string][]apidefinition.CustomActionStep{
		"login": {
			{ToolName: "computer", Input: json.RawMessage(`{"action":"screenshot"}`)},
			{ToolName: "computer", Input: json.RawMessage(`{"action":"left_click"}`)},
		},
	}

	steps := toCustomActionSteps(actions)

	if len(steps["login"]) != 2 {
		t.Fatalf("expected 2 steps for login, got %d", len(steps["login"]))
	}
	if steps["login"][1].ToolName != "computer" {
		t.Errorf("expected step order preserved, got %#v", steps["login"])
	}
}

func TestToCustomActionStepsEmpty(t *testing.T) {
	if steps := toCustomActionSteps(nil); steps != nil {
		t.Errorf("expected nil for no custom actions, got %#v", steps)
	}
}

func TestMustBlocksJSONRoundTrips(t *testing.T) {
	encoded := mustBlocksJSON([]provider.Block{{Type: provider.BlockText, Text: "hi"}})
	var decoded []provider.Block
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(decoded) != 1 || decoded[0].Text != "hi" {
		t.Fatalf("unexpected round trip: %#v", decoded)
	}
}

func TestDescribeReason(t *testing.T) {
	if describeReason("") != "" {
		t.Error("expected empty reason to produce empty suffix")
	}
	if got := describeReason("boom"); got != ": boom" {
		t.Errorf("describeReason(%q) = %q", "boom", got)
	}
}
