package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// UINotAsExpectedTool lets the model signal that the screen doesn't match
// what the task expects. This is an intentional pause, not an error: the
// sampling loop treats it as terminal with status=paused.
type UINotAsExpectedTool struct{}

func NewUINotAsExpectedTool() *UINotAsExpectedTool { return &UINotAsExpectedTool{} }

func (t *UINotAsExpectedTool) Name() string { return "ui_not_as_expected" }

func (t *UINotAsExpectedTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reasoning": map[string]any{
				"type":        "string",
				"description": "Why the current screen does not match what was expected",
			},
		},
		"required": []string{"reasoning"},
	}
}

func (t *UINotAsExpectedTool) InternalSpec() map[string]any {
	return map[string]any{
		"name":        "ui_not_as_expected",
		"description": "Use this tool when the screen state doesn't match what the task expects, to pause for operator review.",
	}
}

type uiNotAsExpectedInput struct {
	Reasoning string `json:"reasoning"`
}

func (t *UINotAsExpectedTool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	var in uiNotAsExpectedInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{Error: fmt.Sprintf("invalid ui_not_as_expected input: %s", err)}, nil
	}
	if in.Reasoning == "" {
		return MissingParamResult("ui_not_as_expected", []string{"reasoning"}), nil
	}
	return Result{
		Output: in.Reasoning,
		System: "UI Mismatch Detected",
	}, nil
}
