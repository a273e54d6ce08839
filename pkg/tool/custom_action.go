package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Step is one pre-recorded tool call within a custom action sequence.
type Step struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// CustomActionTool runs a pre-recorded sequence of tool calls, short-
// circuiting the model for deterministic steps (§4.4, optional).
type CustomActionTool struct {
	collection *Collection
	sequences  map[string][]Step
}

// NewCustomActionTool creates a CustomActionTool that dispatches its steps
// through collection and looks up sequences by action_id.
func NewCustomActionTool(collection *Collection, sequences map[string][]Step) *CustomActionTool {
	return &CustomActionTool{collection: collection, sequences: sequences}
}

func (c *CustomActionTool) Name() string { return "custom_action" }

func (c *CustomActionTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action_id": map[string]any{
				"type":        "string",
				"description": "The action id of the custom action",
			},
		},
		"required": []string{"action_id"},
	}
}

func (c *CustomActionTool) InternalSpec() map[string]any {
	return map[string]any{
		"name":        "custom_action",
		"description": "Use this tool when you need to perform a custom action.",
	}
}

type customActionInput struct {
	ActionID string `json:"action_id"`
}

func (c *CustomActionTool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	var in customActionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{Error: fmt.Sprintf("invalid custom_action input: %s", err)}, nil
	}
	if in.ActionID == "" {
		return MissingParamResult("custom_action", []string{"action_id"}), nil
	}

	steps, ok := c.sequences[in.ActionID]
	if !ok {
		return Result{Error: fmt.Sprintf("custom action %q is not recorded", in.ActionID)}, nil
	}

	for _, step := range steps {
		result, err := c.collection.Run(ctx, step.ToolName, step.Input)
		if err != nil {
			return Result{}, fmt.Errorf("running custom action step %s: %w", step.ToolName, err)
		}
		if result.Failed() {
			return result, nil
		}
	}
	return Result{Output: "Success"}, nil
}
