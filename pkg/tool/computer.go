package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ComputerVersion distinguishes the two wire versions of the computer tool;
// 20250124 adds left_mouse_down/up, scroll, hold_key, wait, triple_click.
type ComputerVersion string

const (
	Computer20241022 ComputerVersion = "computer_20241022"
	Computer20250124 ComputerVersion = "computer_20250124"
)

var actions20241022 = map[string]bool{
	"key": true, "type": true, "mouse_move": true, "left_click": true,
	"left_click_drag": true, "right_click": true, "middle_click": true,
	"double_click": true, "screenshot": true, "cursor_position": true,
}

var actions20250124 = map[string]bool{
	"left_mouse_down": true, "left_mouse_up": true, "scroll": true,
	"hold_key": true, "wait": true, "triple_click": true,
}

// requiredParams lists the required input fields per action, per §4.4.
var requiredParams = map[string][]string{
	"left_click":      {"coordinate"},
	"right_click":     {"coordinate"},
	"middle_click":    {"coordinate"},
	"double_click":    {"coordinate"},
	"triple_click":    {"coordinate"},
	"left_mouse_down": {"coordinate"},
	"left_mouse_up":   {"coordinate"},
	"mouse_move":      {"coordinate"},
	"left_click_drag": {"coordinate", "to"},
	"type":            {"text"},
	"key":             {"text"},
	"hold_key":        {"text", "duration"},
	"scroll":          {"scroll_direction", "scroll_amount"},
	"wait":            {"duration"},
}

const toolTimeout = 60 * time.Second

// ComputerTool forwards mouse/keyboard/screenshot actions to the sandbox's
// tool_use HTTP endpoint. One instance is created per job, bound to the
// session's container IP.
type ComputerTool struct {
	Version     ComputerVersion
	ContainerIP string
	Width       int
	Height      int
	HTTPClient  *http.Client
}

// NewComputerTool creates a ComputerTool targeting containerIP.
func NewComputerTool(version ComputerVersion, containerIP string, width, height int) *ComputerTool {
	return &ComputerTool{
		Version:     version,
		ContainerIP: containerIP,
		Width:       width,
		Height:      height,
		HTTPClient:  &http.Client{Timeout: toolTimeout},
	}
}

func (c *ComputerTool) Name() string { return "computer" }

func (c *ComputerTool) InputSchema() map[string]any {
	actions := []string{}
	for a := range actions20241022 {
		actions = append(actions, a)
	}
	if c.Version == Computer20250124 {
		for a := range actions20250124 {
			actions = append(actions, a)
		}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":           map[string]any{"type": "string", "enum": actions},
			"coordinate":       map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			"to":               map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
			"text":             map[string]any{"type": "string"},
			"duration":         map[string]any{"type": "number"},
			"scroll_direction": map[string]any{"type": "string", "enum": []string{"up", "down", "left", "right"}},
			"scroll_amount":    map[string]any{"type": "integer", "minimum": 0},
		},
		"required": []string{"action"},
	}
}

func (c *ComputerTool) InternalSpec() map[string]any {
	return map[string]any{
		"name":    "computer",
		"version": string(c.Version),
		"options": map[string]any{
			"display_width_px":  c.Width,
			"display_height_px": c.Height,
			"display_number":    1,
		},
		"normalization": map[string]any{
			"key_aliases":  true,
			"scroll_units": "wheel_notches",
		},
	}
}

// computerInput is the wire shape the model emits for a computer tool_use block.
type computerInput struct {
	Action          string   `json:"action"`
	Coordinate      []int    `json:"coordinate,omitempty"`
	To              []int    `json:"to,omitempty"`
	Text            string   `json:"text,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
	ScrollDirection string   `json:"scroll_direction,omitempty"`
	ScrollAmount    *int     `json:"scroll_amount,omitempty"`
}

func (c *ComputerTool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	var in computerInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{}, fmt.Errorf("decoding computer tool input: %w", err)
	}

	args := map[string]any{}
	if err := json.Unmarshal(input, &args); err != nil {
		return Result{}, fmt.Errorf("decoding computer tool input: %w", err)
	}
	if missing := requireParams(args, requiredParams[in.Action]); len(missing) > 0 {
		return MissingParamResult("computer", missing), nil
	}

	payload := map[string]any{"api_type": string(c.Version)}
	if len(in.Coordinate) == 2 {
		payload["coordinate"] = in.Coordinate
	}
	if len(in.To) == 2 {
		payload["to"] = in.To
	}
	if in.Text != "" {
		payload["text"] = in.Text
	}
	if in.Duration != nil {
		payload["duration"] = *in.Duration
	}
	if in.ScrollDirection != "" {
		payload["scroll_direction"] = in.ScrollDirection
	}
	if in.ScrollAmount != nil {
		payload["scroll_amount"] = *in.ScrollAmount
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encoding computer tool payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:8088/tool_use/%s", c.ContainerIP, in.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("building computer tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Error: err.Error()}, nil
	}

	if resp.StatusCode != http.StatusOK {
		return Result{Error: fmt.Sprintf("sandbox returned HTTP %d: %s", resp.StatusCode, raw)}, nil
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{Output: string(raw)}, nil
	}
	return out, nil
}
