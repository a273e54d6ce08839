package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/tool"
)

// opencuaSystemPrompt primes the model for pyautogui-style function calls
// instead of the computer tool's native action vocabulary.
const opencuaSystemPrompt = `You are a GUI agent. You are given a task and a screenshot of the screen.
You need to perform a series of pyautogui actions to complete the task.
If at any point you notice a deviation from the expected GUI, call the computer.terminate tool with status "failure".`

// OpenCUAHandler targets OpenCUA-family models, which expect pyautogui-
// shaped function calls rather than the computer tool's native action
// vocabulary. It reuses the OpenAI wire format (OpenCUA serving stacks are
// typically OpenAI-compatible) and translates at the edges.
type OpenCUAHandler struct {
	*OpenAIHandler
}

func NewOpenCUAHandler(base Base) *OpenCUAHandler {
	return &OpenCUAHandler{OpenAIHandler: NewOpenAIHandler(base)}
}

// PrepareSystem inserts the pyautogui-oriented instructions into the
// caller's prompt just before ExtractionMarker, keeping the text on both
// sides of the marker; a prompt without the marker gets them appended after
// a blank line. The caller's prompt is kept rather than replaced, and no
// task instruction is read out of the first user message.
func (h *OpenCUAHandler) PrepareSystem(systemPrompt string) any {
	if idx := strings.Index(systemPrompt, apidefinition.ExtractionMarker); idx >= 0 {
		return systemPrompt[:idx] + opencuaSystemPrompt + "\n\n" + systemPrompt[idx:]
	}
	return systemPrompt + "\n\n" + opencuaSystemPrompt
}

func (h *OpenCUAHandler) PrepareTools(tools *tool.Collection) any {
	out := h.OpenAIHandler.PrepareTools(tools)
	list, _ := out.([]openAITool)
	list = append(list, openAITool{
		Type: "function",
		Function: openAIToolFunction{
			Name:        "computer.terminate",
			Description: "Terminate the current task and report its completion status",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"status": map[string]any{"type": "string", "enum": []string{"success", "failure"}},
					"data":   map[string]any{"type": "object"},
				},
				"required": []string{"status"},
			},
		},
	})
	return list
}

func (h *OpenCUAHandler) Call(ctx context.Context, system, messages, tools any, model string, maxTokens int) ([]Block, StopReason, Usage, error) {
	blocks, stop, usage, err := h.OpenAIHandler.Call(ctx, system, messages, tools, model, maxTokens)
	if err != nil {
		return nil, "", Usage{}, err
	}
	return translatePyautoguiBlocks(blocks), stop, usage, nil
}

// translatePyautoguiBlocks rewrites computer.<action> tool_use blocks into
// "computer" tool_use blocks: x/y become coordinate, text and duration are
// copied, and the action name is copied unchanged (computer.click becomes
// action "click"; names are not mapped onto the computer tool's actions).
// computer.terminate becomes a terminal tool call via terminateBlock.
func translatePyautoguiBlocks(blocks []Block) []Block {
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != BlockToolUse || !strings.HasPrefix(b.Name, "computer.") {
			out = append(out, b)
			continue
		}

		action := strings.TrimPrefix(b.Name, "computer.")
		var raw map[string]any
		_ = json.Unmarshal(b.Input, &raw)

		if action == "terminate" {
			out = append(out, terminateBlock(b.ID, raw))
			continue
		}

		input := map[string]any{"action": action}
		if x, ok := raw["x"]; ok {
			if y, ok := raw["y"]; ok {
				input["coordinate"] = []any{x, y}
			}
		}
		for _, k := range []string{"text", "duration"} {
			if v, ok := raw[k]; ok {
				input[k] = v
			}
		}

		encoded, _ := json.Marshal(input)
		out = append(out, Block{Type: BlockToolUse, ID: b.ID, Name: "computer", Input: encoded})
	}
	return out
}

// terminateBlock maps computer.terminate onto the canonical terminal tools
// the sampling loop already understands: a success status becomes an
// extraction call carrying whatever data the model reported, a failure
// status becomes a ui_not_as_expected pause.
func terminateBlock(id string, raw map[string]any) Block {
	status, _ := raw["status"].(string)
	if status == "success" {
		data := raw["data"]
		if data == nil {
			data = map[string]any{}
		}
		input, _ := json.Marshal(map[string]any{"data": data})
		return Block{Type: BlockToolUse, ID: id, Name: "extraction", Input: input}
	}

	reason := "OpenCUA reported task failure"
	if data, ok := raw["data"]; ok {
		if encoded, err := json.Marshal(data); err == nil {
			reason = string(encoded)
		}
	}
	input, _ := json.Marshal(map[string]any{"reasoning": reason})
	return Block{Type: BlockToolUse, ID: id, Name: "ui_not_as_expected", Input: input}
}
