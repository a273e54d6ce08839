package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nightrunner/orchestrator/pkg/tool"
)

// No Go client for the OpenAI Chat Completions API is available anywhere
// in the example corpus, so this handler speaks the documented REST
// contract directly over net/http rather than fabricating an SDK
// dependency.
const openAIChatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// OpenAIHandler converts canonical blocks to/from OpenAI's chat.completions
// function-calling shape.
type OpenAIHandler struct {
	Base
	apiKey     string
	httpClient *http.Client
}

func NewOpenAIHandler(base Base) *OpenAIHandler {
	return &OpenAIHandler{Base: base, httpClient: &http.Client{Timeout: 120 * time.Second}}
}

func (h *OpenAIHandler) ensureKey(ctx context.Context) error {
	if h.apiKey != "" {
		return nil
	}
	h.apiKey = h.TenantSetting(ctx, "OPENAI_API_KEY")
	if h.apiKey == "" {
		return fmt.Errorf("no OpenAI API key configured for tenant %s", h.TenantSchema)
	}
	return nil
}

// PrepareSystem returns the prompt unchanged; OpenAI takes a plain string
// system message.
func (h *OpenAIHandler) PrepareSystem(systemPrompt string) any {
	return systemPrompt
}

func (h *OpenAIHandler) PrepareTools(tools *tool.Collection) any {
	var out []openAITool
	for _, spec := range tools.InternalSpecs() {
		out = append(out, internalSpecToOpenAITool(spec))
	}
	return out
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// internalSpecToOpenAITool flattens a tool's action vocabulary (if any)
// into a single function-call schema, since OpenAI has no native notion of
// a multi-action tool the way the computer tool does.
func internalSpecToOpenAITool(spec map[string]any) openAITool {
	name, _ := spec["name"].(string)
	desc, _ := spec["description"].(string)

	params := map[string]any{"type": "object", "properties": map[string]any{}}
	if actions, ok := spec["actions"].([]any); ok {
		actionNames := make([]string, 0, len(actions))
		props := map[string]any{}
		for _, a := range actions {
			am, ok := a.(map[string]any)
			if !ok {
				continue
			}
			actionName, _ := am["name"].(string)
			actionNames = append(actionNames, actionName)
			if p, ok := am["params"].(map[string]any); ok {
				for k, v := range p {
					props[k] = v
				}
			}
		}
		props["action"] = map[string]any{"type": "string", "enum": actionNames}
		params = map[string]any{"type": "object", "properties": props, "required": []string{"action"}}
	}

	return openAITool{
		Type: "function",
		Function: openAIToolFunction{
			Name:        name,
			Description: desc,
			Parameters:  params,
		},
	}
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

func (h *OpenAIHandler) ConvertToProviderMessages(messages []Message) any {
	messages = h.PreprocessMessages(messages)
	return toOpenAIMessages(messages)
}

func toOpenAIMessages(messages []Message) []openAIMessage {
	var out []openAIMessage
	for _, m := range messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}

		var parts []openAIContentPart
		var toolCalls []openAIToolCall
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				parts = append(parts, openAIContentPart{Type: "text", Text: b.Text})
			case BlockImage:
				parts = append(parts, openAIContentPart{
					Type:     "image_url",
					ImageURL: &openAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)},
				})
			case BlockToolUse:
				toolCalls = append(toolCalls, openAIToolCall{
					ID:   b.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      b.Name,
						Arguments: string(b.Input),
					},
				})
			case BlockToolResult:
				text := ""
				for _, c := range b.Content {
					if c.Type == BlockText {
						text += c.Text
					}
				}
				out = append(out, openAIMessage{Role: "tool", Content: text, ToolCallID: b.ToolUseID})
			}
		}

		if len(toolCalls) > 0 {
			out = append(out, openAIMessage{Role: role, ToolCalls: toolCalls})
			continue
		}
		if len(parts) > 0 {
			out = append(out, openAIMessage{Role: role, Content: parts})
		}
	}
	return out
}

type openAIChatRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	Tools     []openAITool    `json:"tools,omitempty"`
	MaxTokens int             `json:"max_tokens"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (h *OpenAIHandler) Call(ctx context.Context, system, messages, tools any, model string, maxTokens int) ([]Block, StopReason, Usage, error) {
	if err := h.ensureKey(ctx); err != nil {
		return nil, "", Usage{}, err
	}

	msgList, _ := messages.([]openAIMessage)
	toolList, _ := tools.([]openAITool)
	systemPrompt, _ := system.(string)

	full := append([]openAIMessage{{Role: "system", Content: systemPrompt}}, msgList...)

	reqBody, err := json.Marshal(openAIChatRequest{
		Model:     model,
		Messages:  full,
		Tools:     toolList,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, "", Usage{}, fmt.Errorf("encoding openai request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, openAIChatCompletionsURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, "", Usage{}, fmt.Errorf("building openai request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, "", Usage{}, fmt.Errorf("calling openai: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", Usage{}, fmt.Errorf("reading openai response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", Usage{}, fmt.Errorf("openai returned HTTP %d: %s", resp.StatusCode, raw)
	}

	var out openAIChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, "", Usage{}, fmt.Errorf("decoding openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, "", Usage{}, fmt.Errorf("openai response had no choices")
	}

	choice := out.Choices[0]
	var blocks []Block
	if text, ok := choice.Message.Content.(string); ok && text != "" {
		blocks = append(blocks, Block{Type: BlockText, Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		blocks = append(blocks, Block{
			Type:  BlockToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}

	stop := StopEndTurn
	if choice.FinishReason == "tool_calls" {
		stop = StopToolUse
	} else if choice.FinishReason == "length" {
		stop = StopMaxTokens
	}

	usage := Usage{InputTokens: out.Usage.PromptTokens, OutputTokens: out.Usage.CompletionTokens}
	return blocks, stop, usage, nil
}

func (h *OpenAIHandler) NormalizeKeyCombo(combo string) string {
	return normalizeKeyCombo(combo)
}
