package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nightrunner/orchestrator/pkg/tool"
)

// promptCachingBeta is the beta header Anthropic requires to enable
// ephemeral cache-control breakpoints on system/tool/message blocks.
const promptCachingBeta = "prompt-caching-2024-07-31"

// AnthropicHandler serves the direct, Bedrock and Vertex variants with one
// request/response shape (§4.3). Every variant builds a direct Anthropic API
// client from the tenant's ANTHROPIC_API_KEY (or API_KEY); the AWS and
// Vertex settings are not read, so Bedrock and Vertex requests also go to
// the direct API. Prompt caching is enabled only for the direct variant.
type AnthropicHandler struct {
	Base
	variant     Name
	client      anthropic.Client
	initialized bool
}

// NewAnthropicHandler builds an AnthropicHandler for the given variant.
// The client is initialized lazily on first Call, once tenant credentials
// are available.
func NewAnthropicHandler(base Base, variant Name) *AnthropicHandler {
	base.EnablePromptCaching = variant == NameAnthropic
	return &AnthropicHandler{Base: base, variant: variant}
}

func (h *AnthropicHandler) ensureClient(ctx context.Context) error {
	if h.initialized {
		return nil
	}
	apiKey := h.TenantSetting(ctx, "ANTHROPIC_API_KEY")
	if apiKey == "" {
		apiKey = h.TenantSetting(ctx, "API_KEY")
	}
	if apiKey == "" {
		return fmt.Errorf("no Anthropic API key configured for tenant %s", h.TenantSchema)
	}
	h.client = anthropic.NewClient(option.WithAPIKey(apiKey))
	h.initialized = true
	return nil
}

func (h *AnthropicHandler) PrepareSystem(systemPrompt string) any {
	block := anthropic.TextBlockParam{Text: systemPrompt}
	if h.EnablePromptCaching {
		block.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return []anthropic.TextBlockParam{block}
}

func (h *AnthropicHandler) PrepareTools(tools *tool.Collection) any {
	var out []anthropic.ToolUnionParam
	for _, spec := range tools.Params() {
		schema, _ := json.Marshal(spec["input_schema"])
		var inputSchema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(schema, &inputSchema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec["name"].(string),
				InputSchema: inputSchema,
			},
		})
	}
	return out
}

func (h *AnthropicHandler) ConvertToProviderMessages(messages []Message) any {
	messages = h.PreprocessMessages(messages)
	if h.EnablePromptCaching {
		injectPromptCaching(messages)
	}
	return toAnthropicMessages(messages)
}

// injectPromptCaching marks the last three user-turn blocks as cache
// breakpoints, matching the Anthropic handler's caching strategy of
// caching everything up to the most recent turns.
func injectPromptCaching(messages []Message) {
	marked := 0
	for i := len(messages) - 1; i >= 0 && marked < 3; i-- {
		if messages[i].Role != RoleUser || len(messages[i].Content) == 0 {
			continue
		}
		last := len(messages[i].Content) - 1
		messages[i].Content[last].CacheControl = &CacheControl{Type: "ephemeral"}
		marked++
	}
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			blocks = append(blocks, toAnthropicBlock(b))
		}
		role := anthropic.MessageParamRoleUser
		if m.Role == RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out
}

func toAnthropicBlock(b Block) anthropic.ContentBlockParamUnion {
	switch b.Type {
	case BlockText:
		return anthropic.NewTextBlock(b.Text)
	case BlockImage:
		return anthropic.NewImageBlockBase64(b.Source.MediaType, b.Source.Data)
	case BlockToolUse:
		return anthropic.NewToolUseBlock(b.ID, b.Input, b.Name)
	case BlockToolResult:
		var content []anthropic.ToolResultBlockParamContentUnion
		for _, c := range b.Content {
			if c.Type == BlockImage {
				content = append(content, anthropic.ToolResultBlockParamContentUnion{
					OfImage: &anthropic.ImageBlockParam{
						Source: anthropic.ImageBlockParamSourceUnion{
							OfBase64: &anthropic.Base64ImageSourceParam{MediaType: c.Source.MediaType, Data: c.Source.Data},
						},
					},
				})
			} else {
				content = append(content, anthropic.ToolResultBlockParamContentUnion{
					OfText: &anthropic.TextBlockParam{Text: c.Text},
				})
			}
		}
		return anthropic.NewToolResultBlock(b.ToolUseID, content, b.IsError)
	default:
		return anthropic.NewTextBlock("")
	}
}

func (h *AnthropicHandler) Call(ctx context.Context, system, messages, tools any, model string, maxTokens int) ([]Block, StopReason, Usage, error) {
	if err := h.ensureClient(ctx); err != nil {
		return nil, "", Usage{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if sys, ok := system.([]anthropic.TextBlockParam); ok {
		params.System = sys
	}
	if msgs, ok := messages.([]anthropic.MessageParam); ok {
		params.Messages = msgs
	}
	if t, ok := tools.([]anthropic.ToolUnionParam); ok {
		params.Tools = t
	}

	var opts []option.RequestOption
	if h.EnablePromptCaching {
		opts = append(opts, option.WithHeaderAdd("anthropic-beta", promptCachingBeta))
	}
	if h.TokenEfficientToolsBeta {
		opts = append(opts, option.WithHeaderAdd("anthropic-beta", "token-efficient-tools-2025-02-19"))
	}

	resp, err := h.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, "", Usage{}, fmt.Errorf("anthropic messages.new: %w", err)
	}

	blocks := make([]Block, 0, len(resp.Content))
	for _, c := range resp.Content {
		blocks = append(blocks, fromAnthropicBlock(c))
	}

	usage := Usage{
		InputTokens:              resp.Usage.InputTokens,
		OutputTokens:             resp.Usage.OutputTokens,
		CacheCreationInputTokens: resp.Usage.CacheCreationInputTokens,
		CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
	}

	return blocks, normalizeStopReason(string(resp.StopReason)), usage, nil
}

func fromAnthropicBlock(c anthropic.ContentBlockUnion) Block {
	switch c.Type {
	case "text":
		return Block{Type: BlockText, Text: c.Text}
	case "tool_use":
		input, _ := json.Marshal(c.Input)
		return Block{Type: BlockToolUse, ID: c.ID, Name: c.Name, Input: input}
	default:
		return Block{Type: BlockText, Text: c.Text}
	}
}

func normalizeStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	default:
		return StopEndTurn
	}
}

func (h *AnthropicHandler) NormalizeKeyCombo(combo string) string {
	return normalizeKeyCombo(combo)
}
