// Package provider implements the Provider Handlers (E): adapters that
// translate the canonical Anthropic-style block vocabulary to and from
// each vendor's native API shape, so the sampling loop never has to know
// which vendor it's talking to.
package provider

import "encoding/json"

// BlockType identifies the kind of content a Block carries.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one unit of message content in the canonical vocabulary every
// provider handler converts to and from.
type Block struct {
	Type BlockType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string  `json:"tool_use_id,omitempty"`
	Content   []Block `json:"content,omitempty"`
	IsError   bool    `json:"is_error,omitempty"`

	// set by Anthropic-style prompt caching; ignored by vendors that don't support it.
	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// ImageSource is a base64-encoded image, the only image transport the
// canonical vocabulary supports.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// CacheControl marks a block as a prompt-caching breakpoint.
type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of canonical conversation history.
type Message struct {
	Role    Role    `json:"role"`
	Content []Block `json:"content"`
}

// NewText builds a single-block text Message.
func NewText(role Role, text string) Message {
	return Message{Role: role, Content: []Block{{Type: BlockText, Text: text}}}
}

// Usage is a vendor-normalized token accounting for one API call.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// WeightedTotal applies the token-budget accounting formula from §4.2:
// cache writes cost 1.25x, cache reads cost 0.1x, everything else 1x.
func (u Usage) WeightedTotal() float64 {
	return float64(u.InputTokens) + float64(u.OutputTokens) +
		float64(u.CacheCreationInputTokens)*1.25 + float64(u.CacheReadInputTokens)/10
}

// StopReason is the normalized reason a provider ended its turn.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)
