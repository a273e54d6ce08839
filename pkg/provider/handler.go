package provider

import (
	"context"
	"fmt"

	"github.com/nightrunner/orchestrator/pkg/tool"
)

// TenantSettingLookup resolves a single tenant setting by key, falling
// through to the hard-coded default table when unset (§3 TenantSettings).
type TenantSettingLookup interface {
	TenantSetting(ctx context.Context, tenantSchema, key string) (string, bool)
}

// Handler is the contract every provider (Anthropic, OpenAI, OpenCUA)
// implements, grounded on the original provider Protocol: prepare the
// system prompt and tools in vendor shape, convert canonical messages to
// and from vendor shape, and make the call.
type Handler interface {
	// PrepareSystem renders the system prompt in vendor shape (e.g. with a
	// prompt-caching breakpoint for Anthropic).
	PrepareSystem(systemPrompt string) any

	// PrepareTools converts a tool collection's specs into vendor tool
	// definitions.
	PrepareTools(tools *tool.Collection) any

	// ConvertToProviderMessages applies preprocessing (image truncation,
	// cache breakpoints) and returns messages in vendor shape.
	ConvertToProviderMessages(messages []Message) any

	// Call issues the request and returns canonical blocks, a normalized
	// stop reason, and usage.
	Call(ctx context.Context, system any, messages any, tools any, model string, maxTokens int) ([]Block, StopReason, Usage, error)

	// NormalizeKeyCombo maps a model-emitted key combo to the sandbox's
	// expected key names (§4.3).
	NormalizeKeyCombo(combo string) string
}

// Base holds the fields and behavior every Handler shares, mirroring the
// original BaseProviderHandler.
type Base struct {
	TenantSchema            string
	Settings                TenantSettingLookup
	TokenEfficientToolsBeta bool
	OnlyNMostRecentImages   int
	MinRemovalThreshold     int
	EnablePromptCaching     bool
	MaxRetries              int
}

// TenantSetting resolves a setting for this handler's tenant, falling
// through to "" if unset.
func (b *Base) TenantSetting(ctx context.Context, key string) string {
	if b.Settings == nil {
		return ""
	}
	v, _ := b.Settings.TenantSetting(ctx, b.TenantSchema, key)
	return v
}

// PreprocessMessages drops base64 image blocks, whether they sit directly in
// a message or inside a tool_result block's content, keeping only the
// OnlyNMostRecentImages most recent ones, bounding request size as a
// conversation grows long. A value of 0 disables truncation.
//
// The number of images removed is rounded down to a multiple of
// MinRemovalThreshold so the set of dropped images is stable across calls,
// preserving the prompt-cache prefix instead of invalidating it by one
// image each turn.
func (b *Base) PreprocessMessages(messages []Message) []Message {
	if b.OnlyNMostRecentImages <= 0 {
		return messages
	}

	type imageRef struct{ msgIdx, blockIdx, subIdx int }
	var images []imageRef
	for mi, m := range messages {
		for bi, block := range m.Content {
			if block.Type == BlockImage {
				images = append(images, imageRef{mi, bi, -1})
			}
			if block.Type == BlockToolResult {
				for si, sub := range block.Content {
					if sub.Type == BlockImage {
						images = append(images, imageRef{mi, bi, si})
					}
				}
			}
		}
	}

	if len(images) <= b.OnlyNMostRecentImages {
		return messages
	}

	toRemove := len(images) - b.OnlyNMostRecentImages
	if b.MinRemovalThreshold > 1 {
		toRemove -= toRemove % b.MinRemovalThreshold
	}
	if toRemove <= 0 {
		return messages
	}

	drop := make(map[imageRef]bool)
	for _, ref := range images[:toRemove] {
		drop[ref] = true
	}

	out := make([]Message, len(messages))
	for mi, m := range messages {
		out[mi] = m
		var kept []Block
		for bi, block := range m.Content {
			if drop[imageRef{mi, bi, -1}] {
				continue
			}
			if block.Type == BlockToolResult {
				var sub []Block
				for si, c := range block.Content {
					if !drop[imageRef{mi, bi, si}] {
						sub = append(sub, c)
					}
				}
				block.Content = sub
			}
			kept = append(kept, block)
		}
		out[mi].Content = kept
	}
	return out
}

// errUnsupportedProvider is returned by Registry.Get for unregistered names.
func errUnsupportedProvider(name string) error {
	return fmt.Errorf("provider handler %q is not registered", name)
}
