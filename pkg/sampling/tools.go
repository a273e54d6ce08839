package sampling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/provider"
	"github.com/nightrunner/orchestrator/pkg/session"
	"github.com/nightrunner/orchestrator/pkg/tool"
)

// toCustomActionSteps converts an API definition version's recorded custom
// actions into the tool layer's own Step type, keeping pkg/apidefinition
// and pkg/tool independent of each other (§4.4, optional).
func toCustomActionSteps(actions map[string][]apidefinition.CustomActionStep) map[string][]tool.Step {
	if len(actions) == 0 {
		return nil
	}
	out := make(map[string][]tool.Step, len(actions))
	for id, steps := range actions {
		converted := make([]tool.Step, len(steps))
		for i, s := range steps {
			converted[i] = tool.Step{ToolName: s.ToolName, Input: s.Input}
		}
		out[id] = converted
	}
	return out
}

// processToolUses dispatches each tool_use block in order (§4.2 step 4),
// applying the health gate before every call and the cancellation check
// after every call. It stops at the first blocking or cancellation
// termination, returning the tool_result blocks gathered so far so the
// caller can still persist the partial turn.
func (l *Loop) processToolUses(ctx context.Context, cfg Config, sess session.Session, tools *tool.Collection, blocks []provider.Block) ([]provider.Block, json.RawMessage, *termination, error) {
	var resultBlocks []provider.Block
	var extraction json.RawMessage

	for _, b := range blocks {
		if b.Type != provider.BlockToolUse {
			continue
		}

		cancelled, err := l.isCancelled(ctx, cfg.JobID)
		if err != nil {
			return resultBlocks, extraction, nil, err
		}
		if cancelled {
			return resultBlocks, extraction, &termination{Status: job.StatusError, Reason: "Job was interrupted by user"}, nil
		}

		containerIP := ""
		if sess.ContainerIP != nil {
			containerIP = *sess.ContainerIP
		}
		health, err := l.Containers.Health(ctx, containerIP)
		if err != nil {
			return resultBlocks, extraction, &termination{
				Status: job.StatusPaused,
				Reason: fmt.Sprintf("Target Health Check Failed: %s", err),
			}, nil
		}
		if !health.Healthy {
			return resultBlocks, extraction, &termination{
				Status: job.StatusPaused,
				Reason: fmt.Sprintf("Target Health Check Failed: %s", health.Reason),
			}, nil
		}

		result, err := tools.Run(ctx, b.Name, b.Input)
		if err != nil {
			return resultBlocks, extraction, nil, fmt.Errorf("running tool %s: %w", b.Name, err)
		}
		l.logToolUse(cfg, b, result)
		resultBlocks = append(resultBlocks, toolResultBlock(b.ID, result))

		switch b.Name {
		case "ui_not_as_expected":
			if !result.Failed() {
				return resultBlocks, extraction, &termination{Status: job.StatusPaused, Reason: "UI Mismatch Detected"}, nil
			}
		case "extraction":
			if !result.Failed() {
				if data := extractionData(b.Input); data != nil {
					extraction = data
				}
			}
		}

		cancelled, err = l.isCancelled(ctx, cfg.JobID)
		if err != nil {
			return resultBlocks, extraction, nil, err
		}
		if cancelled {
			return resultBlocks, extraction, &termination{Status: job.StatusError, Reason: "Job was interrupted by user"}, nil
		}
	}

	return resultBlocks, extraction, nil, nil
}

// toolResultBlock builds the canonical tool_result block for a tool's
// outcome: text output and/or an image on success, an error string on
// failure (§4.2 step 4d).
func toolResultBlock(toolUseID string, result tool.Result) provider.Block {
	if result.Failed() {
		return provider.Block{
			Type:      provider.BlockToolResult,
			ToolUseID: toolUseID,
			IsError:   true,
			Content:   []provider.Block{{Type: provider.BlockText, Text: result.Error}},
		}
	}

	var content []provider.Block
	if result.Output != "" {
		content = append(content, provider.Block{Type: provider.BlockText, Text: result.Output})
	}
	if result.Base64Image != "" {
		content = append(content, provider.Block{
			Type:   provider.BlockImage,
			Source: &provider.ImageSource{Type: "base64", MediaType: "image/png", Data: result.Base64Image},
		})
	}
	return provider.Block{Type: provider.BlockToolResult, ToolUseID: toolUseID, Content: content}
}

// extractionData pulls the "data" field back out of an extraction
// tool_use's input and unwraps its "result" key if present, so the job's
// stored result is the model's reported answer, not the wrapper it came
// in (§4.2e, §8).
func extractionData(input json.RawMessage) json.RawMessage {
	var in struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Data == nil {
		return nil
	}

	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(in.Data, &wrapper); err == nil && wrapper.Result != nil {
		return wrapper.Result
	}
	return in.Data
}
