// Package sampling implements the Sampling Loop (F): the agentic
// controller that drives a provider handler against a session through
// repeated tool-use turns until the job reaches a terminal state.
package sampling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
	"github.com/nightrunner/orchestrator/pkg/container"
	"github.com/nightrunner/orchestrator/pkg/job"
	"github.com/nightrunner/orchestrator/pkg/provider"
	"github.com/nightrunner/orchestrator/pkg/session"
	"github.com/nightrunner/orchestrator/pkg/target"
	"github.com/nightrunner/orchestrator/pkg/tool"
)

// Config carries everything the loop needs to drive a single job that a
// scheduler has already claimed and bound to a ready session.
type Config struct {
	JobID                 uuid.UUID
	TenantSchema          string
	Provider              provider.Name
	Model                 string
	ToolVersion           tool.ComputerVersion
	SessionID             uuid.UUID
	MaxTokens             int
	OnlyNMostRecentImages int
	MinRemovalThreshold   int // image removals round down to a multiple of this
	MaxTokenBudget        float64 // 0 disables the budget check
	MaxIterations         int     // 0 disables the iteration cap
	SystemPromptSuffix    string
}

// Loop is the agentic controller described in §4.2. A Loop holds no per-job
// state: everything per job is threaded through Run's Config and local
// variables, never stored on the struct.
type Loop struct {
	Jobs       *job.Store
	Sessions   *session.Store
	Targets    *target.Store
	APIDefs    *apidefinition.Store
	Containers container.Manager
	Providers  *provider.Registry
	Settings   provider.TenantSettingLookup
	Writer     *job.LogWriter
	Logger     *slog.Logger
}

// NewLoop builds a Loop from its collaborators.
func NewLoop(jobs *job.Store, sessions *session.Store, targets *target.Store, apiDefs *apidefinition.Store, containers container.Manager, providers *provider.Registry, settings provider.TenantSettingLookup, writer *job.LogWriter, logger *slog.Logger) *Loop {
	return &Loop{
		Jobs: jobs, Sessions: sessions, Targets: targets, APIDefs: apiDefs,
		Containers: containers, Providers: providers, Settings: settings,
		Writer: writer, Logger: logger,
	}
}

// termination is the internal signal processToolUses uses to report a
// blocking or cancellation-driven end to the current turn.
type termination struct {
	Status job.Status
	Reason string
}

// Run drives cfg.JobID from its current persisted state to a terminal or
// blocking status. Run assumes the caller (the scheduler) has already
// transitioned the job to running and holds its lease. Run does not renew
// the lease; its final write through job.Store.Finish clears lease_owner
// and lease_expires_at.
func (l *Loop) Run(ctx context.Context, cfg Config) error {
	j, err := l.Jobs.Get(ctx, cfg.JobID)
	if err != nil {
		return fmt.Errorf("loading job %s: %w", cfg.JobID, err)
	}

	sess, err := l.Sessions.Get(ctx, cfg.SessionID)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", cfg.SessionID, err)
	}

	tgt, err := l.Targets.Get(ctx, sess.TargetID)
	if err != nil {
		return fmt.Errorf("loading target %s: %w", sess.TargetID, err)
	}

	version, err := l.resolveVersion(ctx, j)
	if err != nil {
		return l.terminate(ctx, cfg, job.StatusError, nil, fmt.Sprintf("resolving API version: %s", err), 0, 0)
	}

	schema, err := apidefinition.InferSchema(version.ResponseExample)
	if err != nil {
		return l.terminate(ctx, cfg, job.StatusError, nil, fmt.Sprintf("inferring extraction schema: %s", err), 0, 0)
	}

	containerIP := ""
	if sess.ContainerIP != nil {
		containerIP = *sess.ContainerIP
	}
	baseTools := []tool.Tool{
		tool.NewComputerTool(cfg.ToolVersion, containerIP, tgt.Width, tgt.Height),
		tool.NewExtractionTool(schema),
		tool.NewUINotAsExpectedTool(),
	}
	// base dispatches a custom action's recorded steps; it excludes
	// custom_action itself since sequences don't recurse into it.
	base := tool.NewCollection(baseTools...)
	customAction := tool.NewCustomActionTool(base, toCustomActionSteps(version.CustomActions))
	tools := tool.NewCollection(append(baseTools, customAction)...)

	handler, err := l.Providers.Get(cfg.Provider, provider.Base{
		TenantSchema:          cfg.TenantSchema,
		Settings:              l.Settings,
		OnlyNMostRecentImages: cfg.OnlyNMostRecentImages,
		MinRemovalThreshold:   cfg.MinRemovalThreshold,
		MaxRetries:            3,
	})
	if err != nil {
		return l.terminate(ctx, cfg, job.StatusError, nil, fmt.Sprintf("resolving provider handler: %s", err), 0, 0)
	}

	var totalInput, totalOutput int64
	var weightedTotal float64
	var lastExtraction json.RawMessage

	messages, err := l.Jobs.Messages(ctx, cfg.JobID)
	if err != nil {
		return fmt.Errorf("loading messages for job %s: %w", cfg.JobID, err)
	}

	if len(messages) == 0 {
		if err := l.buildInitialPrompt(ctx, j, version); err != nil {
			return l.terminate(ctx, cfg, job.StatusError, nil, fmt.Sprintf("building initial prompt: %s", err), totalInput, totalOutput)
		}
	} else if pending := trailingPendingToolUse(messages); len(pending) > 0 {
		// Resumption invariant (§4.2): a crash may have persisted an
		// assistant turn whose tool_use blocks were never executed.
		resultBlocks, extraction, term, err := l.processToolUses(ctx, cfg, sess, tools, pending)
		if err != nil {
			return fmt.Errorf("resuming pending tool uses for job %s: %w", cfg.JobID, err)
		}
		if extraction != nil {
			lastExtraction = extraction
		}
		if len(resultBlocks) > 0 {
			if err := l.appendBlocks(ctx, cfg.JobID, job.RoleUser, resultBlocks); err != nil {
				return err
			}
		}
		if term != nil {
			return l.terminate(ctx, cfg, term.Status, lastExtraction, term.Reason, totalInput, totalOutput)
		}
	}

	systemPrompt := BuildSystemPrompt(cfg.SystemPromptSuffix, time.Now())

	for iteration := 0; ; iteration++ {
		if cfg.MaxIterations > 0 && iteration >= cfg.MaxIterations {
			return l.terminate(ctx, cfg, job.StatusError, nil, "exceeded maximum iteration count", totalInput, totalOutput)
		}

		cancelled, err := l.isCancelled(ctx, cfg.JobID)
		if err != nil {
			return err
		}
		if cancelled {
			return l.terminate(ctx, cfg, job.StatusError, nil, "Job was interrupted by user", totalInput, totalOutput)
		}

		messages, err := l.Jobs.Messages(ctx, cfg.JobID)
		if err != nil {
			return fmt.Errorf("loading messages for job %s: %w", cfg.JobID, err)
		}
		canonical, err := toCanonicalMessages(messages)
		if err != nil {
			return fmt.Errorf("decoding message history for job %s: %w", cfg.JobID, err)
		}

		system := handler.PrepareSystem(systemPrompt)
		toolsParam := handler.PrepareTools(tools)
		providerMessages := handler.ConvertToProviderMessages(canonical)

		blocks, stopReason, usage, err := handler.Call(ctx, system, providerMessages, toolsParam, cfg.Model, cfg.MaxTokens)
		if err != nil {
			return l.terminate(ctx, cfg, job.StatusError, nil, fmt.Sprintf("provider call failed: %s", err), totalInput, totalOutput)
		}

		totalInput += usage.InputTokens
		totalOutput += usage.OutputTokens
		weightedTotal += usage.WeightedTotal()
		if cfg.MaxTokenBudget > 0 && weightedTotal > cfg.MaxTokenBudget {
			return l.terminate(ctx, cfg, job.StatusError, nil, "exceeded token limit", totalInput, totalOutput)
		}

		if err := l.appendBlocks(ctx, cfg.JobID, job.RoleAssistant, blocks); err != nil {
			return err
		}

		var toolUseBlocks []provider.Block
		for _, b := range blocks {
			if b.Type == provider.BlockToolUse {
				toolUseBlocks = append(toolUseBlocks, b)
			}
		}

		if len(toolUseBlocks) == 0 {
			if stopReason == provider.StopEndTurn {
				if lastExtraction != nil {
					return l.terminate(ctx, cfg, job.StatusSuccess, lastExtraction, "", totalInput, totalOutput)
				}
				return l.terminate(ctx, cfg, job.StatusError, nil, "Model ended its turn without providing any extractions", totalInput, totalOutput)
			}
			continue
		}

		resultBlocks, extraction, term, err := l.processToolUses(ctx, cfg, sess, tools, toolUseBlocks)
		if err != nil {
			return fmt.Errorf("processing tool uses for job %s: %w", cfg.JobID, err)
		}
		if extraction != nil {
			lastExtraction = extraction
		}
		if len(resultBlocks) > 0 {
			if err := l.appendBlocks(ctx, cfg.JobID, job.RoleUser, resultBlocks); err != nil {
				return err
			}
		}
		if term != nil {
			return l.terminate(ctx, cfg, term.Status, lastExtraction, term.Reason, totalInput, totalOutput)
		}
	}
}

func (l *Loop) resolveVersion(ctx context.Context, j job.Job) (apidefinition.Version, error) {
	if j.APIDefinitionVersionID != nil {
		return l.APIDefs.GetVersion(ctx, *j.APIDefinitionVersionID)
	}
	def, err := l.APIDefs.GetByName(ctx, j.APIName)
	if err != nil {
		return apidefinition.Version{}, err
	}
	return l.APIDefs.ActiveVersion(ctx, def.ID)
}

func (l *Loop) buildInitialPrompt(ctx context.Context, j job.Job, version apidefinition.Version) error {
	var params map[string]any
	if len(j.Parameters) > 0 {
		if err := json.Unmarshal(j.Parameters, &params); err != nil {
			return fmt.Errorf("decoding job parameters: %w", err)
		}
	}

	prompt, err := apidefinition.BuildInitialPrompt(version, j.APIName, params, time.Now())
	if err != nil {
		return err
	}

	_, err = l.Jobs.AppendMessage(ctx, j.ID, job.RoleUser, mustBlocksJSON([]provider.Block{{Type: provider.BlockText, Text: prompt}}))
	return err
}

// isCancelled re-reads the job row's cancel flag; cancellation is only
// communicated through the database, never an in-memory channel, so every
// loop boundary pays a round trip (§5).
func (l *Loop) isCancelled(ctx context.Context, jobID uuid.UUID) (bool, error) {
	j, err := l.Jobs.Get(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("checking cancellation for job %s: %w", jobID, err)
	}
	return j.CancelRequested, nil
}

func (l *Loop) appendBlocks(ctx context.Context, jobID uuid.UUID, role job.MessageRole, blocks []provider.Block) error {
	_, err := l.Jobs.AppendMessage(ctx, jobID, role, mustBlocksJSON(blocks))
	if err != nil {
		return fmt.Errorf("appending %s message for job %s: %w", role, jobID, err)
	}
	return nil
}

// terminate writes the job's terminal or blocking status and a matching
// system log line, per §7's user-visible-behavior contract.
func (l *Loop) terminate(ctx context.Context, cfg Config, status job.Status, result json.RawMessage, reason string, totalInput, totalOutput int64) error {
	var errPtr *string
	if reason != "" {
		errPtr = &reason
	}
	if err := l.Jobs.Finish(ctx, cfg.JobID, status, result, errPtr, &totalInput, &totalOutput); err != nil {
		return fmt.Errorf("finishing job %s: %w", cfg.JobID, err)
	}
	l.logSystem(cfg, fmt.Sprintf("Job transitioned to %s%s", status, describeReason(reason)))
	return nil
}

func describeReason(reason string) string {
	if reason == "" {
		return ""
	}
	return ": " + reason
}

func (l *Loop) logSystem(cfg Config, content string) {
	if l.Writer == nil {
		return
	}
	l.Writer.Log(cfg.TenantSchema, job.Log{JobID: cfg.JobID, LogType: job.LogSystem, Content: content})
}

func (l *Loop) logToolUse(cfg Config, use provider.Block, result tool.Result) {
	if l.Writer == nil {
		return
	}
	encoded, _ := json.Marshal(map[string]any{"tool": use.Name, "input": use.Input, "result": result})
	l.Writer.Log(cfg.TenantSchema, job.Log{JobID: cfg.JobID, LogType: job.LogToolUse, Content: string(encoded)})
}

func mustBlocksJSON(blocks []provider.Block) json.RawMessage {
	encoded, err := json.Marshal(blocks)
	if err != nil {
		// blocks are always built from values this package controls;
		// a marshal failure here means a programmer error, not bad input.
		panic(fmt.Sprintf("sampling: marshaling content blocks: %s", err))
	}
	return encoded
}

func toCanonicalMessages(messages []job.Message) ([]provider.Message, error) {
	out := make([]provider.Message, 0, len(messages))
	for _, m := range messages {
		var blocks []provider.Block
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			return nil, fmt.Errorf("decoding content for message %s: %w", m.ID, err)
		}
		role := provider.RoleUser
		if m.Role == job.RoleAssistant {
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Content: blocks})
	}
	return out, nil
}

// trailingPendingToolUse returns the tool_use blocks of the last message if
// it is an assistant turn — the crash-resumption case where those tool
// calls were persisted but never executed.
func trailingPendingToolUse(messages []job.Message) []provider.Block {
	if len(messages) == 0 {
		return nil
	}
	last := messages[len(messages)-1]
	if last.Role != job.RoleAssistant {
		return nil
	}
	var blocks []provider.Block
	if err := json.Unmarshal(last.Content, &blocks); err != nil {
		return nil
	}
	var pending []provider.Block
	for _, b := range blocks {
		if b.Type == provider.BlockToolUse {
			pending = append(pending, b)
		}
	}
	return pending
}
