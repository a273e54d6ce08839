// Package apidefinition models named, versioned API contracts: the prompt
// template, parameter schema, and expected extraction shape that a Job runs
// against a target.
package apidefinition

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Parameter describes one entry in an APIDefinitionVersion's parameter schema.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// CustomActionStep is one pre-recorded tool call within a custom action
// sequence (§4.4, optional). Kept independent of pkg/tool.Step so this
// package doesn't need to import the tool layer just to describe one.
type CustomActionStep struct {
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input"`
}

// Definition is a named API contract. Versions carry the actual prompt and
// schema; the definition itself is just an identity and archival flag.
type Definition struct {
	ID          uuid.UUID
	Name        string
	Description string
	IsArchived  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Version is one revision of a Definition's prompt and parameter contract.
// At most one version per definition has IsActive=true.
type Version struct {
	ID              uuid.UUID
	APIDefinitionID uuid.UUID
	VersionNumber   int
	Parameters      []Parameter
	Prompt          string
	PromptCleanup   string
	ResponseExample string // JSON, used to infer the extraction schema
	// CustomActions maps an action_id to its recorded step sequence, for
	// the optional custom_action tool (§4.4).
	CustomActions map[string][]CustomActionStep
	IsActive      bool
	CreatedAt     time.Time
}
