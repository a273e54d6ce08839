// Package tool implements the Tool Layer (D): the computer, extraction,
// ui_not_as_expected, and custom_action tools the sampling loop dispatches
// on the model's behalf.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is the outcome of a tool execution, mirroring the canonical
// {output, error, base64_image} shape the sandbox and the provider
// handlers agree on.
type Result struct {
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	Base64Image string `json:"base64_image,omitempty"`
	System      string `json:"system,omitempty"`
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Tool advertises its contract and executes against a session.
type Tool interface {
	Name() string
	InputSchema() map[string]any
	InternalSpec() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (Result, error)
}

// MissingParamResult builds the "fix your input" result §4.4 mandates for
// missing required parameters: never an error thrown back through the
// loop, always routed to the model as a correctable tool result.
func MissingParamResult(toolName string, missing []string) Result {
	return Result{
		Output: fmt.Sprintf(
			"The tool %s failed! Reason: missing required parameter(s) %v. Please fix the input and try again.",
			toolName, missing,
		),
	}
}

// requireParams checks that every name in required is present and non-null
// in args, returning the names that are missing (if any).
func requireParams(args map[string]any, required []string) []string {
	var missing []string
	for _, name := range required {
		v, ok := args[name]
		if !ok || v == nil {
			missing = append(missing, name)
		}
	}
	return missing
}
