package tool

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExtractionTool is the only way a job reports a successful result. It
// validates the reported data's shape against the API version's inferred
// response schema before handing it back as a terminal ToolResult.
type ExtractionTool struct {
	ResponseSchema map[string]any
}

// NewExtractionTool creates an ExtractionTool that validates against schema.
// A nil or empty schema skips validation.
func NewExtractionTool(schema map[string]any) *ExtractionTool {
	return &ExtractionTool{ResponseSchema: schema}
}

func (e *ExtractionTool) Name() string { return "extraction" }

func (e *ExtractionTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"data": map[string]any{
				"type":        "object",
				"description": "The extracted data to return as JSON",
			},
		},
		"required": []string{"data"},
	}
}

func (e *ExtractionTool) InternalSpec() map[string]any {
	return map[string]any{
		"name":        "extraction",
		"description": "Use this tool to return the final JSON result when you've found the information requested by the user.",
	}
}

type extractionInput struct {
	Data map[string]any `json:"data"`
}

// unwrapResult prefers the "result" field inside the reported extraction
// data when present, falling back to the whole payload otherwise, so that
// e.g. {"data":{"result":{"sum":5}}} stashes {"sum":5}, not the wrapper
// (§4.2e, §8).
func unwrapResult(data map[string]any) any {
	if result, ok := data["result"]; ok {
		return result
	}
	return data
}

func (e *ExtractionTool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	var in extractionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return Result{Error: fmt.Sprintf("invalid extraction input: %s", err)}, nil
	}
	if in.Data == nil {
		return MissingParamResult("extraction", []string{"data"}), nil
	}

	payload := unwrapResult(in.Data)

	if len(e.ResponseSchema) > 0 {
		payloadObj, ok := payload.(map[string]any)
		if !ok {
			return Result{Error: "extracted data is not a JSON object"}, nil
		}
		if errMsg := validateAgainstSchema(e.ResponseSchema, payloadObj); errMsg != "" {
			return Result{Error: errMsg}, nil
		}
	}

	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{Error: fmt.Sprintf("encoding extraction data: %s", err)}, nil
	}

	return Result{
		Output: string(serialized),
		System: "Extraction tool successfully processed the data.",
	}, nil
}

// validateAgainstSchema does a shallow, type-level check of data against a
// JSON-schema-shaped description (as produced by apidefinition.InferSchema):
// every property the schema declares must be present in data with a
// compatible JSON type. It intentionally does not require exact structural
// equality — extra fields in data are tolerated.
func validateAgainstSchema(schema map[string]any, data map[string]any) string {
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return ""
	}
	for name, propSchema := range props {
		v, present := data[name]
		if !present {
			return fmt.Sprintf("extracted data is missing required field %q", name)
		}
		ps, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		if wantType, ok := ps["type"].(string); ok && !typeMatches(wantType, v) {
			return fmt.Sprintf("field %q: expected type %s", name, wantType)
		}
	}
	return ""
}

func typeMatches(want string, v any) bool {
	switch want {
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "null":
		return v == nil
	default:
		_, ok := v.(string)
		return ok
	}
}
