package apidefinition

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// ExtractionMarker is the fixed preamble text that opens every extraction
// contract. The OpenCUA provider handler greps for this exact string to
// split the initial prompt back into "caller's prompt" vs. "contract we
// appended" when it needs to re-derive the original instruction (§6).
const ExtractionMarker = "IMPORTANT INSTRUCTIONS FOR RETURNING RESULTS:"

var paramPattern = regexp.MustCompile(`\{\{?(\w+)\}?\}`)

// Substitute replaces {name} and {{name}} placeholders in template with
// string-formatted values from params, plus a synthetic "now" timestamp.
// Unknown placeholders are left untouched.
func Substitute(template string, params map[string]any, now time.Time) string {
	values := make(map[string]any, len(params)+1)
	for k, v := range params {
		values[k] = v
	}
	values["now"] = now.Format(time.RFC3339)

	return paramPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := paramPattern.FindStringSubmatch(match)[1]
		v, ok := values[name]
		if !ok {
			return match
		}
		return fmt.Sprint(v)
	})
}

// BuildInitialPrompt assembles the bit-exact initial-prompt structure from
// §6: the version's prompt with parameters substituted, the fixed extraction
// contract preamble, and the version's cleanup instructions.
func BuildInitialPrompt(v Version, apiName string, params map[string]any, now time.Time) (string, error) {
	prompt := Substitute(v.Prompt, params, now)

	schema, err := InferSchema(v.ResponseExample)
	if err != nil {
		return "", fmt.Errorf("inferring extraction schema for %q: %w", apiName, err)
	}
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding extraction schema for %q: %w", apiName, err)
	}

	preamble := fmt.Sprintf(
		"%s\nYou are performing the API \"%s\". When you have gathered the requested information, "+
			"call the extraction tool with a JSON object matching this schema:\n%s\n\n"+
			"After you've completed the extraction, please perform these steps to return the system "+
			"to its original state: %s",
		ExtractionMarker, apiName, schemaJSON, v.PromptCleanup,
	)

	return prompt + "\n\n" + preamble, nil
}

// InferSchema derives a minimal JSON-schema-shaped description of
// responseExample's structure. Calling it twice on the same example yields
// an equivalent schema — it only looks at value shape, never at
// instance-specific data.
func InferSchema(responseExample string) (map[string]any, error) {
	if responseExample == "" {
		return map[string]any{"type": "object"}, nil
	}

	var example any
	if err := json.Unmarshal([]byte(responseExample), &example); err != nil {
		return nil, fmt.Errorf("parsing response_example: %w", err)
	}
	return inferValueSchema(example), nil
}

func inferValueSchema(v any) map[string]any {
	switch val := v.(type) {
	case map[string]any:
		props := make(map[string]any, len(val))
		for k, pv := range val {
			props[k] = inferValueSchema(pv)
		}
		return map[string]any{"type": "object", "properties": props}
	case []any:
		if len(val) == 0 {
			return map[string]any{"type": "array", "items": map[string]any{}}
		}
		return map[string]any{"type": "array", "items": inferValueSchema(val[0])}
	case float64:
		return map[string]any{"type": "number"}
	case bool:
		return map[string]any{"type": "boolean"}
	case nil:
		return map[string]any{"type": "null"}
	default:
		return map[string]any{"type": "string"}
	}
}
