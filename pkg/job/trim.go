package job

import "regexp"

// imageDataPattern matches base64 image payloads embedded in JSON log
// content, e.g. `"data": "iVBORw0KG..."` inside a canonical image block.
var imageDataPattern = regexp.MustCompile(`"data"\s*:\s*"[A-Za-z0-9+/=]{200,}"`)

// imageSentinel replaces a matched payload, preserving the surrounding JSON shape.
const imageSentinel = `"data": "<image omitted>"`

// TrimImageContent replaces base64 image payloads in content with a
// sentinel, producing the ContentTrimmed value dashboards read instead of
// the full log content.
func TrimImageContent(content string) string {
	return imageDataPattern.ReplaceAllString(content, imageSentinel)
}
