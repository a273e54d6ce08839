package job

import (
	"strings"
	"testing"
)

func TestTrimImageContent(t *testing.T) {
	payload := strings.Repeat("A", 300)
	content := `{"type":"image","source":{"type":"base64","data":"` + payload + `"}}`

	got := TrimImageContent(content)
	if strings.Contains(got, payload) {
		t.Error("expected base64 payload to be trimmed")
	}
	if !strings.Contains(got, "<image omitted>") {
		t.Error("expected sentinel to replace trimmed payload")
	}
}

func TestTrimImageContentLeavesShortStringsAlone(t *testing.T) {
	content := `{"type":"text","data":"short value"}`
	if got := TrimImageContent(content); got != content {
		t.Errorf("TrimImageContent() = %q, want unchanged", got)
	}
}
