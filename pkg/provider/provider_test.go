package provider

import (
	"strings"
	"testing"

	"github.com/nightrunner/orchestrator/pkg/apidefinition"
)

func TestNormalizeKeyCombo(t *testing.T) {
	cases := map[string]string{
		"ctrl+c":        "ctrl+c",
		"Ctrl+Shift+f5": "ctrl+shift+F5",
		"cmd+Space":     "Super_L+space",
		"Return":        "Return",
		"esc":           "Escape",
		"a":             "a",
	}
	for in, want := range cases {
		if got := normalizeKeyCombo(in); got != want {
			t.Errorf("normalizeKeyCombo(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUsageWeightedTotal(t *testing.T) {
	u := Usage{InputTokens: 100, OutputTokens: 50, CacheCreationInputTokens: 40, CacheReadInputTokens: 200}
	got := u.WeightedTotal()
	want := 100.0 + 50.0 + 40.0*1.25 + 200.0/10.0
	if got != want {
		t.Errorf("WeightedTotal() = %v, want %v", got, want)
	}
}

func TestPreprocessMessagesTruncatesOldImages(t *testing.T) {
	b := &Base{OnlyNMostRecentImages: 1}
	messages := []Message{
		{Role: RoleUser, Content: []Block{{Type: BlockImage, Source: &ImageSource{Data: "first"}}}},
		{Role: RoleUser, Content: []Block{{Type: BlockText, Text: "hi"}, {Type: BlockImage, Source: &ImageSource{Data: "second"}}}},
	}

	out := b.PreprocessMessages(messages)

	if len(out[0].Content) != 0 {
		t.Fatalf("expected first message's image dropped, got %d blocks", len(out[0].Content))
	}
	if len(out[1].Content) != 2 {
		t.Fatalf("expected second message's blocks kept, got %d", len(out[1].Content))
	}
}

func TestPreprocessMessagesRoundsRemovalToThreshold(t *testing.T) {
	b := &Base{OnlyNMostRecentImages: 1, MinRemovalThreshold: 3}
	var messages []Message
	for i := 0; i < 4; i++ {
		messages = append(messages, Message{Role: RoleUser, Content: []Block{{Type: BlockImage, Source: &ImageSource{Data: "img"}}}})
	}

	out := b.PreprocessMessages(messages)

	// 4 images, keep 1 most recent -> 3 to remove, already a multiple of 3.
	dropped := 0
	for _, m := range out {
		if len(m.Content) == 0 {
			dropped++
		}
	}
	if dropped != 3 {
		t.Fatalf("expected 3 images dropped, got %d", dropped)
	}

	b2 := &Base{OnlyNMostRecentImages: 1, MinRemovalThreshold: 3}
	messages2 := append([]Message{}, messages[:3]...) // 3 images, keep 1 -> 2 to remove, rounds down to 0
	out2 := b2.PreprocessMessages(messages2)
	dropped2 := 0
	for _, m := range out2 {
		if len(m.Content) == 0 {
			dropped2++
		}
	}
	if dropped2 != 0 {
		t.Fatalf("expected removal count rounded down to 0, got %d dropped", dropped2)
	}
}

func TestPreprocessMessagesNoopWhenDisabled(t *testing.T) {
	b := &Base{OnlyNMostRecentImages: 0}
	messages := []Message{{Role: RoleUser, Content: []Block{{Type: BlockImage, Source: &ImageSource{Data: "x"}}}}}
	out := b.PreprocessMessages(messages)
	if len(out[0].Content) != 1 {
		t.Fatalf("expected no truncation when OnlyNMostRecentImages is 0")
	}
}

func TestRegistryGetKnownAndUnknown(t *testing.T) {
	r := NewRegistry()
	base := Base{TenantSchema: "tenant_acme"}

	for _, name := range []Name{NameAnthropic, NameBedrock, NameVertex, NameOpenAI, NameOpenCUA} {
		h, err := r.Get(name, base)
		if err != nil {
			t.Errorf("Get(%s) returned error: %v", name, err)
		}
		if h == nil {
			t.Errorf("Get(%s) returned nil handler", name)
		}
	}

	if _, err := r.Get(Name("bogus"), base); err == nil {
		t.Error("expected error for unregistered provider name")
	}
}

func TestOpenCUAPrepareSystemSplitsAtExtractionMarker(t *testing.T) {
	h := NewOpenCUAHandler(Base{})
	prompt := "do the thing\n\n" + apidefinition.ExtractionMarker + "\nreturn JSON"

	out, ok := h.PrepareSystem(prompt).(string)
	if !ok {
		t.Fatalf("expected PrepareSystem to return a string")
	}

	if !strings.Contains(out, "pyautogui") {
		t.Errorf("expected pyautogui system prompt to be injected, got: %s", out)
	}
	if !strings.Contains(out, apidefinition.ExtractionMarker) {
		t.Errorf("expected extraction marker preserved in output")
	}
	if !strings.HasPrefix(out, "do the thing") {
		t.Errorf("expected original task text preserved before the injected prompt")
	}
}

func TestTranslatePyautoguiBlocksRewritesComputerActions(t *testing.T) {
	blocks := []Block{
		{Type: BlockToolUse, ID: "1", Name: "computer.click", Input: []byte(`{"x":10,"y":20}`)},
		{Type: BlockToolUse, ID: "2", Name: "computer.terminate", Input: []byte(`{"status":"success","data":{"foo":"bar"}}`)},
		{Type: BlockText, Text: "hello"},
	}

	out := translatePyautoguiBlocks(blocks)

	if len(out) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(out))
	}
	if out[0].Name != "computer" {
		t.Errorf("expected click block renamed to \"computer\", got %q", out[0].Name)
	}
	if !strings.Contains(string(out[0].Input), "coordinate") {
		t.Errorf("expected x/y folded into coordinate, got %s", out[0].Input)
	}
	if out[1].Name != "extraction" {
		t.Errorf("expected successful terminate block mapped to extraction, got %q", out[1].Name)
	}
	if !strings.Contains(string(out[1].Input), "foo") {
		t.Errorf("expected terminate data carried into extraction input, got %s", out[1].Input)
	}
	if out[2].Type != BlockText {
		t.Errorf("expected non tool_use block passed through unchanged")
	}
}
