package provider

import (
	"regexp"
	"strings"
)

// keyAliases maps model-emitted key names to the sandbox's expected X11-style
// key names (§4.3). Grounded bit-for-bit on the original key normalization
// table, including the Super_L convention for the OS/Windows key.
var keyAliases = map[string]string{
	"escape":      "Escape",
	"esc":         "Escape",
	"enter":       "Return",
	"return":      "Return",
	"backspace":   "BackSpace",
	"tab":         "Tab",
	"space":       "space",
	"spacebar":    "space",
	"pageup":      "Page_Up",
	"page_up":     "Page_Up",
	"pagedown":    "Page_Down",
	"page_down":   "Page_Down",
	"home":        "Home",
	"end":         "End",
	"up":          "Up",
	"down":        "Down",
	"left":        "Left",
	"right":       "Right",
	"arrowup":     "Up",
	"arrowdown":   "Down",
	"arrowleft":   "Left",
	"arrowright":  "Right",
	"print":       "Print",
	"printscreen": "Print",
	"insert":      "Insert",
	"pause":       "Pause",
	"scrolllock":  "Scroll_Lock",
	"capslock":    "Caps_Lock",
	"numlock":     "Num_Lock",
	"super":       "Super_L",
	"cmd":         "Super_L",
	"command":     "Super_L",
	"win":         "Super_L",
	"windows":     "Super_L",
	"meta":        "Super_L",
	"ctrl":        "ctrl",
	"control":     "ctrl",
	"shift":       "shift",
	"alt":         "alt",
	"option":      "alt",
}

var functionKeyPattern = regexp.MustCompile(`^f(\d+)$`)

// normalizeKeyPart lowercases key, applies the alias table, and maps
// function-key patterns (f1, f12, ...) to their capitalized X11 form.
// Single characters pass through unchanged.
func normalizeKeyPart(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))

	if alias, ok := keyAliases[lower]; ok {
		return alias
	}
	if m := functionKeyPattern.FindStringSubmatch(lower); m != nil {
		return "F" + m[1]
	}
	if len([]rune(key)) == 1 {
		return key
	}
	return key
}

// normalizeKeyCombo splits combo on "+", normalizes each part, and rejoins
// with "+" — the sandbox's expected chord syntax (e.g. "ctrl+shift+Escape").
func normalizeKeyCombo(combo string) string {
	parts := strings.Split(combo, "+")
	for i, p := range parts {
		parts[i] = normalizeKeyPart(p)
	}
	return strings.Join(parts, "+")
}
