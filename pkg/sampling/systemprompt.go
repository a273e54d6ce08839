package sampling

import (
	"fmt"
	"time"
)

// systemCapability is the bit-exact capability paragraph every job's system
// prompt opens with (§6). current_date is interpolated in "%A, %B %-d, %Y"
// form; an optional suffix is appended with a single space separator.
const systemCapability = `<SYSTEM_CAPABILITY>
* You operate a remote desktop via the computer tool. Click precisely at the
  center of the target element; prefer the smallest number of actions that
  accomplish the step.
* Name keyboard combos using their canonical form (e.g. "ctrl+c"); the
  Windows/Command key is always called "Super_L".
* After every tool call that changes the screen, re-check the screenshot
  before issuing the next action.
* You must call the extraction tool exactly once, with the final result,
  before ending your turn. Never end your turn without calling it.
* If the screen does not match what you expect for this task, call
  ui_not_as_expected with your reasoning instead of guessing.
* Chain related tool calls together in one turn rather than waiting for a
  round trip per action when the next action does not depend on screen
  feedback.
* Today's date is %s.
</SYSTEM_CAPABILITY>`

// BuildSystemPrompt renders the capability prompt with now's formatted date
// and appends suffix, if any, after a single space.
func BuildSystemPrompt(suffix string, now time.Time) string {
	date := formatLongDate(now)
	prompt := fmt.Sprintf(systemCapability, date)
	if suffix == "" {
		return prompt
	}
	return prompt + " " + suffix
}

// formatLongDate renders now as "%A, %B %-d, %Y" (e.g. "Friday, July 31, 2026")
// — Go's time package has no "%-d" no-leading-zero verb, so the day is
// formatted separately and spliced in.
func formatLongDate(now time.Time) string {
	return fmt.Sprintf("%s, %s %d, %d", now.Format("Monday"), now.Format("January"), now.Day(), now.Year())
}
