package conversation

import (
	"fmt"
	"strings"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
)

const (
	stateBlockHeader = "### INTERNAL AGENT STATE ###"
	actionNudge      = "\nInstruction: If you have enough info to call a tool, do it now."

	// DefaultHistoryWindow bounds how many prior messages each request
	// carries. The manager keeps more history than this for display.
	DefaultHistoryWindow = 10
)

// ContextBuilder assembles the per-turn LLM request: the flow's system
// prompt, a structured snapshot of known facts, the trailing history
// window, and the current utterance. Facts travel as conversational
// content rather than system instruction; tool auto-invocation follows
// them more reliably there. Build performs no I/O.
type ContextBuilder struct {
	prompts       PromptSet
	historyWindow int
}

func NewContextBuilder(prompts PromptSet, historyWindow int) *ContextBuilder {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	return &ContextBuilder{prompts: prompts.merged(), historyWindow: historyWindow}
}

// Build is a pure function of its arguments; calling it twice with the
// same inputs yields identical payloads.
func (b *ContextBuilder) Build(flow Flow, intent Intent, facts Facts, history []Message, userText string) llm.Context {
	system := b.prompts.For(flow) + actionNudge +
		fmt.Sprintf("\n[SYSTEM NOTE: User intent detected as %s. Current State: %s]", intent, flow)

	msgs := make([]map[string]any, 0, b.historyWindow+3)
	msgs = append(msgs, map[string]any{"role": "system", "content": system})
	msgs = append(msgs, map[string]any{"role": "user", "content": stateBlock(flow, facts)})

	window := history
	if len(window) > b.historyWindow {
		window = window[len(window)-b.historyWindow:]
	}
	for _, m := range window {
		role := "user"
		if m.Role == RoleAgent {
			role = "assistant"
		}
		msgs = append(msgs, map[string]any{"role": role, "content": m.Text})
	}

	msgs = append(msgs, map[string]any{"role": "user", "content": userText})
	return llm.Context{Messages: msgs}
}

// stateBlock renders the internal state snapshot the model sees each
// turn. Only populated fields appear, in a fixed order.
func stateBlock(flow Flow, facts Facts) string {
	parts := []string{stateBlockHeader}

	display := []struct{ label, field string }{
		{"name", FactName},
		{"phone", FactContact},
		{"policy_id", FactPolicyNumber},
		{"inquiry", FactInquiryType},
	}
	var known []string
	for _, d := range display {
		if v := facts[d.field]; v != "" {
			known = append(known, d.label+": "+v)
		}
	}
	if len(known) > 0 {
		parts = append(parts, "AVAILABLE_DATA: "+strings.Join(known, ", "))
	}

	parts = append(parts, "CURRENT_PHASE: "+flow.String())

	if flow == FlowSales && facts[FactContact] == "" {
		parts = append(parts, "MISSING_REQUIRED: Phone number needed for quote.")
	}

	return strings.Join(parts, "\n")
}
