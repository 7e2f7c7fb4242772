package conversation

import (
	"encoding/json"
	"strings"
)

// Status reports whether a tool invocation completed.
type Status string

const (
	StatusSuccess      Status = "success"
	StatusNotSupported Status = "not_supported"
	StatusError        Status = "error"
)

// Action is the tool's recommendation for what the flow should do next.
type Action string

const (
	ActionContinue Action = "continue"
	ActionEscalate Action = "escalate"
	ActionRetry    Action = "retry"
)

// ToolResult is the structured shape tools return. Tools evolve
// independently from the flow manager, so older tools may still return
// bare strings; ParseToolResult accepts both.
type ToolResult struct {
	Status             Status         `json:"status"`
	Action             Action         `json:"action"`
	EscalationRequired bool           `json:"escalation_required"`
	Data               map[string]any `json:"data,omitempty"`
	Message            string         `json:"message,omitempty"`
}

// Legacy plain-text tool results signal escalation with these markers.
var legacyEscalationKeywords = []string{
	"not_supported",
	"escalate",
	"specialist",
	"human agent",
}

// Escalation markers that surface in LLM response text when automatic
// tool invocation embedded a tool's refusal into the reply.
var responseEscalationKeywords = []string{
	"requires specialist assistance",
	"specialist assistance",
	"not_supported",
	"operation '",
	"human agent",
	"escalate",
	"transfer to specialist",
	"connect you with a specialist",
}

// ParseToolResult interprets a raw tool payload. JSON objects map onto
// ToolResult with status/action lowercased and escalation_required
// implied by not_supported or escalate; anything else takes the legacy
// keyword path.
func ParseToolResult(raw string) ToolResult {
	trimmed := stripFences(strings.TrimSpace(raw))

	if strings.HasPrefix(trimmed, "{") {
		var r ToolResult
		if err := json.Unmarshal([]byte(trimmed), &r); err == nil {
			return normalizeToolResult(r)
		}
	}

	lower := strings.ToLower(trimmed)
	for _, kw := range legacyEscalationKeywords {
		if strings.Contains(lower, kw) {
			return ToolResult{
				Status:             StatusSuccess,
				Action:             ActionEscalate,
				EscalationRequired: true,
				Message:            raw,
			}
		}
	}
	return ToolResult{Status: StatusSuccess, Action: ActionContinue, Message: raw}
}

func normalizeToolResult(r ToolResult) ToolResult {
	r.Status = Status(strings.ToLower(string(r.Status)))
	r.Action = Action(strings.ToLower(string(r.Action)))
	if r.Status == StatusNotSupported || r.Action == ActionEscalate {
		r.EscalationRequired = true
	}
	// Payloads only accompany completed calls.
	if r.Status != StatusSuccess {
		r.Data = nil
	}
	return r
}

// DetectEscalation reports whether a structured result demands handoff.
func DetectEscalation(r ToolResult) bool {
	return r.EscalationRequired || r.Status == StatusNotSupported || r.Action == ActionEscalate
}

// DetectEscalationText scans response text for embedded escalation
// markers. Automatic tool invocation folds tool refusals into the
// model's reply, so the reply itself is the only place they surface.
func DetectEscalationText(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range responseEscalationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// stripFences removes a markdown code fence wrapper if present.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], "{}") {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
