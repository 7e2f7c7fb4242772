package conversation

import (
	"regexp"
	"strings"
)

// Intent is the classifier's categorical judgment of a single utterance.
type Intent int

const (
	IntentContinue Intent = iota
	IntentSupport
	IntentSales
	IntentReset
)

// String returns the string representation of an Intent.
func (i Intent) String() string {
	switch i {
	case IntentContinue:
		return "CONTINUE"
	case IntentSupport:
		return "SUPPORT"
	case IntentSales:
		return "SALES"
	case IntentReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// intentRule pairs an intent with the patterns that select it.
type intentRule struct {
	intent   Intent
	patterns []*regexp.Regexp
}

// Rule order is the priority order: explicit reset phrasing beats flow
// keywords, flow keywords beat generic continuation. First match wins.
var intentRules = []intentRule{
	{
		intent: IntentReset,
		patterns: compileAll(
			`\b(start over|restart|reset|start again|begin again|new conversation|main menu)\b`,
		),
	},
	{
		intent: IntentSupport,
		patterns: compileAll(
			`\b(help|support|assistance|problem|issue|trouble)\b`,
			`\b(claim|policy|coverage|benefits)\b`,
			`\b(can't|cannot|unable|difficulty|error)\b`,
			`\b(fix|resolve|solve|repair)\b`,
			`\b(existing|current|my policy)\b`,
		),
	},
	{
		intent: IntentSales,
		patterns: compileAll(
			`\b(buy|purchase|get|want|need|interested)\b.*\b(insurance|policy|coverage)\b`,
			`\b(quote|price|cost|rate|premium)\b`,
			`\b(new|additional|more) (insurance|policy|coverage)\b`,
			`\b(auto|car|home|life|health) insurance\b`,
			`\b(sign up|enroll|apply)\b`,
		),
	},
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(expr))
	}
	return out
}

// Classifier maps utterances to intents with deterministic pattern rules.
// It never fails: anything unmatched is a continuation of the current flow.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns exactly one intent for any input. Empty or whitespace
// input yields IntentContinue with no side effects.
func (c *Classifier) Classify(text string, current Flow) Intent {
	lowered := strings.ToLower(strings.TrimSpace(text))
	if lowered == "" {
		return IntentContinue
	}
	for _, rule := range intentRules {
		for _, p := range rule.patterns {
			if p.MatchString(lowered) {
				return rule.intent
			}
		}
	}
	return IntentContinue
}
