package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
)

// DisclosureMessage is spoken whenever handoff is signaled, before
// either the dispatch confirmation or the missing-info prompt.
const DisclosureMessage = "I'll need a specialist for that. Let me get someone from the department on the line."

const (
	missingInfoPrompt      = "Before I connect you with a specialist, I'll need your %s. Could you please provide that?"
	dispatchFailureMessage = "I'm having trouble reaching a specialist right now. I'll try again shortly."
)

// Dispatcher hands a conversation off to a human queue. The returned
// text is the queue's confirmation, spoken back to the user.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, issue, contact string) (string, error)
}

// EscalationOutcome is what one escalation attempt produced. Pending
// means required facts were missing or the dispatch failed; the caller
// keeps the flag set so a later turn can retry.
type EscalationOutcome struct {
	Response   string
	Dispatched bool
	Pending    bool
}

// Orchestrator runs the handoff protocol: disclose, verify the facts a
// specialist needs, then dispatch or defer. It holds no per-session
// state; pending escalations live in ConversationState.
type Orchestrator struct {
	dispatcher Dispatcher
	log        *slog.Logger
}

func NewOrchestrator(d Dispatcher, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{dispatcher: d, log: log}
}

// Escalate attempts a handoff using the session's facts and the
// utterance that triggered it. Dispatch failure is reported in the
// outcome, not returned; the session must keep going either way.
func (o *Orchestrator) Escalate(ctx context.Context, facts Facts, issue string) EscalationOutcome {
	var missing []string
	if facts[FactName] == "" {
		missing = append(missing, "name")
	}
	if facts[FactContact] == "" {
		missing = append(missing, "phone number")
	}

	if len(missing) > 0 {
		o.log.Info("escalation_deferred", "missing", missing)
		prompt := fmt.Sprintf(missingInfoPrompt, strings.Join(missing, " and "))
		return EscalationOutcome{
			Response: DisclosureMessage + "\n\n" + prompt,
			Pending:  true,
		}
	}

	confirmation, err := o.dispatcher.Dispatch(ctx, facts[FactName], issue, facts[FactContact])
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonEscalationSend)
		o.log.Error("escalation_dispatch_failed", "error", err)
		return EscalationOutcome{
			Response: DisclosureMessage + "\n\n" + dispatchFailureMessage,
			Pending:  true,
		}
	}

	o.log.Info("escalation_dispatched", "name", facts[FactName])
	return EscalationOutcome{
		Response:   DisclosureMessage + "\n\n" + confirmation,
		Dispatched: true,
	}
}
