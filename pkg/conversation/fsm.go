package conversation

import "fmt"

// flowTransitions enumerates every (flow, intent) pair. Explicit intents
// always win over the current flow; IntentContinue keeps it; IntentReset
// returns to greeting from anywhere. ERROR_HANDLING drains to greeting on
// the next turn regardless of intent so a failed turn cannot trap the
// session.
var flowTransitions = map[Flow]map[Intent]Flow{
	FlowGreeting: {
		IntentSupport:  FlowSupport,
		IntentSales:    FlowSales,
		IntentReset:    FlowGreeting,
		IntentContinue: FlowGreeting,
	},
	FlowSupport: {
		IntentSupport:  FlowSupport,
		IntentSales:    FlowSales,
		IntentReset:    FlowGreeting,
		IntentContinue: FlowSupport,
	},
	FlowSales: {
		IntentSupport:  FlowSupport,
		IntentSales:    FlowSales,
		IntentReset:    FlowGreeting,
		IntentContinue: FlowSales,
	},
	FlowError: {
		IntentSupport:  FlowGreeting,
		IntentSales:    FlowGreeting,
		IntentReset:    FlowGreeting,
		IntentContinue: FlowGreeting,
	},
}

// TransitionError reports a (flow, intent) pair outside the table. With
// the enumerated table this only fires on values that never came from
// the classifier, such as a zero Flow read from a corrupted snapshot.
type TransitionError struct {
	Flow   Flow
	Intent Intent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("no transition from flow %s on intent %s", e.Flow, e.Intent)
}

// Transition resolves the next flow for an intent. It never mutates
// anything; callers apply the result to their staged state.
func Transition(flow Flow, intent Intent) (Flow, error) {
	row, ok := flowTransitions[flow]
	if !ok {
		return flow, &TransitionError{Flow: flow, Intent: intent}
	}
	next, ok := row[intent]
	if !ok {
		return flow, &TransitionError{Flow: flow, Intent: intent}
	}
	return next, nil
}
