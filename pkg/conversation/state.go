package conversation

// Flow identifies the active conversational mode for a session.
type Flow int

const (
	FlowGreeting Flow = iota
	FlowSupport
	FlowSales
	FlowError
)

// String returns the string representation of a Flow.
func (f Flow) String() string {
	switch f {
	case FlowGreeting:
		return "GREETING"
	case FlowSupport:
		return "SUPPORT"
	case FlowSales:
		return "SALES"
	case FlowError:
		return "ERROR_HANDLING"
	default:
		return "UNKNOWN"
	}
}

// Fact field names. Facts are durable per-session captures; once a field
// holds a non-empty value it is never overwritten for the rest of the
// session, so a misheard later utterance cannot erase a good capture.
const (
	FactName         = "name"
	FactContact      = "contact_info"
	FactPolicyNumber = "policy_number"
	FactInquiryType  = "inquiry_type"
)

// factFields is the canonical field order for serialization.
var factFields = []string{FactName, FactContact, FactPolicyNumber, FactInquiryType}

type Facts map[string]string

// Merge applies updates under the monotonic rule: only fields that are
// currently empty accept a non-empty value. Returns the fields captured.
func (f Facts) Merge(updates Facts) []string {
	var captured []string
	for _, field := range factFields {
		v := updates[field]
		if v == "" {
			continue
		}
		if f[field] != "" {
			continue
		}
		f[field] = v
		captured = append(captured, field)
	}
	return captured
}

// Missing returns which of the given fields have no value yet.
func (f Facts) Missing(fields ...string) []string {
	var missing []string
	for _, field := range fields {
		if f[field] == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

func (f Facts) Clone() Facts {
	out := make(Facts, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Message is one history entry.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// State holds everything a session accumulates. It is owned exclusively
// by the session's Manager; collaborators read it through Snapshot.
type State struct {
	flow              Flow
	facts             Facts
	history           []Message
	turnCount         int
	pendingEscalation bool
	pendingIssue      string
	historyCap        int
}

// NewState creates session state in the Greeting flow.
func NewState(historyCap int) *State {
	if historyCap <= 0 {
		historyCap = 20
	}
	return &State{
		flow:       FlowGreeting,
		facts:      make(Facts),
		historyCap: historyCap,
	}
}

func (s *State) Flow() Flow { return s.flow }

func (s *State) TurnCount() int { return s.turnCount }

func (s *State) PendingEscalation() bool { return s.pendingEscalation }

func (s *State) Facts() Facts { return s.facts.Clone() }

func (s *State) History() []Message {
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *State) appendHistory(role, text string) {
	s.history = append(s.history, Message{Role: role, Text: text})
	if len(s.history) > s.historyCap {
		s.history = s.history[len(s.history)-s.historyCap:]
	}
}

// clone copies the state for staging. A turn computes its changes on the
// clone and the Manager commits it back only after the LLM round trip
// succeeds, so a failed turn leaves the session exactly as it was.
func (s *State) clone() *State {
	out := &State{
		flow:              s.flow,
		facts:             s.facts.Clone(),
		history:           make([]Message, len(s.history)),
		turnCount:         s.turnCount,
		pendingEscalation: s.pendingEscalation,
		pendingIssue:      s.pendingIssue,
		historyCap:        s.historyCap,
	}
	copy(out.history, s.history)
	return out
}

// Snapshot is the read-only view handed to the presentation layer.
type Snapshot struct {
	Flow              string    `json:"flow"`
	Facts             Facts     `json:"facts"`
	History           []Message `json:"history"`
	TurnCount         int       `json:"turn_count"`
	PendingEscalation bool      `json:"pending_escalation"`
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		Flow:              s.flow.String(),
		Facts:             s.facts.Clone(),
		History:           s.History(),
		TurnCount:         s.turnCount,
		PendingEscalation: s.pendingEscalation,
	}
}
