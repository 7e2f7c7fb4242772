package frames

// Meta keys shared across processors. Values are always strings; richer
// payloads ride on metrics events instead.
const (
	MetaStreamID  = "stream_id"
	MetaSessionID = "session_id"
	MetaTraceID   = "trace_id"
	MetaSource    = "source"
	MetaIsFinal   = "is_final"
	MetaReason    = "reason"

	// Audio handling.
	MetaCodec    = "codec"
	MetaEncoding = "encoding"
	MetaFormat   = "format"
	MetaTTSFlush = "tts_flush"

	// Telephony.
	MetaFromNumber    = "from_number"
	MetaCallEndReason = "call_end_reason"
	MetaOldStreamID   = "old_stream_id"

	// Conversation routing.
	MetaFlow          = "flow"
	MetaIntent        = "intent"
	MetaTurnNumber    = "turn_number"
	MetaStateSnapshot = "state_snapshot"

	// System messages and greetings injected into the LLM context.
	MetaSystemMessage = "system_message"
	MetaGreetingText  = "greeting_text"

	// Tool invocation plumbing.
	MetaToolCallID  = "tool_call_id"
	MetaToolName    = "tool_name"
	MetaToolArgs    = "tool_args"
	MetaToolResult  = "tool_result"
	MetaToolStatus  = "tool_status"
	MetaToolError   = "tool_error"
	MetaIdempotency = "idempotency_key"

	// Escalation.
	MetaEscalation       = "escalation"
	MetaEscalationTicket = "escalation_ticket"

	// DTMF keypad input.
	MetaDTMFDigit    = "dtmf_digit"
	MetaDTMFPriority = "dtmf_priority"

	// Error-recovery prompts.
	MetaRecoveryReason  = "recovery_reason"
	MetaRepromptAttempt = "reprompt_attempt"

	// Session-global fact propagation; keys below the prefix are fact
	// field names (name, contact_info, policy_number, inquiry_type).
	MetaGlobalPrefix = "global_"

	MetaNormalized        = "normalized"
	MetaShortTurnEnforced = "short_turn_enforced"
	MetaCallSummary       = "call_summary"
)
