package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// User input rejected before the turn pipeline runs.
	ReasonInputEmpty     ReasonCode = "input_empty"
	ReasonInputTooLong   ReasonCode = "input_too_long"
	ReasonInputMalformed ReasonCode = "input_malformed"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonLLMGenerate   ReasonCode = "llm_generate"
	ReasonLLMStream     ReasonCode = "llm_stream"
	ReasonLLMRateLimit  ReasonCode = "llm_rate_limit"
	ReasonLLMAuth       ReasonCode = "llm_auth"
	ReasonLLMBadRequest ReasonCode = "llm_bad_request"
	ReasonLLMTimeout    ReasonCode = "llm_timeout"

	ReasonToolExec       ReasonCode = "tool_exec"
	ReasonToolTimeout    ReasonCode = "tool_timeout"
	ReasonToolUnknown    ReasonCode = "tool_unknown"
	ReasonEscalationSend ReasonCode = "escalation_dispatch"

	// Flow-machine misuse: a transition was requested for an intent or
	// flow outside the fixed vocabulary.
	ReasonFlowTransition ReasonCode = "flow_transition"

	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
