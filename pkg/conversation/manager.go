package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/logging"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

const (
	apologyMessage        = "I apologize, but I'm having trouble processing your message right now. Could you please try again?"
	emptyResponseFallback = "I apologize, but I didn't receive a proper response. Could you please try again?"

	// EscalationToolName is the synthetic tool the orchestrator invokes
	// to hand a conversation to the human queue.
	EscalationToolName = "escalate_to_specialist"

	maxResponseChars = 2000
)

// Config wires a Manager. Adapter is required; everything else has a
// usable default.
type Config struct {
	SessionID     string
	HistoryCap    int
	HistoryWindow int
	MaxInputChars int
	MaxToolRounds int
	ToolTimeout   time.Duration
	Retry         llm.RetryConfig
	Prompts       PromptSet
	Adapter       llm.LLMAdapter
	Registry      llm.ToolRegistry
	Dispatcher    Dispatcher
	Observer      metrics.Observer
	Logger        *slog.Logger
}

// TurnInput is one user utterance plus any upstream stage timing.
// STTMs carries the transcription duration when the text arrived
// through the voice pipeline; zero for typed input.
type TurnInput struct {
	Text  string
	STTMs float64
}

// TurnResult reports everything one turn produced. Metrics stays live
// after return so the caller can record the TTS stage onto it.
type TurnResult struct {
	Text                 string
	Skipped              bool
	Rejected             bool
	Failed               bool
	Intent               Intent
	Flow                 Flow
	FactsCaptured        []string
	EscalationSignaled   bool
	EscalationDispatched bool
	ToolsInvoked         []string
	Metrics              *LatencyMetrics
}

// Manager runs the per-turn pipeline for one session: extract facts,
// classify intent, transition flow, build context, call the LLM,
// interpret tool results, and orchestrate escalation. State mutates
// only on a committed turn; a cancelled or failed turn leaves the
// session as it was, except that exhausted LLM failure parks the flow
// in ERROR_HANDLING.
type Manager struct {
	mu         sync.Mutex
	st         *State
	sessionID  string
	adapter    llm.LLMAdapter
	registry   llm.ToolRegistry
	builder    *ContextBuilder
	classifier *Classifier
	extractor  *Extractor
	orch       *Orchestrator
	obs        metrics.Observer
	log        *slog.Logger

	maxInputChars int
	maxToolRounds int
	toolTimeout   time.Duration
	retry         llm.RetryConfig
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Adapter == nil {
		return nil, errorsx.New(errorsx.ReasonConfigInvalid, "conversation manager requires an llm adapter")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 3
	}
	if cfg.Observer == nil {
		cfg.Observer = metrics.NoopObserver{}
	}
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	log := logging.NewSessionLogger(base, cfg.SessionID)

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = &toolDispatcher{registry: cfg.Registry, timeout: cfg.ToolTimeout}
	}

	m := &Manager{
		st:            NewState(cfg.HistoryCap),
		sessionID:     cfg.SessionID,
		adapter:       cfg.Adapter,
		registry:      cfg.Registry,
		builder:       NewContextBuilder(cfg.Prompts, cfg.HistoryWindow),
		classifier:    NewClassifier(),
		extractor:     NewExtractor(cfg.MaxInputChars, log),
		orch:          NewOrchestrator(dispatcher, log),
		obs:           cfg.Observer,
		log:           log,
		maxInputChars: cfg.MaxInputChars,
		maxToolRounds: cfg.MaxToolRounds,
		toolTimeout:   cfg.ToolTimeout,
		retry:         cfg.Retry,
	}
	return m, nil
}

func (m *Manager) SessionID() string { return m.sessionID }

// Bootstrap seeds the history with the agent's opening line so the
// model sees the greeting it already spoke. No-op once the
// conversation has content.
func (m *Manager) Bootstrap(greeting string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.TrimSpace(greeting) == "" {
		return
	}
	if m.st.turnCount > 0 || len(m.st.history) > 0 {
		return
	}
	m.st.appendHistory(RoleAgent, greeting)
}

// Snapshot returns a read-only copy of the session state for display.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.snapshot()
}

// ProcessTurn runs one full turn. Turns for a session are sequential;
// concurrent calls serialize on the manager's lock. The returned error
// is non-nil only for cancellation or a programming error; backend
// failures surface as an apology response with Failed set.
func (m *Manager) ProcessTurn(ctx context.Context, in TurnInput) (TurnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &LatencyMetrics{}
	if in.STTMs > 0 {
		rec.Record(StageSTT, time.Duration(in.STTMs*float64(time.Millisecond)))
	}

	if strings.TrimSpace(in.Text) == "" {
		m.log.Debug("turn_skipped_empty")
		return TurnResult{Skipped: true, Flow: m.st.flow, Metrics: rec}, nil
	}
	if err := ValidateInput(in.Text, m.maxInputChars); err != nil {
		m.log.Warn("input_rejected", "reason_code", string(errorsx.Reason(err)), "error", err)
		return TurnResult{Rejected: true, Text: RejectionMessage(err), Flow: m.st.flow, Metrics: rec}, nil
	}
	text := SanitizeInput(in.Text, m.maxInputChars)

	// Stage every change on a clone; commit only after the round trip
	// succeeds so a failed turn cannot half-advance the session.
	staged := m.st.clone()

	extracted := m.extractor.Extract(text)
	for field, value := range extracted {
		if !ValidateFactField(field, value) {
			m.log.Warn("fact_rejected", "field", field)
			delete(extracted, field)
		}
	}
	captured := staged.facts.Merge(extracted)
	if len(captured) > 0 {
		m.log.Info("facts_captured", "fields", captured)
	}

	intent := m.classifier.Classify(text, staged.flow)
	next, err := Transition(staged.flow, intent)
	if err != nil {
		return TurnResult{}, errorsx.Wrap(err, errorsx.ReasonFlowTransition)
	}
	if next != staged.flow {
		m.log.Info("flow_transition", "from", staged.flow.String(), "to", next.String(), "intent", intent.String())
	}
	staged.flow = next

	payload := m.builder.Build(staged.flow, intent, staged.facts, staged.history, text)
	if m.registry != nil {
		payload.Tools = m.registry.Tools()
	}

	var resp llm.Response
	var invoked []invokedTool
	llmErr := rec.Time(StageLLM, func() error {
		r, inv, err := m.generateWithTools(ctx, payload)
		resp, invoked = r, inv
		return err
	})
	if llmErr != nil {
		if ctx.Err() != nil {
			m.log.Warn("turn_cancelled", "error", llmErr)
			return TurnResult{Flow: m.st.flow, Metrics: rec}, llmErr
		}
		// Exhausted failure: the only committed change is the flow
		// parking in ERROR_HANDLING so the next turn runs recovery.
		m.st.flow = FlowError
		m.log.Error("llm_turn_failed", "reason_code", string(errorsx.Reason(llmErr)), "error", llmErr)
		m.emitTurn("turn_failed", rec, intent, nil)
		return TurnResult{
			Text:    apologyMessage,
			Failed:  true,
			Intent:  intent,
			Flow:    FlowError,
			Metrics: rec,
		}, nil
	}

	responseText := m.shapeResponse(resp.Text)
	rec.RecordTokens(resp.Tokens, resp.Model)

	toolNames := make([]string, 0, len(invoked))
	for _, it := range invoked {
		toolNames = append(toolNames, it.name)
	}

	// One escalation decision per turn: a deferred escalation from a
	// prior turn takes precedence, then this turn's tool results, then
	// markers embedded in the response text.
	signaled := false
	issue := text
	if staged.pendingEscalation {
		signaled = true
		if staged.pendingIssue != "" {
			issue = staged.pendingIssue
		}
	} else {
		for _, it := range invoked {
			if DetectEscalation(it.result) {
				signaled = true
				break
			}
		}
		if !signaled && DetectEscalationText(responseText) {
			signaled = true
		}
	}

	dispatched := false
	if signaled {
		outcome := m.orch.Escalate(ctx, staged.facts, issue)
		responseText = responseText + "\n\n" + outcome.Response
		staged.pendingEscalation = outcome.Pending
		if outcome.Pending {
			staged.pendingIssue = issue
		} else {
			staged.pendingIssue = ""
		}
		dispatched = outcome.Dispatched
	}

	staged.appendHistory(RoleUser, text)
	staged.appendHistory(RoleAgent, responseText)
	staged.turnCount++
	m.st = staged

	m.emitTurn("turn_completed", rec, intent, toolNames)
	m.log.Info("turn_completed",
		"turn", m.st.turnCount,
		"flow", m.st.flow.String(),
		"intent", intent.String(),
		"llm_ms", rec.LLMMs,
		"tokens", rec.Tokens,
		"escalation_dispatched", dispatched,
	)

	return TurnResult{
		Text:                 responseText,
		Intent:               intent,
		Flow:                 m.st.flow,
		FactsCaptured:        captured,
		EscalationSignaled:   signaled,
		EscalationDispatched: dispatched,
		ToolsInvoked:         toolNames,
		Metrics:              rec,
	}, nil
}

type invokedTool struct {
	name   string
	result ToolResult
}

// generateWithTools runs the LLM round trip, executing tool calls and
// feeding their results back until the model answers in text or the
// round budget runs out. Token counts accumulate across rounds.
func (m *Manager) generateWithTools(ctx context.Context, payload llm.Context) (llm.Response, []invokedTool, error) {
	msgs := payload.Messages
	var invoked []invokedTool
	totalTokens := 0
	model := ""

	for round := 0; ; round++ {
		cur := llm.Context{Messages: msgs, Tools: payload.Tools}
		resp, err := llm.Retry(ctx, m.retry, func(c context.Context) (llm.Response, error) {
			return m.adapter.Generate(c, cur)
		})
		if err != nil {
			return llm.Response{}, invoked, err
		}
		totalTokens += responseTokens(resp)
		if resp.Model != "" {
			model = resp.Model
		}
		if len(resp.ToolCalls) == 0 || round >= m.maxToolRounds {
			resp.Tokens = totalTokens
			resp.Model = model
			return resp, invoked, nil
		}

		for _, call := range resp.ToolCalls {
			if call.ID == "" {
				call.ID = uuid.NewString()
			}
			raw, invokeErr := m.invokeRegistryTool(ctx, call.Name, call.Arguments)
			if invokeErr != nil && ctx.Err() != nil {
				return llm.Response{}, invoked, invokeErr
			}
			var tr ToolResult
			content := raw
			if invokeErr != nil {
				tr = ToolResult{
					Status:  StatusError,
					Action:  ActionContinue,
					Message: invokeErr.Error(),
				}
				if DetectEscalationText(invokeErr.Error()) {
					tr.EscalationRequired = true
				}
				b, _ := json.Marshal(tr)
				content = string(b)
				m.log.Error("tool_failed", "tool_name", call.Name, "reason_code", string(errorsx.Reason(invokeErr)), "error", invokeErr)
			} else {
				tr = ParseToolResult(raw)
				m.log.Info("tool_invoked", "tool_name", call.Name, "status", string(tr.Status))
			}
			invoked = append(invoked, invokedTool{name: call.Name, result: tr})

			msgs = append(msgs, map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{
						"id":   call.ID,
						"type": "function",
						"function": map[string]any{
							"name":      call.Name,
							"arguments": call.Arguments,
						},
					},
				},
			})
			msgs = append(msgs, map[string]any{
				"role":         "tool",
				"tool_call_id": call.ID,
				"content":      content,
			})
		}
	}
}

func (m *Manager) invokeRegistryTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if m.registry == nil {
		return "", errorsx.New(errorsx.ReasonToolUnknown, "no tool registry configured")
	}
	return invokeWithTimeout(ctx, m.registry, name, args, m.toolTimeout)
}

// shapeResponse enforces output hygiene: a spoken response is never
// empty and never longer than the channel can deliver.
func (m *Manager) shapeResponse(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return emptyResponseFallback
	}
	if runes := []rune(trimmed); len(runes) > maxResponseChars {
		m.log.Warn("response_truncated", "chars", len(runes), "cap", maxResponseChars)
		return string(runes[:maxResponseChars]) + "..."
	}
	return trimmed
}

func (m *Manager) emitTurn(name string, rec *LatencyMetrics, intent Intent, tools []string) {
	fields := map[string]any{
		"stt_ms": rec.STTMs,
		"llm_ms": rec.LLMMs,
		"tts_ms": rec.TTSMs,
		"tokens": rec.Tokens,
	}
	if rec.Model != "" {
		fields["model"] = rec.Model
	}
	if len(tools) > 0 {
		fields["tools"] = tools
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: rec.TotalMs,
		Tags: map[string]string{
			"session_id": m.sessionID,
			"flow":       m.st.flow.String(),
			"intent":     intent.String(),
		},
		Fields: fields,
	})
}

// invokeWithTimeout executes one registry tool, bounding it with both
// the turn context and an optional per-tool timeout.
func invokeWithTimeout(ctx context.Context, registry llm.ToolRegistry, name string, args map[string]any, timeout time.Duration) (string, error) {
	if timeout <= 0 && ctx.Done() == nil {
		return registry.HandleTool(name, args)
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := registry.HandleTool(name, args)
		ch <- result{text: text, err: err}
	}()
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case out := <-ch:
		return out.text, out.err
	case <-timer:
		return "", errorsx.New(errorsx.ReasonToolTimeout, "tool %s timed out after %s", name, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// toolDispatcher is the default escalation dispatcher: a synthetic
// invocation of the registry's handoff tool.
type toolDispatcher struct {
	registry llm.ToolRegistry
	timeout  time.Duration
}

func (d *toolDispatcher) Dispatch(ctx context.Context, name, issue, contact string) (string, error) {
	if d.registry == nil {
		return "", errorsx.New(errorsx.ReasonToolUnknown, "no escalation tool registered")
	}
	args := map[string]any{
		"name":              name,
		"issue_description": issue,
		"phone":             contact,
	}
	raw, err := invokeWithTimeout(ctx, d.registry, EscalationToolName, args, d.timeout)
	if err != nil {
		return "", err
	}
	tr := ParseToolResult(raw)
	if tr.Status == StatusError {
		return "", errorsx.New(errorsx.ReasonEscalationSend, "escalation tool failed: %s", tr.Message)
	}
	if tr.Message != "" {
		return tr.Message, nil
	}
	return raw, nil
}

func responseTokens(r llm.Response) int {
	if r.Tokens > 0 {
		return r.Tokens
	}
	return r.Usage.TotalTokens
}
