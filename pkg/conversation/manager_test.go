package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

type scriptStep struct {
	resp llm.Response
	err  error
}

// scriptedAdapter replays canned responses in order, repeating the last
// step once the script runs out.
type scriptedAdapter struct {
	steps []scriptStep
	calls []llm.Context
}

func (a *scriptedAdapter) Generate(ctx context.Context, input llm.Context) (llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return llm.Response{}, err
	}
	a.calls = append(a.calls, input)
	i := len(a.calls) - 1
	if i >= len(a.steps) {
		i = len(a.steps) - 1
	}
	step := a.steps[i]
	return step.resp, step.err
}

func (a *scriptedAdapter) Stream(context.Context, llm.Context) (<-chan string, error) {
	return nil, nil
}
func (a *scriptedAdapter) MapTools([]llm.Tool) (any, error)          { return nil, nil }
func (a *scriptedAdapter) ToProviderFormat(llm.Context) (any, error) { return nil, nil }
func (a *scriptedAdapter) FromProviderFormat(any) (llm.Response, error) {
	return llm.Response{}, nil
}
func (a *scriptedAdapter) Name() string { return "scripted" }

type toolCallRecord struct {
	name string
	args map[string]any
}

type fakeRegistry struct {
	defs    []llm.Tool
	results map[string]string
	errs    map[string]error
	calls   []toolCallRecord
}

func (r *fakeRegistry) Tools() []llm.Tool { return r.defs }

func (r *fakeRegistry) HandleTool(name string, args map[string]any) (string, error) {
	r.calls = append(r.calls, toolCallRecord{name: name, args: args})
	if err := r.errs[name]; err != nil {
		return "", err
	}
	return r.results[name], nil
}

func (r *fakeRegistry) callsTo(name string) int {
	n := 0
	for _, c := range r.calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = llm.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Sleep:       func(time.Duration) {},
		}
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerRequiresAdapter(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatal("expected error without adapter")
	}
}

func TestTurnCapturesNameWithoutLeavingGreeting(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{Text: "Nice to meet you, Bob! How can I help?", Tokens: 25, Model: "gemini-2.5-flash-lite"}},
	}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "Hi, my name is Bob"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Flow != FlowGreeting {
		t.Fatalf("flow = %s, want GREETING", res.Flow)
	}
	if len(res.FactsCaptured) != 1 || res.FactsCaptured[0] != FactName {
		t.Fatalf("captured = %v, want [name]", res.FactsCaptured)
	}
	snap := m.Snapshot()
	if snap.Facts[FactName] != "Bob" {
		t.Fatalf("facts = %v", snap.Facts)
	}
	if snap.TurnCount != 1 || len(snap.History) != 2 {
		t.Fatalf("turn=%d history=%d, want 1 and 2", snap.TurnCount, len(snap.History))
	}
	if res.Metrics.Tokens != 25 || res.Metrics.Model != "gemini-2.5-flash-lite" {
		t.Fatalf("metrics = %+v", res.Metrics)
	}
}

func TestTurnRoutesSupportIntent(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{Text: "I can help with that policy."}},
	}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "I need help with my policy"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Intent != IntentSupport || res.Flow != FlowSupport {
		t.Fatalf("intent=%s flow=%s, want SUPPORT/SUPPORT", res.Intent, res.Flow)
	}

	// The request must already carry the post-transition prompt and phase.
	system := a.calls[0].Messages[0]["content"].(string)
	if !strings.Contains(system, "support mode") {
		t.Fatal("system prompt is not the support variant")
	}
	block := a.calls[0].Messages[1]["content"].(string)
	if !strings.Contains(block, "CURRENT_PHASE: SUPPORT") {
		t.Fatalf("state block = %q", block)
	}
}

func TestEmptyInputIsNoOp(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{{resp: llm.Response{Text: "unused"}}}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "   \t "})
	if err != nil || !res.Skipped {
		t.Fatalf("res=%+v err=%v, want skipped", res, err)
	}
	if len(a.calls) != 0 {
		t.Fatal("adapter called for empty input")
	}
	if snap := m.Snapshot(); snap.TurnCount != 0 || len(snap.History) != 0 {
		t.Fatalf("state advanced on empty input: %+v", snap)
	}
}

func TestRejectedInputIsNoOp(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{{resp: llm.Response{Text: "unused"}}}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "see <script>alert(1)</script>"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !res.Rejected {
		t.Fatal("suspicious input not rejected")
	}
	if res.Text != "Invalid input detected. Please enter a normal message." {
		t.Fatalf("rejection text = %q", res.Text)
	}
	if len(a.calls) != 0 {
		t.Fatal("adapter called for rejected input")
	}
	if snap := m.Snapshot(); snap.TurnCount != 0 || len(snap.History) != 0 {
		t.Fatalf("state advanced on rejected input: %+v", snap)
	}
}

func TestFailedTurnParksFlowInErrorOnly(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{
		{err: errorsx.New(errorsx.ReasonLLMTimeout, "upstream deadline")},
	}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "my name is Bob and I need help"})
	if err != nil {
		t.Fatalf("exhausted failure must not return an error, got %v", err)
	}
	if !res.Failed || res.Text != apologyMessage {
		t.Fatalf("res = %+v, want failed apology", res)
	}
	if res.Flow != FlowError {
		t.Fatalf("flow = %s, want ERROR_HANDLING", res.Flow)
	}
	// Retry ran the adapter twice before giving up.
	if len(a.calls) != 2 {
		t.Fatalf("adapter calls = %d, want 2", len(a.calls))
	}

	// The flow parks in error handling; nothing else commits.
	snap := m.Snapshot()
	if snap.Flow != "ERROR_HANDLING" {
		t.Fatalf("snapshot flow = %s", snap.Flow)
	}
	if snap.TurnCount != 0 || len(snap.History) != 0 {
		t.Fatalf("turn/history advanced on failure: %+v", snap)
	}
	if len(snap.Facts) != 0 {
		t.Fatalf("facts committed on failed turn: %v", snap.Facts)
	}
}

func TestErrorFlowRecoversToGreeting(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{
		{err: errorsx.New(errorsx.ReasonLLMGenerate, "boom")},
		{err: errorsx.New(errorsx.ReasonLLMGenerate, "boom")},
		{resp: llm.Response{Text: "Welcome back! How can I help?"}},
	}}
	m := newTestManager(t, Config{Adapter: a})

	if res, _ := m.ProcessTurn(context.Background(), TurnInput{Text: "hello there"}); !res.Failed {
		t.Fatal("first turn should fail")
	}
	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "I need help please"})
	if err != nil {
		t.Fatalf("recovery turn: %v", err)
	}
	if res.Flow != FlowGreeting {
		t.Fatalf("flow = %s, want GREETING after recovery", res.Flow)
	}
	if snap := m.Snapshot(); snap.TurnCount != 1 {
		t.Fatalf("turn count = %d, want 1", snap.TurnCount)
	}
}

func TestCancelledTurnLeavesStateUntouched(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{{resp: llm.Response{Text: "unused"}}}}
	m := newTestManager(t, Config{Adapter: a})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ProcessTurn(ctx, TurnInput{Text: "I need help with my policy"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	snap := m.Snapshot()
	if snap.Flow != "GREETING" {
		t.Fatalf("flow = %s, cancelled turn must not transition", snap.Flow)
	}
	if snap.TurnCount != 0 || len(snap.History) != 0 || len(snap.Facts) != 0 {
		t.Fatalf("state advanced on cancelled turn: %+v", snap)
	}
}

func TestToolRoundFeedsResultBack(t *testing.T) {
	reg := &fakeRegistry{
		defs:    []llm.Tool{{Name: "get_policy_info", Description: "look up a policy"}},
		results: map[string]string{"get_policy_info": `{"status":"success","action":"continue","data":{"policy_number":"POL123456","status":"active"},"message":"policy found"}`},
	}
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{ToolCalls: []llm.ToolCall{{ID: "call-1", Name: "get_policy_info", Arguments: map[string]any{"policy_number": "POL123456"}}}, Tokens: 30}},
		{resp: llm.Response{Text: "Your policy POL123456 is active.", Tokens: 45}},
	}}
	m := newTestManager(t, Config{Adapter: a, Registry: reg})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "what's the status of my policy POL123456"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(res.ToolsInvoked) != 1 || res.ToolsInvoked[0] != "get_policy_info" {
		t.Fatalf("tools = %v", res.ToolsInvoked)
	}
	if res.EscalationSignaled {
		t.Fatal("successful tool call signaled escalation")
	}
	if res.Metrics.Tokens != 75 {
		t.Fatalf("tokens = %d, want 75 accumulated across rounds", res.Metrics.Tokens)
	}

	// Second request must carry the tool exchange in provider format.
	if len(a.calls) != 2 {
		t.Fatalf("adapter calls = %d, want 2", len(a.calls))
	}
	msgs := a.calls[1].Messages
	toolMsg := msgs[len(msgs)-1]
	if toolMsg["role"] != "tool" || toolMsg["tool_call_id"] != "call-1" {
		t.Fatalf("trailing tool message = %v", toolMsg)
	}
	assistantMsg := msgs[len(msgs)-2]
	if assistantMsg["role"] != "assistant" {
		t.Fatalf("tool call echo = %v", assistantMsg)
	}
}

func TestToolEscalationWithMissingFactsDefers(t *testing.T) {
	reg := &fakeRegistry{
		defs:    []llm.Tool{{Name: "cancel_policy"}},
		results: map[string]string{"cancel_policy": `{"status":"not_supported","message":"operation 'cancel_policy' requires specialist assistance"}`},
	}
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "cancel_policy", Arguments: map[string]any{}}}}},
		{resp: llm.Response{Text: "Let me look into cancelling that."}},
	}}
	m := newTestManager(t, Config{Adapter: a, Registry: reg})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "please cancel my policy"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !res.EscalationSignaled || res.EscalationDispatched {
		t.Fatalf("res = %+v, want signaled but not dispatched", res)
	}
	if !strings.Contains(res.Text, DisclosureMessage) {
		t.Fatalf("response missing disclosure: %q", res.Text)
	}
	if !strings.Contains(res.Text, "I'll need your name and phone number.") {
		t.Fatalf("response missing info prompt: %q", res.Text)
	}
	if !m.Snapshot().PendingEscalation {
		t.Fatal("pending_escalation not set")
	}
	if reg.callsTo(EscalationToolName) != 0 {
		t.Fatal("dispatch ran without required facts")
	}
}

func TestPendingEscalationDispatchesOnceFactsArrive(t *testing.T) {
	reg := &fakeRegistry{
		defs: []llm.Tool{{Name: "cancel_policy"}},
		results: map[string]string{
			"cancel_policy":    `{"status":"not_supported","message":"operation 'cancel_policy' requires specialist assistance"}`,
			EscalationToolName: `{"status":"success","action":"continue","message":"Specialist ticket #7 created. Someone will call you shortly."}`,
		},
	}
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "cancel_policy", Arguments: map[string]any{}}}}},
		{resp: llm.Response{Text: "Let me look into cancelling that."}},
		{resp: llm.Response{Text: "Got it, thanks Bob."}},
		{resp: llm.Response{Text: "You're welcome!"}},
	}}
	m := newTestManager(t, Config{Adapter: a, Registry: reg})

	if _, err := m.ProcessTurn(context.Background(), TurnInput{Text: "please cancel my policy"}); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "my name is Bob and my number is 555-123-4567"})
	if err != nil {
		t.Fatalf("turn 2: %v", err)
	}
	if !res.EscalationDispatched {
		t.Fatalf("res = %+v, want dispatched", res)
	}
	if m.Snapshot().PendingEscalation {
		t.Fatal("pending_escalation still set after dispatch")
	}
	if !strings.Contains(res.Text, "Specialist ticket #7 created.") {
		t.Fatalf("confirmation missing: %q", res.Text)
	}

	// The dispatch must carry the facts and the original triggering issue.
	if reg.callsTo(EscalationToolName) != 1 {
		t.Fatalf("dispatch calls = %d, want 1", reg.callsTo(EscalationToolName))
	}
	var dispatch toolCallRecord
	for _, c := range reg.calls {
		if c.name == EscalationToolName {
			dispatch = c
		}
	}
	if dispatch.args["name"] != "Bob" || dispatch.args["phone"] != "555-123-4567" {
		t.Fatalf("dispatch args = %v", dispatch.args)
	}
	if dispatch.args["issue_description"] != "please cancel my policy" {
		t.Fatalf("issue = %v, want the original triggering utterance", dispatch.args["issue_description"])
	}

	// A later unrelated turn must not re-dispatch.
	if _, err := m.ProcessTurn(context.Background(), TurnInput{Text: "thanks so much"}); err != nil {
		t.Fatalf("turn 3: %v", err)
	}
	if reg.callsTo(EscalationToolName) != 1 {
		t.Fatal("escalation re-dispatched on an unrelated turn")
	}
}

func TestResponseTextEscalationMarkerTriggersOrchestrator(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{Text: "This needs review; I will connect you with a specialist."}},
	}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "I have a complex trust question"})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !res.EscalationSignaled {
		t.Fatal("marker in response text did not signal escalation")
	}
	if !m.Snapshot().PendingEscalation {
		t.Fatal("escalation without facts must go pending")
	}
}

func TestResponseShaping(t *testing.T) {
	t.Run("empty response falls back", func(t *testing.T) {
		a := &scriptedAdapter{steps: []scriptStep{{resp: llm.Response{Text: "   "}}}}
		m := newTestManager(t, Config{Adapter: a})
		res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "hello"})
		if err != nil {
			t.Fatalf("ProcessTurn: %v", err)
		}
		if res.Text != emptyResponseFallback {
			t.Fatalf("text = %q, want fallback", res.Text)
		}
	})

	t.Run("long response truncates", func(t *testing.T) {
		a := &scriptedAdapter{steps: []scriptStep{{resp: llm.Response{Text: strings.Repeat("a", 2500)}}}}
		m := newTestManager(t, Config{Adapter: a})
		res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "hello"})
		if err != nil {
			t.Fatalf("ProcessTurn: %v", err)
		}
		if len([]rune(res.Text)) != maxResponseChars+3 || !strings.HasSuffix(res.Text, "...") {
			t.Fatalf("truncated length = %d", len([]rune(res.Text)))
		}
	})
}

func TestTurnEmitsMetrics(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	a := &scriptedAdapter{steps: []scriptStep{
		{resp: llm.Response{Text: "Hello!", Tokens: 12, Model: "gemini-2.5-flash-lite"}},
	}}
	m := newTestManager(t, Config{Adapter: a, Observer: obs, SessionID: "sess-1"})

	if _, err := m.ProcessTurn(context.Background(), TurnInput{Text: "hi there", STTMs: 150}); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	events := obs.Find("turn_completed")
	if len(events) != 1 {
		t.Fatalf("turn_completed events = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Tags["session_id"] != "sess-1" || ev.Tags["intent"] != "CONTINUE" {
		t.Fatalf("tags = %v", ev.Tags)
	}
	if ev.Fields["stt_ms"] != 150.0 {
		t.Fatalf("stt_ms = %v, want 150", ev.Fields["stt_ms"])
	}
	if ev.Fields["tokens"] != 12 {
		t.Fatalf("tokens = %v", ev.Fields["tokens"])
	}
}

func TestSTTAndTTSTimingsFlowThroughMetrics(t *testing.T) {
	a := &scriptedAdapter{steps: []scriptStep{{resp: llm.Response{Text: "Hi!"}}}}
	m := newTestManager(t, Config{Adapter: a})

	res, err := m.ProcessTurn(context.Background(), TurnInput{Text: "hello", STTMs: 200})
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if res.Metrics.STTMs != 200 {
		t.Fatalf("stt_ms = %v, want 200", res.Metrics.STTMs)
	}

	// The caller records synthesis onto the same metrics afterwards.
	res.Metrics.Record(StageTTS, 90*time.Millisecond)
	if res.Metrics.TotalMs != res.Metrics.STTMs+res.Metrics.LLMMs+res.Metrics.TTSMs {
		t.Fatalf("total = %v, want sum of stages", res.Metrics.TotalMs)
	}
}
