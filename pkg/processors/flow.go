package processors

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/conversation"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/turn"
)

// ManagerFactory builds the conversation manager for a session the
// first time the pipeline sees its text.
type ManagerFactory func(sessionID string) (*conversation.Manager, error)

// FlowProcessor is the routing stage: one conversation manager per
// session, one committed turn per settled utterance. Upstream stages
// hand it utterance-shaped text (recognizer finals, keypad entries,
// typed chat); it replies with the agent's text for synthesis plus a
// state snapshot frame for transports that render state.
type FlowProcessor struct {
	factory  ManagerFactory
	managers map[string]*conversation.Manager
	speechAt map[string]time.Time
	mu       sync.Mutex
	ctx      context.Context
	obs      metrics.Observer
	turnMgr  turn.Manager
}

func NewFlowProcessor(factory ManagerFactory) *FlowProcessor {
	return &FlowProcessor{
		factory:  factory,
		managers: make(map[string]*conversation.Manager),
		speechAt: make(map[string]time.Time),
		ctx:      context.Background(),
	}
}

func (p *FlowProcessor) Name() string { return "flow" }

func (p *FlowProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *FlowProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetTurnManager lets the routing stage drive agent-side transitions
// directly. The turn stage sits upstream and only sees caller traffic.
func (p *FlowProcessor) SetTurnManager(m turn.Manager) { p.turnMgr = m }

func (p *FlowProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		return p.processSystem(f.(frames.SystemFrame))
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		meta := cf.Meta()
		// Speech onset starts the clock that becomes the turn's STT
		// stage timing when the settled utterance arrives.
		if cf.Code() == frames.ControlFlush && meta[frames.MetaReason] == "speech_started" {
			if id := meta[frames.MetaStreamID]; id != "" {
				p.mu.Lock()
				p.speechAt[id] = time.Now()
				p.mu.Unlock()
			}
		}
		return []frames.Frame{f}, nil
	case frames.KindText:
		return p.processText(f.(frames.TextFrame))
	}
	return []frames.Frame{f}, nil
}

func (p *FlowProcessor) processSystem(sf frames.SystemFrame) ([]frames.Frame, error) {
	meta := sf.Meta()
	if sf.Name() == "call_end" {
		p.endSession(meta)
		return []frames.Frame{sf}, nil
	}
	if greet := meta[frames.MetaGreetingText]; greet != "" {
		return p.emitGreeting(sf, greet), nil
	}
	return []frames.Frame{sf}, nil
}

// emitGreeting speaks the configured opening line and seeds it into the
// session history so the model knows it already introduced itself.
func (p *FlowProcessor) emitGreeting(sf frames.SystemFrame, greet string) []frames.Frame {
	meta := sf.Meta()
	sessionID := sessionKey(meta)
	mgr, err := p.managerFor(sessionID)
	if err != nil {
		slog.Error("flow_manager_init_failed", "session_id", sessionID, "error", err)
		return []frames.Frame{sf}
	}
	mgr.Bootstrap(greet)
	streamID := meta[frames.MetaStreamID]
	out := meta
	out[frames.MetaSource] = "flow"
	out[frames.MetaTTSFlush] = "true"
	slog.Info("flow_greeting", "session_id", sessionID)
	if p.turnMgr != nil {
		p.turnMgr.OnAgentSpeechStart()
	}
	return []frames.Frame{
		frames.NewTextFrame(streamID, sf.PTS(), greet, out),
		p.snapshotFrame(streamID, sessionID, mgr),
	}
}

func (p *FlowProcessor) processText(tf frames.TextFrame) ([]frames.Frame, error) {
	meta := tf.Meta()
	source := meta[frames.MetaSource]
	switch source {
	case "stt", "dtmf", "webchat":
	default:
		return []frames.Frame{tf}, nil
	}

	streamID := meta[frames.MetaStreamID]
	sessionID := sessionKey(meta)
	mgr, err := p.managerFor(sessionID)
	if err != nil {
		slog.Error("flow_manager_init_failed", "session_id", sessionID, "error", err)
		fallback := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)
		return []frames.Frame{fallback}, nil
	}

	slog.Info("flow_input", "session_id", sessionID, "source", source, "text", redact.Text(tf.Text()))

	sttMs := p.takeSpeechMs(streamID, source)
	if p.turnMgr != nil {
		p.turnMgr.OnAgentThinkStart()
		if sttMs > 0 {
			p.turnMgr.OnSTTInput(time.Duration(sttMs * float64(time.Millisecond)))
		}
	}
	out := []frames.Frame{
		frames.NewSystemFrame(streamID, time.Now().UnixNano(), "thinking_start", cloneFlowMeta(meta)),
	}

	res, err := mgr.ProcessTurn(p.ctx, conversation.TurnInput{
		Text:  tf.Text(),
		STTMs: sttMs,
	})
	if err != nil {
		slog.Error("flow_turn_error", "session_id", sessionID, "error", err)
		if p.turnMgr != nil {
			p.turnMgr.OnAgentThinkEnd()
		}
		fallback := frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta)
		out = append(out, fallback, p.thinkingEnd(streamID, meta))
		return out, nil
	}
	if res.Skipped {
		// Nothing to answer; withdraw the thinking state we announced.
		if p.turnMgr != nil {
			p.turnMgr.OnAgentThinkEnd()
		}
		return append(out, p.thinkingEnd(streamID, meta)), nil
	}

	reply := meta
	reply[frames.MetaSource] = "flow"
	reply[frames.MetaFlow] = res.Flow.String()
	reply[frames.MetaIntent] = res.Intent.String()
	reply[frames.MetaTurnNumber] = strconv.Itoa(mgr.Snapshot().TurnCount)
	reply[frames.MetaTTSFlush] = "true"
	if res.EscalationSignaled {
		reply[frames.MetaEscalation] = "true"
	}
	delete(reply, frames.MetaIsFinal)

	if p.turnMgr != nil {
		p.turnMgr.OnAgentThinkEnd()
		p.turnMgr.OnAgentSpeechStart()
	}
	out = append(out,
		frames.NewTextFrame(streamID, time.Now().UnixNano(), res.Text, reply),
		p.snapshotFrame(streamID, sessionID, mgr),
		p.thinkingEnd(streamID, meta),
	)
	return out, nil
}

func (p *FlowProcessor) thinkingEnd(streamID string, meta map[string]string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, time.Now().UnixNano(), "thinking_end", cloneFlowMeta(meta))
}

// snapshotFrame packages the committed session state for transports
// that render it. Voice transports ignore it; webchat forwards it.
func (p *FlowProcessor) snapshotFrame(streamID, sessionID string, mgr *conversation.Manager) frames.SystemFrame {
	snap := mgr.Snapshot()
	payload, err := json.Marshal(snap)
	if err != nil {
		payload = []byte("{}")
	}
	return frames.NewSystemFrame(streamID, time.Now().UnixNano(), "state_snapshot", map[string]string{
		frames.MetaStreamID:      streamID,
		frames.MetaSessionID:     sessionID,
		frames.MetaSource:        "flow",
		frames.MetaFlow:          snap.Flow,
		frames.MetaStateSnapshot: string(payload),
	})
}

// Snapshot exposes the committed state of one session for health and
// debug surfaces.
func (p *FlowProcessor) Snapshot(sessionID string) (conversation.Snapshot, bool) {
	p.mu.Lock()
	mgr, ok := p.managers[sessionID]
	p.mu.Unlock()
	if !ok {
		return conversation.Snapshot{}, false
	}
	return mgr.Snapshot(), true
}

func (p *FlowProcessor) managerFor(sessionID string) (*conversation.Manager, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mgr, ok := p.managers[sessionID]; ok {
		return mgr, nil
	}
	mgr, err := p.factory(sessionID)
	if err != nil {
		return nil, err
	}
	p.managers[sessionID] = mgr
	return mgr, nil
}

// takeSpeechMs returns the elapsed time since speech onset for voice
// input and clears the mark. Typed and keypad input report zero.
func (p *FlowProcessor) takeSpeechMs(streamID, source string) float64 {
	if source != "stt" || streamID == "" {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.speechAt[streamID]
	if !ok {
		return 0
	}
	delete(p.speechAt, streamID)
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func (p *FlowProcessor) endSession(meta map[string]string) {
	sessionID := sessionKey(meta)
	streamID := meta[frames.MetaStreamID]
	p.mu.Lock()
	delete(p.managers, sessionID)
	delete(p.speechAt, streamID)
	p.mu.Unlock()
	if sessionID != "" {
		slog.Info("flow_session_closed", "session_id", sessionID)
	}
}

func sessionKey(meta map[string]string) string {
	if id := meta[frames.MetaSessionID]; id != "" {
		return id
	}
	return meta[frames.MetaStreamID]
}

func cloneFlowMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

var _ pipeline.FrameProcessor = (*FlowProcessor)(nil)
