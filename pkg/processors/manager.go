package processors

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/turn"
)

// TurnProcessor bridges pipeline traffic and the turn state machine.
// It watches recognizer activity to drive speech transitions and
// injects the frames the machine emits (barge-in flushes, reprompts)
// back into the stream.
//
// Process runs on a single pipeline goroutine; only the fields the
// timer callbacks touch are behind the mutex.
type TurnProcessor struct {
	mgr         turn.Manager
	fromMachine chan frames.Frame
	streamID    string

	mu          sync.Mutex
	traceID     string
	idleCfg     *SilenceRepromptConfig
	idleTimer   *time.Timer
	reprompts   int
	turnTimeout time.Duration
	turnTimer   *time.Timer
	turnSeq     uint64
}

type TurnProcessorConfig struct {
	BargeInThreshold time.Duration
	MinBargeIn       time.Duration
	EndOfTurnTimeout time.Duration
}

func NewTurnProcessor(strategy turn.Strategy) *TurnProcessor {
	return NewTurnProcessorWithConfig(strategy, TurnProcessorConfig{})
}

func NewTurnProcessorWithConfig(strategy turn.Strategy, cfg TurnProcessorConfig) *TurnProcessor {
	tp := &TurnProcessor{
		fromMachine: make(chan frames.Frame, 32),
		turnTimeout: cfg.EndOfTurnTimeout,
	}
	tp.mgr = turn.NewManagerWithOptions(strategy, emitFunc(tp.emit), turn.ManagerOptions{
		BargeInThreshold: cfg.BargeInThreshold,
		MinBargeIn:       cfg.MinBargeIn,
	})
	return tp
}

// emitFunc adapts a plain function to turn.InterruptEmitter.
type emitFunc func(frames.Frame) error

func (fn emitFunc) Emit(f frames.Frame) error { return fn(f) }

// SilenceRepromptConfig nudges a caller who has gone quiet after the
// agent finished speaking. Any caller activity resets the attempt
// budget.
type SilenceRepromptConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	PromptText  string
}

func (c *SilenceRepromptConfig) withDefaults() *SilenceRepromptConfig {
	if c == nil {
		return nil
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	if c.PromptText == "" {
		c.PromptText = "Hello, are you still there?"
	}
	return c
}

func (p *TurnProcessor) SetSilenceReprompt(cfg *SilenceRepromptConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idleCfg = cfg.withDefaults()
}

func (p *TurnProcessor) Name() string { return "turn_processor" }

func (p *TurnProcessor) Manager() turn.Manager { return p.mgr }

func (p *TurnProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	if id := f.Meta()[frames.MetaTraceID]; id != "" {
		p.mu.Lock()
		p.traceID = id
		p.mu.Unlock()
	}
	if id := f.Meta()[frames.MetaStreamID]; id != "" {
		p.streamID = id
	}

	// Machine output queued before this frame surfaces ahead of it,
	// anything this frame provokes surfaces right after.
	out := p.drain(nil)
	switch v := f.(type) {
	case frames.ControlFrame:
		p.onControl(v)
	case frames.TextFrame:
		p.onText(v)
	case frames.SystemFrame:
		p.onSystem(v)
	}
	out = append(out, f)
	return p.drain(out), nil
}

func (p *TurnProcessor) onControl(cf frames.ControlFrame) {
	switch cf.Code() {
	case frames.ControlFlush:
		switch cf.Meta()[frames.MetaSource] {
		case "stt", "vad":
			if isEndOfTurnReason(cf.Meta()[frames.MetaReason]) {
				p.stopTurnTimer()
				p.mgr.OnUserSpeechEnd()
			} else {
				p.mgr.OnUserSpeechStart()
				p.armTurnTimer(cf.Meta()[frames.MetaStreamID])
			}
		}
		p.stopIdleTimer()
	case frames.ControlAudioReady:
		p.mgr.OnAudioComplete()
		p.armIdleTimer()
	}
}

func (p *TurnProcessor) onText(tf frames.TextFrame) {
	switch tf.Meta()[frames.MetaSource] {
	case "stt":
		p.stopIdleTimer()
		if isFinal(tf.Meta()) {
			p.stopTurnTimer()
			p.mgr.OnUserSpeechEnd()
		} else {
			p.mgr.OnUserSpeechStart()
			p.armTurnTimer(tf.Meta()[frames.MetaStreamID])
		}
	case "flow", "system":
		p.mgr.OnAgentSpeechStart()
		p.stopIdleTimer()
	}
}

func (p *TurnProcessor) onSystem(sf frames.SystemFrame) {
	switch sf.Name() {
	case "thinking_start":
		p.mgr.OnAgentThinkStart()
	case "thinking_end":
		p.mgr.OnAgentThinkEnd()
	case "call_end":
		p.stopIdleTimer()
		p.stopTurnTimer()
		p.mu.Lock()
		p.traceID = ""
		p.mu.Unlock()
	}
}

func (p *TurnProcessor) emit(f frames.Frame) error {
	select {
	case p.fromMachine <- f:
	default:
	}
	return nil
}

func (p *TurnProcessor) drain(out []frames.Frame) []frames.Frame {
	for {
		select {
		case f := <-p.fromMachine:
			out = append(out, p.claim(f))
		default:
			return out
		}
	}
}

// claim stamps machine-emitted frames with the stream they belong to;
// the machine itself is stream-agnostic.
func (p *TurnProcessor) claim(f frames.Frame) frames.Frame {
	meta := f.Meta()
	if p.streamID == "" || meta[frames.MetaStreamID] != "" {
		return f
	}
	meta[frames.MetaStreamID] = p.streamID
	if meta[frames.MetaSource] == "" {
		meta[frames.MetaSource] = "turn"
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		return frames.NewControlFrame(p.streamID, v.PTS(), v.Code(), meta)
	case frames.SystemFrame:
		return frames.NewSystemFrame(p.streamID, v.PTS(), v.Name(), meta)
	case frames.TextFrame:
		return frames.NewTextFrame(p.streamID, v.PTS(), v.Text(), meta)
	default:
		return f
	}
}

var _ pipeline.FrameProcessor = (*TurnProcessor)(nil)

// armIdleTimer starts the silence countdown once the agent's audio has
// finished playing out.
func (p *TurnProcessor) armIdleTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.idleCfg
	if cfg == nil {
		return
	}
	if p.idleTimer != nil {
		p.idleTimer.Stop()
	}
	streamID := p.streamID
	interval := cfg.Timeout
	p.idleTimer = time.AfterFunc(interval, func() { p.fireReprompt(streamID, interval) })
}

func (p *TurnProcessor) fireReprompt(streamID string, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg := p.idleCfg
	if cfg == nil || streamID == "" || p.reprompts >= cfg.MaxAttempts {
		return
	}
	p.reprompts++
	meta := map[string]string{
		frames.MetaStreamID:        streamID,
		frames.MetaGreetingText:    cfg.PromptText,
		frames.MetaRepromptAttempt: strconv.Itoa(p.reprompts),
	}
	if id := strings.TrimSpace(p.traceID); id != "" {
		meta[frames.MetaTraceID] = id
	}
	p.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "reprompt", meta))
	if p.reprompts < cfg.MaxAttempts {
		p.idleTimer = time.AfterFunc(interval, func() { p.fireReprompt(streamID, interval) })
	}
}

func (p *TurnProcessor) stopIdleTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
	p.reprompts = 0
}

// armTurnTimer closes a turn the recognizer never finalized. Without
// it a lost is_final leaves the machine stuck in Listening.
func (p *TurnProcessor) armTurnTimer(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.turnTimeout <= 0 || streamID == "" {
		return
	}
	if p.turnTimer != nil {
		p.turnTimer.Stop()
	}
	p.turnSeq++
	seq := p.turnSeq
	p.turnTimer = time.AfterFunc(p.turnTimeout, func() { p.forceEndOfTurn(streamID, seq) })
}

func (p *TurnProcessor) forceEndOfTurn(streamID string, seq uint64) {
	p.mu.Lock()
	if seq != p.turnSeq {
		p.mu.Unlock()
		return
	}
	p.turnTimer = nil
	trace := strings.TrimSpace(p.traceID)
	p.mu.Unlock()

	p.mgr.OnUserSpeechEnd()
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "turn",
		frames.MetaReason:   "speech_timeout",
	}
	if trace != "" {
		meta[frames.MetaTraceID] = trace
	}
	p.emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, meta))
}

// stopTurnTimer also bumps the sequence so a callback that already
// fired but has not taken the lock yet becomes a no-op.
func (p *TurnProcessor) stopTurnTimer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.turnTimer != nil {
		p.turnTimer.Stop()
		p.turnTimer = nil
	}
	p.turnSeq++
}

func isEndOfTurnReason(reason string) bool {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "utterance_end", "speech_final", "question", "speech_timeout":
		return true
	default:
		return false
	}
}
