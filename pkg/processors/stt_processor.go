package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/stt"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

// STTProcessor feeds caller audio into a streaming recognizer and
// forwards transcripts downstream. Recognizer sessions are per stream;
// failures retry with a replay of recent audio so words spoken during
// the reconnect are not lost.
type STTProcessor struct {
	factory func(sessionID, streamID string) stt.StreamingSTT
	ctx     context.Context
	obs     metrics.Observer

	mu        sync.Mutex
	streams   map[string]*recogState
	bySession map[string]string

	replayCfg      STTReplayConfig
	forwardInterim bool
	isQuestion     func(string) bool

	retry       resilience.RetryPolicy
	breaker     *resilience.CircuitBreaker
	provider    string
	breakerOpen bool
}

// recogState is everything tracked per stream: the live recognizer,
// identity for tagging transcripts, and the replay buffer.
type recogState struct {
	sess          stt.StreamingSTT
	sessionID     string
	traceID       string
	from          string
	replay        *audioReplayBuffer
	interimLogged bool
}

type STTReplayConfig struct {
	MaxChunks int
}

type audioChunk struct {
	data     []byte
	rate     int
	channels int
}

// audioReplayBuffer keeps the most recent audio delivered to a
// recognizer so a reconnect can replay it.
type audioReplayBuffer struct {
	max    int
	chunks []audioChunk
}

func (b *audioReplayBuffer) add(c audioChunk) {
	if b.max <= 0 {
		return
	}
	b.chunks = append(b.chunks, c)
	if n := len(b.chunks) - b.max; n > 0 {
		b.chunks = b.chunks[n:]
	}
}

func (b *audioReplayBuffer) snapshot() []audioChunk {
	if b == nil || len(b.chunks) == 0 {
		return nil
	}
	return append([]audioChunk(nil), b.chunks...)
}

func NewSTTProcessor(factory func(sessionID, streamID string) stt.StreamingSTT) *STTProcessor {
	return &STTProcessor{
		factory:   factory,
		streams:   make(map[string]*recogState),
		bySession: make(map[string]string),
		replayCfg: STTReplayConfig{MaxChunks: 50},
		retry:     resilience.NewRetryPolicy(2, 200*time.Millisecond),
		breaker:   resilience.NewCircuitBreaker(3, 30*time.Second),
	}
}

// SetReplayBuffer configures how many recent audio chunks to replay on
// reconnect. Zero disables replay and drops anything buffered.
func (p *STTProcessor) SetReplayBuffer(cfg STTReplayConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cfg.MaxChunks < 0 {
		cfg.MaxChunks = 0
	}
	p.replayCfg = cfg
	if cfg.MaxChunks == 0 {
		for _, st := range p.streams {
			st.replay = nil
		}
	}
}

// SetForwardInterim toggles emitting interim text frames downstream.
func (p *STTProcessor) SetForwardInterim(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forwardInterim = enabled
}

// SetQuestionDetector installs the predicate that triggers an early
// flush when the caller's speech looks like a question.
func (p *STTProcessor) SetQuestionDetector(fn func(string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isQuestion = fn
}

func (p *STTProcessor) Name() string { return "stt_processor" }

func (p *STTProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *STTProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

func (p *STTProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			streamID := sf.Meta()[frames.MetaStreamID]
			if streamID == "" {
				streamID = p.streamForSession(sf.Meta()[frames.MetaSessionID])
			}
			if streamID != "" {
				p.CloseStream(streamID)
			}
		}
		return []frames.Frame{f}, nil
	case frames.KindAudio:
		return p.onAudio(f.(frames.AudioFrame))
	default:
		return []frames.Frame{f}, nil
	}
}

func (p *STTProcessor) onAudio(af frames.AudioFrame) ([]frames.Frame, error) {
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	sessionID := meta[frames.MetaSessionID]
	p.bind(sessionID, streamID)
	p.noteIdentity(streamID, meta)

	if !p.breaker.Allow() {
		p.record(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		slog.Info("stt_circuit_open", "stream_id", streamID, "reason_code", string(errorsx.ReasonSTTCircuitOpen))
		return fallbackFor(af, meta), nil
	}
	p.setBreakerOpen(false, streamID)

	sess, err := p.getOrCreate(streamID, sessionID)
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTConnect)
		slog.Info("stt_session_error", "stream_id", streamID, "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return p.failAudio(err, af, meta), nil
	}
	p.setProviderFromSession(sess)
	p.record("stt_audio_in", streamID)

	if err := sess.SendAudio(af); err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonSTTSend)
		slog.Info("stt_send_error", "stream_id", streamID, "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		if sess, err = p.resend(af, streamID, sessionID); err != nil {
			slog.Info("stt_retry_error", "stream_id", streamID, "session_id", sessionID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
			return p.failAudio(err, af, meta), nil
		}
	}
	p.breaker.OnSuccess()
	p.bufferForReplay(streamID, af)
	pts := af.PTS()
	frames.ReleaseAudioFrame(af)

	// Heartbeat keeps the pipeline clock ticking between transcripts.
	out := []frames.Frame{frames.NewSystemFrame(streamID, pts, "heartbeat", nil)}
	out = append(out, p.collectTranscripts(sess.Results(), streamID)...)
	out = p.attachIdentity(out, streamID)
	for _, e := range out {
		if e.Kind() == frames.KindText {
			p.record("stt_final", streamID)
			break
		}
	}
	return out, nil
}

// resend tears the recognizer down and retries, replaying buffered
// audio into the fresh session before the failed chunk goes out again.
func (p *STTProcessor) resend(af frames.AudioFrame, streamID, sessionID string) (stt.StreamingSTT, error) {
	var sess stt.StreamingSTT
	replayed := false
	err := p.retry.Do(func() error {
		p.dropSession(streamID)
		var cerr error
		if sess, cerr = p.getOrCreate(streamID, sessionID); cerr != nil {
			return cerr
		}
		if !replayed {
			p.replayInto(streamID, sess)
			replayed = true
		}
		return sess.SendAudio(af)
	})
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonSTTRetry)
	}
	return sess, nil
}

// failAudio feeds the breaker and swaps the chunk for a fallback signal.
func (p *STTProcessor) failAudio(err error, af frames.AudioFrame, meta map[string]string) []frames.Frame {
	p.recordRateLimit(err, meta[frames.MetaStreamID])
	p.breaker.OnError(err)
	return fallbackFor(af, meta)
}

func fallbackFor(af frames.AudioFrame, meta map[string]string) []frames.Frame {
	frames.ReleaseAudioFrame(af)
	return []frames.Frame{frames.NewControlFrame(meta[frames.MetaStreamID], time.Now().UnixNano(), frames.ControlFallback, meta)}
}

func (p *STTProcessor) getOrCreate(streamID, sessionID string) (stt.StreamingSTT, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(streamID)
	if st.sess != nil {
		return st.sess, nil
	}
	sess := p.factory(sessionID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		return nil, err
	}
	st.sess = sess
	return sess, nil
}

// dropSession closes just the recognizer, keeping replay audio and
// identity so a reconnect picks up mid-utterance.
func (p *STTProcessor) dropSession(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil || st.sess == nil {
		return
	}
	_ = st.sess.Close()
	st.sess = nil
}

func (p *STTProcessor) CloseStream(streamID string) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.streams[streamID]
	if st == nil {
		return
	}
	if st.sess != nil {
		_ = st.sess.Close()
	}
	if st.sessionID != "" && p.bySession[st.sessionID] == streamID {
		delete(p.bySession, st.sessionID)
	}
	delete(p.streams, streamID)
}

func (p *STTProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.streams {
		if st.sess != nil {
			_ = st.sess.Close()
		}
	}
	p.streams = make(map[string]*recogState)
	p.bySession = make(map[string]string)
}

func (p *STTProcessor) streamForSession(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bySession[sessionID]
}

// bind records which stream currently carries a session's audio; a
// replacement stream closes the stale one.
func (p *STTProcessor) bind(sessionID, streamID string) {
	if sessionID == "" || streamID == "" {
		return
	}
	p.mu.Lock()
	prev := p.bySession[sessionID]
	if prev != "" && prev != streamID {
		p.mu.Unlock()
		p.CloseStream(prev)
		p.mu.Lock()
	}
	p.bySession[sessionID] = streamID
	p.stateLocked(streamID).sessionID = sessionID
	p.mu.Unlock()
}

// stateLocked returns the stream's state, creating it on first touch.
// Caller holds p.mu.
func (p *STTProcessor) stateLocked(streamID string) *recogState {
	st := p.streams[streamID]
	if st == nil {
		st = &recogState{}
		p.streams[streamID] = st
	}
	return st
}

func (p *STTProcessor) noteIdentity(streamID string, meta map[string]string) {
	if streamID == "" {
		return
	}
	from := meta[frames.MetaFromNumber]
	traceID := meta[frames.MetaTraceID]
	if from == "" && traceID == "" {
		return
	}
	p.mu.Lock()
	st := p.stateLocked(streamID)
	if from != "" {
		st.from = from
	}
	if traceID != "" {
		st.traceID = traceID
	}
	p.mu.Unlock()
}

func (p *STTProcessor) traceOf(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.streams[streamID]; st != nil {
		return st.traceID
	}
	return ""
}

func (p *STTProcessor) bufferForReplay(streamID string, af frames.AudioFrame) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replayCfg.MaxChunks <= 0 {
		return
	}
	st := p.stateLocked(streamID)
	if st.replay == nil {
		st.replay = &audioReplayBuffer{max: p.replayCfg.MaxChunks}
	}
	st.replay.add(audioChunk{
		data:     append([]byte(nil), af.RawPayload()...),
		rate:     af.Rate(),
		channels: af.Channels(),
	})
}

func (p *STTProcessor) replayInto(streamID string, sess stt.StreamingSTT) {
	p.mu.Lock()
	var buf *audioReplayBuffer
	if st := p.streams[streamID]; st != nil {
		buf = st.replay
	}
	p.mu.Unlock()
	for _, chunk := range buf.snapshot() {
		if len(chunk.data) == 0 {
			continue
		}
		af := frames.NewAudioFrame(streamID, time.Now().UnixNano(), chunk.data, chunk.rate, chunk.channels, nil)
		_ = sess.SendAudio(af)
	}
}

// collectTranscripts drains whatever the recognizer has produced.
// Interim results are gated by forwardInterim; a detected question
// emits a flush ahead of the transcript so the router answers early.
func (p *STTProcessor) collectTranscripts(ch <-chan frames.Frame, streamID string) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			if f.Kind() != frames.KindText {
				out = append(out, f)
				continue
			}
			tf := f.(frames.TextFrame)
			p.mu.Lock()
			isQ := p.isQuestion != nil && p.isQuestion(tf.Text())
			forwardInterim := p.forwardInterim
			p.mu.Unlock()
			if isQ {
				meta := map[string]string{frames.MetaSource: "stt", frames.MetaReason: "question"}
				if traceID := p.traceOf(streamID); traceID != "" {
					meta[frames.MetaTraceID] = traceID
				}
				out = append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFlush, meta))
			}
			if tf.Meta()[frames.MetaIsFinal] != "true" {
				p.logInterim(streamID, tf.Text())
				if forwardInterim {
					out = append(out, tf)
				}
				continue
			}
			p.logFinal(streamID, tf.Text())
			out = append(out, tf)
		default:
			return out
		}
	}
}

// attachIdentity stamps caller number and trace id onto outgoing
// transcripts so downstream stages can tag without their own lookups.
func (p *STTProcessor) attachIdentity(in []frames.Frame, streamID string) []frames.Frame {
	p.mu.Lock()
	var from, traceID, sessionID string
	if st := p.streams[streamID]; st != nil {
		from, traceID, sessionID = st.from, st.traceID, st.sessionID
	}
	p.mu.Unlock()
	if from == "" && traceID == "" && sessionID == "" {
		return in
	}
	out := make([]frames.Frame, 0, len(in))
	for _, f := range in {
		if f.Kind() != frames.KindText {
			out = append(out, f)
			continue
		}
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaFromNumber] == "" && from != "" {
			meta[frames.MetaFromNumber] = from
		}
		if meta[frames.MetaTraceID] == "" && traceID != "" {
			meta[frames.MetaTraceID] = traceID
		}
		if meta[frames.MetaSessionID] == "" && sessionID != "" {
			meta[frames.MetaSessionID] = sessionID
		}
		out = append(out, frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta))
	}
	return out
}

func (p *STTProcessor) record(name, streamID string) {
	p.recordWithFields(name, streamID, nil)
}

func (p *STTProcessor) recordWithFields(name, streamID string, fields map[string]any) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "stt"}
	p.mu.Lock()
	if st := p.streams[streamID]; st != nil {
		if st.traceID != "" {
			tags[frames.MetaTraceID] = st.traceID
		}
		if st.sessionID != "" {
			tags[frames.MetaSessionID] = st.sessionID
		}
	}
	p.mu.Unlock()
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   tags,
		Fields: fields,
	})
}

func (p *STTProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.record(metrics.EventRateLimit, streamID)
	}
}

func (p *STTProcessor) setProviderFromSession(sess stt.StreamingSTT) {
	if sess == nil || p.provider != "" {
		return
	}
	p.provider = sess.Name()
}

func (p *STTProcessor) setBreakerOpen(open bool, streamID string) {
	if p.breakerOpen == open {
		return
	}
	p.breakerOpen = open
	if open {
		p.record(metrics.EventBreakerOpen, streamID)
		return
	}
	p.record(metrics.EventBreakerClose, streamID)
}

func (p *STTProcessor) logInterim(streamID, text string) {
	p.mu.Lock()
	st := p.stateLocked(streamID)
	if st.interimLogged {
		p.mu.Unlock()
		return
	}
	st.interimLogged = true
	traceID := st.traceID
	p.mu.Unlock()
	slog.Info("stt_interim", "stream_id", streamID, "trace_id", traceID, "text", clipText(redact.Text(text)))
}

func (p *STTProcessor) logFinal(streamID, text string) {
	safe := redact.Text(text)
	slog.Info("stt_final", "stream_id", streamID, "trace_id", p.traceOf(streamID), "text", clipText(safe))
	p.recordWithFields("stt_final_text", streamID, map[string]any{"text": safe})
}

func clipText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*STTProcessor)(nil)
