package processors

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/tts"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/logging"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

// TTSProcessor turns agent responses into caller audio. Synthesizer
// sessions are per stream; control frames flush or tear them down so
// barge-in cuts playback immediately.
type TTSProcessor struct {
	factory func(sessionID, streamID string) tts.StreamingTTS
	ctx     context.Context
	obs     metrics.Observer

	mu        sync.Mutex
	streams   map[string]*synthState
	bySession map[string]string

	outputFormat string
	provider     string

	breaker *resilience.CircuitBreaker
	retry   resilience.RetryPolicy
	open    bool

	logger *slog.Logger
}

// synthState is everything tracked per stream: the live synthesizer
// plus the identifiers stamped onto its metrics. The session field is
// nil until the first utterance opens one.
type synthState struct {
	sess      tts.StreamingTTS
	sessionID string
	traceID   string
	audioSeen bool
}

// flushSender is the optional fast path: vendors that can flush in the
// same write avoid a second round trip.
type flushSender interface {
	SendTextWithOptions(text string, flush bool) error
}

func NewTTSProcessor(factory func(sessionID, streamID string) tts.StreamingTTS) *TTSProcessor {
	return &TTSProcessor{
		factory:      factory,
		streams:      make(map[string]*synthState),
		bySession:    make(map[string]string),
		outputFormat: "ulaw_8000",
		breaker:      resilience.NewCircuitBreaker(3, 30*time.Second),
		retry:        resilience.NewRetryPolicy(2, 200*time.Millisecond),
		logger:       logging.NewComponentLogger(slog.Default(), "tts_processor"),
	}
}

func (p *TTSProcessor) Name() string { return "tts_processor" }

func (p *TTSProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *TTSProcessor) SetContext(ctx context.Context) {
	if ctx != nil {
		p.ctx = ctx
	}
}

// SetOutputFormat configures the output format for logging/metrics.
func (p *TTSProcessor) SetOutputFormat(format string) {
	p.outputFormat = format
	p.logger.Info("tts output format configured",
		slog.String("output_format", format))
}

func (p *TTSProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	p.bind(f.Meta()[frames.MetaSessionID], streamID)

	switch f.Kind() {
	case frames.KindSystem:
		return p.onSystem(f.(frames.SystemFrame), streamID)
	case frames.KindControl:
		return p.onControl(f.(frames.ControlFrame), streamID)
	case frames.KindText:
		return p.onText(f.(frames.TextFrame), streamID)
	default:
		return append(p.drain(streamID), f), nil
	}
}

func (p *TTSProcessor) onSystem(sf frames.SystemFrame, streamID string) ([]frames.Frame, error) {
	if sf.Name() != "call_end" {
		return append(p.drain(streamID), sf), nil
	}
	if streamID == "" {
		streamID = p.streamForSession(sf.Meta()[frames.MetaSessionID])
	}
	if streamID != "" {
		p.CloseStream(streamID)
	}
	return []frames.Frame{sf}, nil
}

func (p *TTSProcessor) onControl(cf frames.ControlFrame, streamID string) ([]frames.Frame, error) {
	if cf.Code() == frames.ControlStartInterruption {
		// No drain on barge-in: queued audio is stale the moment the
		// caller starts talking.
		p.withSynth(streamID, func(sess tts.StreamingTTS) {
			sess.Flush()
			p.logger.Info("tts interruption received",
				slog.String("stream_id", streamID))
		})
		return []frames.Frame{cf}, nil
	}

	out := p.drain(streamID)
	switch cf.Code() {
	case frames.ControlFlush:
		p.withSynth(streamID, func(sess tts.StreamingTTS) {
			sess.Flush()
			p.logger.Info("tts flush signal received",
				slog.String("stream_id", streamID))
		})
	case frames.ControlCancel, frames.ControlFallback:
		p.logger.Info("tts session torn down",
			slog.String("stream_id", streamID),
			slog.String("signal", string(cf.Code())))
		p.CloseStream(streamID)
	case frames.ControlAudioReady:
		p.logger.Debug("tts webhook flush",
			slog.String("stream_id", streamID))
		out = append(out, p.drain(streamID)...)
	}
	return append(out, cf), nil
}

func (p *TTSProcessor) onText(tf frames.TextFrame, streamID string) ([]frames.Frame, error) {
	meta := tf.Meta()
	p.setTrace(streamID, meta[frames.MetaTraceID])
	wantFlush := meta[frames.MetaTTSFlush] == "true"

	if strings.TrimSpace(tf.Text()) == "" {
		if wantFlush {
			p.requestFlush(streamID)
		}
		return nil, nil
	}

	if !p.breaker.Allow() {
		p.recordBreaker(metrics.EventBreakerDenied, streamID)
		p.setBreakerOpen(true, streamID)
		p.logger.Warn("tts circuit breaker open",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.ReasonTTSCircuitOpen)))
		return p.giveUp(streamID, meta), nil
	}
	p.setBreakerOpen(false, streamID)

	sess, err := p.getOrCreate(streamID, meta[frames.MetaSessionID])
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSConnect)
		p.logger.Error("tts connection failed",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return p.failText(err, streamID, meta), nil
	}

	p.logger.Info("tts request",
		slog.String("stream_id", streamID),
		slog.String("text", clipTTSText(redact.Text(tf.Text()))),
		slog.Int("text_length", len(tf.Text())),
		slog.String("output_format", p.outputFormat))

	inlineFlushed, err := p.deliver(sess, streamID, meta[frames.MetaSessionID], tf.Text(), wantFlush)
	if err != nil {
		return p.failText(err, streamID, meta), nil
	}

	p.breaker.OnSuccess()
	p.logger.Debug("tts request successful",
		slog.String("stream_id", streamID))
	if wantFlush && !inlineFlushed {
		p.requestFlush(streamID)
	}
	return p.drain(streamID), nil
}

// deliver pushes one utterance into the synthesizer, tearing the
// session down and rebuilding it on failure. Returns whether a
// requested flush already rode along with the write.
func (p *TTSProcessor) deliver(sess tts.StreamingTTS, streamID, sessionID, text string, flush bool) (bool, error) {
	inline, err := sendUtterance(sess, text, flush)
	if err == nil {
		return inline, nil
	}
	err = errorsx.Wrap(err, errorsx.ReasonTTSSend)
	p.logger.Error("tts send failed",
		slog.String("stream_id", streamID),
		slog.String("reason_code", string(errorsx.Reason(err))),
		slog.String("error", err.Error()))

	err = p.retry.Do(func() error {
		p.CloseStream(streamID)
		fresh, cerr := p.getOrCreate(streamID, sessionID)
		if cerr != nil {
			return cerr
		}
		var serr error
		inline, serr = sendUtterance(fresh, text, flush)
		return serr
	})
	if err != nil {
		err = errorsx.Wrap(err, errorsx.ReasonTTSRetry)
		p.logger.Error("tts send failed after retry",
			slog.String("stream_id", streamID),
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()),
			slog.Int("max_retries", p.retry.MaxRetries))
		return false, err
	}
	return inline, nil
}

// sendUtterance writes text to the synthesizer, folding a requested
// flush into the same write when the vendor supports it.
func sendUtterance(sess tts.StreamingTTS, text string, flush bool) (bool, error) {
	if flush {
		if fs, ok := sess.(flushSender); ok {
			return true, fs.SendTextWithOptions(text, true)
		}
	}
	return false, sess.SendText(text)
}

// requestFlush forces out whatever the synthesizer is still buffering.
func (p *TTSProcessor) requestFlush(streamID string) {
	p.withSynth(streamID, func(sess tts.StreamingTTS) {
		if fs, ok := sess.(flushSender); ok {
			_ = fs.SendTextWithOptions("", true)
		} else {
			sess.Flush()
		}
		p.logger.Info("tts flush requested",
			slog.String("stream_id", streamID))
	})
}

// failText is the shared failure tail for a text frame: feed the
// breaker, note rate limits, and replace the reply with a fallback
// signal for the playback layer.
func (p *TTSProcessor) failText(err error, streamID string, meta map[string]string) []frames.Frame {
	p.recordRateLimit(err, streamID)
	p.breaker.OnError(err)
	return p.giveUp(streamID, meta)
}

// giveUp drains any audio already synthesized and appends a fallback
// control frame so canned audio can cover the gap.
func (p *TTSProcessor) giveUp(streamID string, meta map[string]string) []frames.Frame {
	out := p.drain(streamID)
	return append(out, frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlFallback, meta))
}

func (p *TTSProcessor) getOrCreate(streamID, sessionID string) (tts.StreamingTTS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.stateLocked(streamID)
	if st.sess != nil {
		return st.sess, nil
	}

	p.logger.Debug("creating new TTS session",
		slog.String("stream_id", streamID),
		slog.String("session_id", sessionID))

	sess := p.factory(sessionID, streamID)
	if p.ctx == nil {
		p.ctx = context.Background()
	}
	if err := sess.Start(p.ctx); err != nil {
		p.logger.Error("failed to start TTS session",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.logger.Info("TTS session created",
		slog.String("stream_id", streamID),
		slog.String("output_format", p.outputFormat))

	st.sess = sess
	if p.provider == "" {
		p.provider = sess.Name()
	}
	return sess, nil
}

func (p *TTSProcessor) CloseStream(streamID string) {
	// An empty id is ignored, never treated as a wildcard.
	if streamID == "" {
		p.logger.Debug("tts close stream ignored, empty stream id")
		return
	}
	p.logger.Debug("tts close stream called",
		slog.String("stream_id", streamID))
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

func (p *TTSProcessor) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range p.streams {
		if st.sess != nil {
			_ = st.sess.Close()
		}
	}
	p.streams = make(map[string]*synthState)
	p.bySession = make(map[string]string)
}

func (p *TTSProcessor) streamForSession(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bySession[sessionID]
}

// bind records which stream currently carries a session's audio. A
// session that moves to a new stream abandons the old synthesizer.
func (p *TTSProcessor) bind(sessionID, streamID string) {
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
func (p *TTSProcessor) stateLocked(streamID string) *synthState {
	st := p.streams[streamID]
	if st == nil {
		st = &synthState{}
		p.streams[streamID] = st
	}
	return st
}

func (p *TTSProcessor) setTrace(streamID, traceID string) {
	if streamID == "" || traceID == "" {
		return
	}
	p.mu.Lock()
	p.stateLocked(streamID).traceID = traceID
	p.mu.Unlock()
}

// withSynth runs fn against the stream's live synthesizer, if any. fn
// runs outside the lock so it may block on vendor IO.
func (p *TTSProcessor) withSynth(streamID string, fn func(tts.StreamingTTS)) {
	if streamID == "" {
		return
	}
	p.mu.Lock()
	var sess tts.StreamingTTS
	if st := p.streams[streamID]; st != nil {
		sess = st.sess
	}
	p.mu.Unlock()
	if sess != nil {
		fn(sess)
	}
}

// drain moves whatever the synthesizer has finished onto the frame bus.
func (p *TTSProcessor) drain(streamID string) []frames.Frame {
	var out []frames.Frame
	p.withSynth(streamID, func(sess tts.StreamingTTS) {
		out = drainResults(sess.Results())
	})
	if len(out) == 0 {
		return nil
	}
	p.logger.Debug("tts results drained",
		slog.String("stream_id", streamID),
		slog.Int("count", len(out)))
	p.noteFirstAudio(streamID)
	return out
}

func drainResults(ch <-chan frames.Frame) []frames.Frame {
	var out []frames.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

// noteFirstAudio emits tts_first_audio once per stream, the moment the
// first synthesized frame comes back.
func (p *TTSProcessor) noteFirstAudio(streamID string) {
	if p.obs == nil {
		return
	}
	p.mu.Lock()
	st := p.streams[streamID]
	if st == nil || st.audioSeen {
		p.mu.Unlock()
		return
	}
	st.audioSeen = true
	tags := p.tagsLocked(streamID, st)
	p.mu.Unlock()
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: "tts_first_audio",
		Time: time.Now(),
		Tags: tags,
	})
}

func (p *TTSProcessor) tags(streamID string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tagsLocked(streamID, p.streams[streamID])
}

// tagsLocked builds the per-stream metric tags. Caller holds p.mu.
func (p *TTSProcessor) tagsLocked(streamID string, st *synthState) map[string]string {
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "tts"}
	if st != nil {
		if st.traceID != "" {
			tags[frames.MetaTraceID] = st.traceID
		}
		if st.sessionID != "" {
			tags[frames.MetaSessionID] = st.sessionID
		}
	}
	if p.provider != "" {
		tags["provider"] = p.provider
	}
	return tags
}

func (p *TTSProcessor) recordBreaker(name, streamID string) {
	if p.obs == nil {
		return
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: p.tags(streamID),
	})
}

func (p *TTSProcessor) recordRateLimit(err error, streamID string) {
	if err == nil {
		return
	}
	if resilience.IsRateLimit(err) {
		p.recordBreaker(metrics.EventRateLimit, streamID)
	}
}

func (p *TTSProcessor) setBreakerOpen(open bool, streamID string) {
	if p.open == open {
		return
	}
	p.open = open
	if open {
		p.recordBreaker(metrics.EventBreakerOpen, streamID)
		return
	}
	p.recordBreaker(metrics.EventBreakerClose, streamID)
}

func clipTTSText(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

var _ pipeline.FrameProcessor = (*TTSProcessor)(nil)
