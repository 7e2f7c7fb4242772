package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

// LatencyObserver keeps two views of responsiveness. Per utterance it
// stitches pipeline events into a time-to-first-byte trace; per session
// it rolls up the conversation layer's turn timings.
type LatencyObserver struct {
	mu       sync.Mutex
	traces   map[string]*trace
	sessions map[string]*sessionLatency
	log      *slog.Logger
}

type trace struct {
	audioIn  time.Time
	sttFinal time.Time
	llmFirst time.Time
	ttsFirst time.Time
	llmDone  time.Time
	traceID  string
}

type sessionLatency struct {
	turns      int
	failed     int
	totalMs    float64
	sttMs      float64
	llmMs      float64
	ttsMs      float64
	maxTotalMs float64
	tokens     int
}

// TurnSummary is a point-in-time rollup of one session's turns.
type TurnSummary struct {
	Turns       int
	FailedTurns int
	AvgTurnMs   float64
	MaxTurnMs   float64
	AvgSTTMs    float64
	AvgLLMMs    float64
	AvgTTSMs    float64
	Tokens      int
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces:   make(map[string]*trace),
		sessions: make(map[string]*sessionLatency),
		log:      log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	switch ev.Name {
	case "turn_completed", "turn_failed":
		o.recordTurn(ev)
		return
	}

	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[streamID]
	if t == nil {
		t = &trace{}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case "stt_audio_in":
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
		}
		if t.traceID == "" && ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "llm_first_token":
		if t.llmFirst.IsZero() {
			t.llmFirst = ev.Time
		}
	case "tts_first_audio":
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case "llm_done":
		t.llmDone = ev.Time
	}
	if !t.llmDone.IsZero() {
		o.logTTFBLocked(streamID, t)
		delete(o.traces, streamID)
	}
}

func (o *LatencyObserver) recordTurn(ev metrics.MetricsEvent) {
	sessionID := ""
	if ev.Tags != nil {
		sessionID = ev.Tags["session_id"]
	}
	if sessionID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil {
		s = &sessionLatency{}
		o.sessions[sessionID] = s
	}
	s.turns++
	if ev.Name == "turn_failed" {
		s.failed++
	}
	s.totalMs += ev.Value
	if ev.Value > s.maxTotalMs {
		s.maxTotalMs = ev.Value
	}
	s.sttMs += floatField(ev.Fields, "stt_ms")
	s.llmMs += floatField(ev.Fields, "llm_ms")
	s.ttsMs += floatField(ev.Fields, "tts_ms")
	if v, ok := ev.Fields["tokens"].(int); ok {
		s.tokens += v
	}
}

// SessionSummary returns the rollup for one session so far.
func (o *LatencyObserver) SessionSummary(sessionID string) (TurnSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.sessions[sessionID]
	if s == nil || s.turns == 0 {
		return TurnSummary{}, false
	}
	n := float64(s.turns)
	return TurnSummary{
		Turns:       s.turns,
		FailedTurns: s.failed,
		AvgTurnMs:   s.totalMs / n,
		MaxTurnMs:   s.maxTotalMs,
		AvgSTTMs:    s.sttMs / n,
		AvgLLMMs:    s.llmMs / n,
		AvgTTSMs:    s.ttsMs / n,
		Tokens:      s.tokens,
	}, true
}

// Close logs a rollup line per session and clears state.
func (o *LatencyObserver) Close() error {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		sum, ok := o.SessionSummary(id)
		if !ok {
			continue
		}
		o.log.Info("session_latency",
			"session_id", id,
			"turns", sum.Turns,
			"failed_turns", sum.FailedTurns,
			"avg_turn_ms", sum.AvgTurnMs,
			"max_turn_ms", sum.MaxTurnMs,
			"avg_stt_ms", sum.AvgSTTMs,
			"avg_llm_ms", sum.AvgLLMMs,
			"avg_tts_ms", sum.AvgTTSMs,
			"tokens", sum.Tokens,
		)
	}

	o.mu.Lock()
	o.sessions = make(map[string]*sessionLatency)
	o.mu.Unlock()
	return nil
}

func (o *LatencyObserver) logTTFBLocked(streamID string, t *trace) {
	o.log.Info("latency",
		"stream_id", streamID,
		"trace_id", t.traceID,
		"stt_ms", durationMs(t.audioIn, t.sttFinal),
		"llm_first_token_ms", durationMs(t.sttFinal, t.llmFirst),
		"tts_first_audio_ms", durationMs(t.llmFirst, t.ttsFirst),
		"ttfb_ms", durationMs(t.sttFinal, t.ttsFirst),
	)
}

// durationMs is -1 when either endpoint never happened; a missing stage
// must not read as a zero-latency stage.
func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}

func floatField(fields map[string]any, key string) float64 {
	if fields == nil {
		return 0
	}
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
