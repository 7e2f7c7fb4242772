package observers

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

func turnEvent(name, session string, totalMs, sttMs, llmMs, ttsMs float64, tokens int) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: totalMs,
		Tags:  map[string]string{"session_id": session},
		Fields: map[string]any{
			"stt_ms": sttMs,
			"llm_ms": llmMs,
			"tts_ms": ttsMs,
			"tokens": tokens,
		},
	}
}

func TestLatencyObserverRollsUpTurns(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))

	obs.RecordEvent(turnEvent("turn_completed", "sess-1", 800, 100, 600, 100, 50))
	obs.RecordEvent(turnEvent("turn_completed", "sess-1", 1200, 200, 900, 100, 70))
	obs.RecordEvent(turnEvent("turn_failed", "sess-1", 400, 100, 300, 0, 0))

	sum, ok := obs.SessionSummary("sess-1")
	if !ok {
		t.Fatal("no summary for session")
	}
	if sum.Turns != 3 {
		t.Errorf("turns = %d, want 3", sum.Turns)
	}
	if sum.FailedTurns != 1 {
		t.Errorf("failed = %d, want 1", sum.FailedTurns)
	}
	if sum.AvgTurnMs != 800 {
		t.Errorf("avg turn = %v, want 800", sum.AvgTurnMs)
	}
	if sum.MaxTurnMs != 1200 {
		t.Errorf("max turn = %v, want 1200", sum.MaxTurnMs)
	}
	if sum.Tokens != 120 {
		t.Errorf("tokens = %d, want 120", sum.Tokens)
	}
}

func TestLatencyObserverIgnoresUntaggedTurns(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))

	obs.RecordEvent(metrics.MetricsEvent{Name: "turn_completed", Time: time.Now(), Value: 500})

	if _, ok := obs.SessionSummary(""); ok {
		t.Fatal("untagged turn must not create a session entry")
	}
}

func TestLatencyObserverCloseClearsSessions(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	obs.RecordEvent(turnEvent("turn_completed", "sess-2", 700, 100, 500, 100, 10))

	if err := obs.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := obs.SessionSummary("sess-2"); ok {
		t.Fatal("summary survived Close")
	}
}

func TestLatencyObserverTraceNeedsAllStages(t *testing.T) {
	obs := NewLatencyObserver(slog.New(slog.NewTextHandler(io.Discard, nil)))
	tags := map[string]string{"stream_id": "st-1", "trace_id": "tr-1"}

	base := time.Now()
	obs.RecordEvent(metrics.MetricsEvent{Name: "stt_audio_in", Time: base, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: "stt_final", Time: base.Add(200 * time.Millisecond), Tags: tags})

	obs.mu.Lock()
	_, pending := obs.traces["st-1"]
	obs.mu.Unlock()
	if !pending {
		t.Fatal("trace dropped before llm_done")
	}

	obs.RecordEvent(metrics.MetricsEvent{Name: "llm_done", Time: base.Add(900 * time.Millisecond), Tags: tags})

	obs.mu.Lock()
	_, pending = obs.traces["st-1"]
	obs.mu.Unlock()
	if pending {
		t.Fatal("trace not finalized after llm_done")
	}
}
