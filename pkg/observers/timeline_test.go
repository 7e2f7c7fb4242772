package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	ev := metrics.MetricsEvent{
		Name: "frame_out",
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": "stream-1",
			"trace_id":  "trace-1",
			"kind":      "audio",
		},
	}
	obs.RecordEvent(ev)
	_ = obs.Close()

	path := filepath.Join(dir, "trace-1.jsonl")
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "audio_out") {
		t.Fatalf("expected audio_out event in file")
	}
}

func TestTimelineObserverFallsBackToSessionID(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "turn_completed",
		Time: time.Now(),
		Tags: map[string]string{"session_id": "sess-9"},
		Fields: map[string]any{
			"stt_ms": 120.0,
		},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "sess-9.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "turn_completed") {
		t.Fatalf("expected turn event in file, got %s", b)
	}
}

func TestTimelineObserverRedactsTextFields(t *testing.T) {
	redact.SetEnabled(true)
	t.Cleanup(func() { redact.SetEnabled(false) })

	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "utterance",
		Time: time.Now(),
		Tags: map[string]string{"stream_id": "stream-2"},
		Fields: map[string]any{
			"text": "call me at 555-123-4567",
		},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "stream-2.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "555-123-4567") {
		t.Fatalf("phone number leaked into timeline: %s", b)
	}
}
