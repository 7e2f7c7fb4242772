package processors

import (
	"context"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/tts"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

type mockTTS struct {
	flushCount int
	startCount int
	closeCount int
	texts      []string
	out        chan frames.Frame
}

func (m *mockTTS) Name() string { return "mock_tts" }

func (m *mockTTS) Start(ctx context.Context) error {
	m.startCount++
	return nil
}

func (m *mockTTS) Close() error {
	m.closeCount++
	return nil
}

func (m *mockTTS) SendText(text string) error {
	m.texts = append(m.texts, text)
	return nil
}

func (m *mockTTS) Flush() {
	m.flushCount++
}

func (m *mockTTS) Results() <-chan frames.Frame { return m.out }

func TestTTSProcessorInterruptionFlush(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	factory := func(sessionID, streamID string) tts.StreamingTTS { return mock }
	proc := NewTTSProcessor(factory)

	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "flow"}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "One moment while I pull that up.", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}

	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := proc.Process(ctrl); err != nil {
		t.Fatalf("process interruption: %v", err)
	}
	if mock.flushCount == 0 {
		t.Fatalf("expected flush to be called on interruption")
	}
}

func TestTTSProcessorCancelClosesSession(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	factory := func(sessionID, streamID string) tts.StreamingTTS { return mock }
	proc := NewTTSProcessor(factory)

	meta := map[string]string{frames.MetaStreamID: "stream-1"}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Your claim is still open.", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}
	if mock.startCount != 1 {
		t.Fatalf("expected one synth session, got %d", mock.startCount)
	}

	cancel := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlCancel, meta)
	if _, err := proc.Process(cancel); err != nil {
		t.Fatalf("process cancel: %v", err)
	}
	if mock.closeCount != 1 {
		t.Fatalf("expected cancel to close the session, got %d closes", mock.closeCount)
	}

	// Next text opens a fresh session.
	text2 := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Anything else?", meta)
	if _, err := proc.Process(text2); err != nil {
		t.Fatalf("process text after cancel: %v", err)
	}
	if mock.startCount != 2 {
		t.Fatalf("expected a new session after cancel, got %d starts", mock.startCount)
	}
}

func TestTTSProcessorEmptyTextSkipped(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	factory := func(sessionID, streamID string) tts.StreamingTTS { return mock }
	proc := NewTTSProcessor(factory)

	meta := map[string]string{frames.MetaStreamID: "stream-1"}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "   ", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process empty text: %v", err)
	}
	if len(mock.texts) != 0 {
		t.Fatalf("expected no synth call for blank text, got %v", mock.texts)
	}
	if mock.startCount != 0 {
		t.Fatalf("blank text must not open a session")
	}
}

func TestTTSProcessorFlushMetaTriggersFlush(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	factory := func(sessionID, streamID string) tts.StreamingTTS { return mock }
	proc := NewTTSProcessor(factory)

	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaTTSFlush: "true"}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Goodbye.", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}
	if len(mock.texts) != 1 || mock.texts[0] != "Goodbye." {
		t.Fatalf("expected text to be sent, got %v", mock.texts)
	}
	if mock.flushCount == 0 {
		t.Fatalf("expected flush after text when flush meta is set")
	}
}

func TestTTSProcessorCallEndTearsDownBySession(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 1)}
	factory := func(sessionID, streamID string) tts.StreamingTTS { return mock }
	proc := NewTTSProcessor(factory)

	meta := map[string]string{
		frames.MetaStreamID:  "stream-1",
		frames.MetaSessionID: "sess-1",
	}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Let me check on that.", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}

	// call_end arrives without a stream id; the session mapping resolves it.
	end := frames.NewSystemFrame("", time.Now().UnixNano(), "call_end", map[string]string{frames.MetaSessionID: "sess-1"})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process call_end: %v", err)
	}
	if mock.closeCount != 1 {
		t.Fatalf("expected call_end to close the synth session, got %d closes", mock.closeCount)
	}
}

func TestTTSProcessorDrainsAudioResults(t *testing.T) {
	mock := &mockTTS{out: make(chan frames.Frame, 4)}
	factory := func(sessionID, streamID string) tts.StreamingTTS { return mock }
	proc := NewTTSProcessor(factory)

	meta := map[string]string{frames.MetaStreamID: "stream-1"}
	text := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "Checking your policy now.", meta)
	if _, err := proc.Process(text); err != nil {
		t.Fatalf("process text: %v", err)
	}

	audio := frames.NewAudioFrame("stream-1", 1, []byte{0x7f, 0x7f}, 8000, 1, meta)
	mock.out <- audio

	ready := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlAudioReady, meta)
	out, err := proc.Process(ready)
	if err != nil {
		t.Fatalf("process audio_ready: %v", err)
	}
	var gotAudio bool
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			gotAudio = true
		}
	}
	if !gotAudio {
		t.Fatalf("expected drained audio frame in output, got %d frames", len(out))
	}
}
