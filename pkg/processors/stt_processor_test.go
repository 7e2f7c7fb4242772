package processors

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/stt"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

type mockSTT struct {
	startCount int
	closeCount int
	sent       [][]byte
	sendErrs   []error
	out        chan frames.Frame
}

func (m *mockSTT) Name() string { return "mock_stt" }

func (m *mockSTT) Start(ctx context.Context) error {
	m.startCount++
	return nil
}

func (m *mockSTT) Close() error {
	m.closeCount++
	return nil
}

func (m *mockSTT) SendAudio(af frames.AudioFrame) error {
	m.sent = append(m.sent, append([]byte(nil), af.RawPayload()...))
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return err
	}
	return nil
}

func (m *mockSTT) Results() <-chan frames.Frame { return m.out }

var _ stt.StreamingSTT = (*mockSTT)(nil)

func callerAudio(streamID string, payload []byte) frames.AudioFrame {
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaSessionID:  "sess-1",
		frames.MetaFromNumber: "+15550100",
		frames.MetaTraceID:    "tr-1",
	}
	return frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta)
}

func TestSTTProcessorForwardsFinalTranscript(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })

	mock.out <- frames.NewTextFrame("stream-1", 1, "I want to check my claim", map[string]string{frames.MetaIsFinal: "true"})
	out, err := proc.Process(callerAudio("stream-1", []byte{0x7f}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	var text frames.TextFrame
	var found bool
	for _, f := range out {
		if f.Kind() == frames.KindText {
			text = f.(frames.TextFrame)
			found = true
		}
	}
	if !found {
		t.Fatalf("expected transcript in output, got %d frames", len(out))
	}
	if text.Text() != "I want to check my claim" {
		t.Fatalf("unexpected transcript %q", text.Text())
	}
	// Identity from the audio path rides on the transcript.
	if got := text.Meta()[frames.MetaFromNumber]; got != "+15550100" {
		t.Fatalf("expected caller number stamped, got %q", got)
	}
	if got := text.Meta()[frames.MetaSessionID]; got != "sess-1" {
		t.Fatalf("expected session stamped, got %q", got)
	}
}

func TestSTTProcessorEmitsHeartbeat(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 1)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })

	out, err := proc.Process(callerAudio("stream-1", []byte{0x01}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) == 0 || out[0].Kind() != frames.KindSystem {
		t.Fatalf("expected leading heartbeat, got %v", out)
	}
	if sf := out[0].(frames.SystemFrame); sf.Name() != "heartbeat" {
		t.Fatalf("expected heartbeat, got %q", sf.Name())
	}
}

func TestSTTProcessorGatesInterimResults(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })

	mock.out <- frames.NewTextFrame("stream-1", 1, "I want", nil)
	out, err := proc.Process(callerAudio("stream-1", []byte{0x01}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	for _, f := range out {
		if f.Kind() == frames.KindText {
			t.Fatalf("interim must not forward by default, got %q", f.(frames.TextFrame).Text())
		}
	}

	proc.SetForwardInterim(true)
	mock.out <- frames.NewTextFrame("stream-1", 2, "I want to", nil)
	out, err = proc.Process(callerAudio("stream-1", []byte{0x02}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var forwarded bool
	for _, f := range out {
		if f.Kind() == frames.KindText {
			forwarded = true
		}
	}
	if !forwarded {
		t.Fatalf("expected interim forwarded when enabled")
	}
}

func TestSTTProcessorQuestionEmitsFlush(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })
	proc.SetQuestionDetector(func(text string) bool { return strings.HasSuffix(text, "?") })

	mock.out <- frames.NewTextFrame("stream-1", 1, "what is my deductible?", map[string]string{frames.MetaIsFinal: "true"})
	out, err := proc.Process(callerAudio("stream-1", []byte{0x01}))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	flushAt, textAt := -1, -1
	for i, f := range out {
		switch {
		case f.Kind() == frames.KindControl && f.(frames.ControlFrame).Code() == frames.ControlFlush:
			flushAt = i
		case f.Kind() == frames.KindText:
			textAt = i
		}
	}
	if flushAt == -1 {
		t.Fatalf("expected flush for question, got %v", out)
	}
	if textAt == -1 || flushAt > textAt {
		t.Fatalf("expected flush before transcript, flush=%d text=%d", flushAt, textAt)
	}
}

func TestSTTProcessorReplaysAudioOnReconnect(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })

	first := []byte{0x01, 0x02}
	second := []byte{0x03, 0x04}

	if _, err := proc.Process(callerAudio("stream-1", first)); err != nil {
		t.Fatalf("process first chunk: %v", err)
	}

	// Next send fails once; the processor reconnects, replays the
	// buffered chunk, then resends the failed one.
	mock.sendErrs = []error{errors.New("socket closed")}
	if _, err := proc.Process(callerAudio("stream-1", second)); err != nil {
		t.Fatalf("process second chunk: %v", err)
	}

	if mock.closeCount != 1 {
		t.Fatalf("expected one teardown on reconnect, got %d", mock.closeCount)
	}
	if mock.startCount != 2 {
		t.Fatalf("expected a fresh session after failure, got %d starts", mock.startCount)
	}
	if len(mock.sent) != 4 {
		t.Fatalf("expected 4 sends (ok, fail, replay, resend), got %d", len(mock.sent))
	}
	if !bytes.Equal(mock.sent[2], first) {
		t.Fatalf("expected replay of first chunk, got %v", mock.sent[2])
	}
	if !bytes.Equal(mock.sent[3], second) {
		t.Fatalf("expected resend of failed chunk, got %v", mock.sent[3])
	}
}

func TestSTTProcessorReplayDisabled(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 4)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })
	proc.SetReplayBuffer(STTReplayConfig{MaxChunks: 0})

	if _, err := proc.Process(callerAudio("stream-1", []byte{0x01})); err != nil {
		t.Fatalf("process first chunk: %v", err)
	}
	mock.sendErrs = []error{errors.New("socket closed")}
	if _, err := proc.Process(callerAudio("stream-1", []byte{0x02})); err != nil {
		t.Fatalf("process second chunk: %v", err)
	}
	// ok, fail, resend; no replay in between.
	if len(mock.sent) != 3 {
		t.Fatalf("expected 3 sends with replay disabled, got %d", len(mock.sent))
	}
}

func TestSTTProcessorCallEndTearsDownBySession(t *testing.T) {
	mock := &mockSTT{out: make(chan frames.Frame, 1)}
	proc := NewSTTProcessor(func(sessionID, streamID string) stt.StreamingSTT { return mock })

	if _, err := proc.Process(callerAudio("stream-1", []byte{0x01})); err != nil {
		t.Fatalf("process: %v", err)
	}

	end := frames.NewSystemFrame("", time.Now().UnixNano(), "call_end", map[string]string{frames.MetaSessionID: "sess-1"})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("process call_end: %v", err)
	}
	if mock.closeCount != 1 {
		t.Fatalf("expected call_end to close the recognizer, got %d closes", mock.closeCount)
	}
}
