package processors

import (
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/turn"
)

func sttTranscript(streamID, text string, final bool) frames.TextFrame {
	meta := map[string]string{frames.MetaSource: "stt"}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	return frames.NewTextFrame(streamID, time.Now().UnixNano(), text, meta)
}

func turnHeartbeat(streamID string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, time.Now().UnixNano(), "heartbeat", nil)
}

func pump(t *testing.T, p *TurnProcessor, f frames.Frame) []frames.Frame {
	t.Helper()
	out, err := p.Process(f)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	return out
}

func repromptsIn(out []frames.Frame) []frames.SystemFrame {
	var got []frames.SystemFrame
	for _, f := range out {
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "reprompt" {
			got = append(got, sf)
		}
	}
	return got
}

func TestTurnProcessorDrivesSpeechTransitions(t *testing.T) {
	p := NewTurnProcessor(turn.AggressiveStrategy{})
	if p.Manager().State() != turn.StateIdle {
		t.Fatalf("expected idle before any traffic, got %v", p.Manager().State())
	}

	pump(t, p, sttTranscript("s1", "I crashed my", false))
	if p.Manager().State() != turn.StateListening {
		t.Fatalf("interim transcript should open the turn, got %v", p.Manager().State())
	}

	meta := map[string]string{frames.MetaSource: "stt", frames.MetaReason: "utterance_end"}
	pump(t, p, frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlFlush, meta))
	if p.Manager().State() != turn.StateThinking {
		t.Fatalf("utterance_end flush should close the turn, got %v", p.Manager().State())
	}
}

func TestTurnProcessorForcesEndOfTurn(t *testing.T) {
	p := NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, TurnProcessorConfig{
		EndOfTurnTimeout: 15 * time.Millisecond,
	})
	pump(t, p, sttTranscript("s1", "hello", false))
	time.Sleep(80 * time.Millisecond)

	out := pump(t, p, turnHeartbeat("s1"))
	var flush *frames.ControlFrame
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlFlush {
			flush = &cf
			break
		}
	}
	if flush == nil {
		t.Fatalf("expected a forced flush after the timeout, got %d frames", len(out))
	}
	if flush.Meta()[frames.MetaReason] != "speech_timeout" {
		t.Fatalf("got reason %q", flush.Meta()[frames.MetaReason])
	}
	if flush.Meta()[frames.MetaStreamID] != "s1" {
		t.Fatalf("forced flush must carry the stream id, got %q", flush.Meta()[frames.MetaStreamID])
	}
	if p.Manager().State() != turn.StateThinking {
		t.Fatalf("forced end of turn should reach thinking, got %v", p.Manager().State())
	}
}

func TestTurnProcessorFinalTranscriptCancelsForcedEnd(t *testing.T) {
	p := NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, TurnProcessorConfig{
		EndOfTurnTimeout: 20 * time.Millisecond,
	})
	pump(t, p, sttTranscript("s1", "hello", false))
	pump(t, p, sttTranscript("s1", "hello there", true))
	time.Sleep(80 * time.Millisecond)

	out := pump(t, p, turnHeartbeat("s1"))
	for _, f := range out {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlFlush {
			t.Fatalf("no forced flush expected once the turn closed, got %v", cf.Meta())
		}
	}
}

func TestSilenceRepromptFiresUpToCap(t *testing.T) {
	p := NewTurnProcessor(turn.AggressiveStrategy{})
	p.SetSilenceReprompt(&SilenceRepromptConfig{
		Timeout:     10 * time.Millisecond,
		MaxAttempts: 2,
		PromptText:  "Still with me?",
	})

	pump(t, p, frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlAudioReady, nil))
	time.Sleep(120 * time.Millisecond)

	got := repromptsIn(pump(t, p, turnHeartbeat("s1")))
	if len(got) != 2 {
		t.Fatalf("expected exactly %d reprompts, got %d", 2, len(got))
	}
	first := got[0].Meta()
	if first[frames.MetaGreetingText] != "Still with me?" {
		t.Fatalf("got prompt %q", first[frames.MetaGreetingText])
	}
	if first[frames.MetaRepromptAttempt] != "1" || got[1].Meta()[frames.MetaRepromptAttempt] != "2" {
		t.Fatalf("attempt numbering wrong: %q then %q",
			first[frames.MetaRepromptAttempt], got[1].Meta()[frames.MetaRepromptAttempt])
	}

	time.Sleep(60 * time.Millisecond)
	if extra := repromptsIn(pump(t, p, turnHeartbeat("s1"))); len(extra) != 0 {
		t.Fatalf("cap exceeded, got %d extra reprompts", len(extra))
	}
}

func TestSilenceRepromptCanceledByCallerSpeech(t *testing.T) {
	p := NewTurnProcessor(turn.AggressiveStrategy{})
	p.SetSilenceReprompt(&SilenceRepromptConfig{
		Timeout:     30 * time.Millisecond,
		MaxAttempts: 2,
		PromptText:  "Still with me?",
	})

	pump(t, p, frames.NewControlFrame("s1", time.Now().UnixNano(), frames.ControlAudioReady, nil))
	pump(t, p, sttTranscript("s1", "yes give me a second", false))
	time.Sleep(100 * time.Millisecond)

	if got := repromptsIn(pump(t, p, turnHeartbeat("s1"))); len(got) != 0 {
		t.Fatalf("caller speech should cancel the reprompt, got %d", len(got))
	}
}

func TestTurnProcessorClaimsMachineFrames(t *testing.T) {
	p := NewTurnProcessor(turn.AggressiveStrategy{})
	if err := p.emit(turn.NewFlushFrame("", time.Now().UnixNano())); err != nil {
		t.Fatalf("emit: %v", err)
	}

	out := pump(t, p, turnHeartbeat("s1"))
	if len(out) != 2 {
		t.Fatalf("expected claimed flush plus heartbeat, got %d frames", len(out))
	}
	cf, ok := out[0].(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlFlush {
		t.Fatalf("machine frame should surface first, got %T", out[0])
	}
	if cf.Meta()[frames.MetaStreamID] != "s1" {
		t.Fatalf("stream id not claimed: %q", cf.Meta()[frames.MetaStreamID])
	}
	if cf.Meta()[frames.MetaSource] != "turn" {
		t.Fatalf("expected turn source, got %q", cf.Meta()[frames.MetaSource])
	}
}
