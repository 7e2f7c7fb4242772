package processors

import (
	"strings"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

func limitText(t *testing.T, lim *ResponseLimiter, text string) frames.TextFrame {
	t.Helper()
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "flow"}
	tf := frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
	out, err := lim.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected one frame, got %d", len(out))
	}
	return out[0].(frames.TextFrame)
}

func TestLimiterCapsSentences(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 2})
	got := limitText(t, lim, "First. Second. Third. Fourth.")
	if got.Text() != "First. Second." {
		t.Fatalf("got %q", got.Text())
	}
	if got.Meta()[frames.MetaShortTurnEnforced] != "true" {
		t.Fatalf("expected short-turn marker")
	}
}

func TestLimiterKeepsDecimalAmountsIntact(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 1})
	got := limitText(t, lim, "Your premium of $128.50 is due Friday. Anything else?")
	if got.Text() != "Your premium of $128.50 is due Friday." {
		t.Fatalf("decimal point counted as sentence end: %q", got.Text())
	}
}

func TestLimiterCutsAtWordBoundary(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{MaxChars: 24, MaxSentences: 10})
	got := limitText(t, lim, "The adjuster will telephone you tomorrow morning")
	if len(got.Text()) > 24 {
		t.Fatalf("over limit: %q", got.Text())
	}
	if strings.HasSuffix(got.Text(), "telep") || strings.Contains(got.Text(), "telephon ") {
		t.Fatalf("cut mid-word: %q", got.Text())
	}
	if got.Text() != "The adjuster will" {
		t.Fatalf("got %q", got.Text())
	}
}

func TestLimiterIgnoresCallerText(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{MaxSentences: 1})
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "stt"}
	tf := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "One. Two. Three.", meta)
	out, err := lim.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out[0].(frames.TextFrame).Text() != "One. Two. Three." {
		t.Fatalf("caller transcripts must pass through unchanged")
	}
}

func TestLimiterLeavesShortResponsesAlone(t *testing.T) {
	lim := NewResponseLimiter(ResponseLimiterConfig{})
	got := limitText(t, lim, "Happy to help.")
	if got.Text() != "Happy to help." {
		t.Fatalf("got %q", got.Text())
	}
	if got.Meta()[frames.MetaShortTurnEnforced] == "true" {
		t.Fatalf("unchanged frame must not carry the marker")
	}
}
