package frames

import (
	"bytes"
	"testing"
)

func TestMetaIsCopied(t *testing.T) {
	f := NewTextFrame("stream-1", 1, "hello", map[string]string{MetaSource: "stt"})
	m := f.Meta()
	m[MetaSource] = "mutated"
	if got := f.Meta()[MetaSource]; got != "stt" {
		t.Fatalf("expected frame meta unchanged, got %q", got)
	}
}

func TestStampMetaAddsStreamID(t *testing.T) {
	f := NewSystemFrame("stream-7", 1, "call_start", map[string]string{MetaReason: "test"})
	meta := f.Meta()
	if meta[MetaStreamID] != "stream-7" {
		t.Fatalf("expected stream id stamped, got %q", meta[MetaStreamID])
	}
	if meta[MetaReason] != "test" {
		t.Fatalf("expected caller meta kept, got %q", meta[MetaReason])
	}
}

func TestStampMetaCallerWins(t *testing.T) {
	f := NewControlFrame("outer", 1, ControlFlush, map[string]string{MetaStreamID: "inner"})
	if got := f.Meta()[MetaStreamID]; got != "inner" {
		t.Fatalf("expected explicit meta to win, got %q", got)
	}
}

func TestAudioFrameDataCopies(t *testing.T) {
	payload := []byte{1, 2, 3}
	f := NewAudioFrame("stream-1", 1, payload, 8000, 1, nil)
	d := f.Data()
	d[0] = 9
	if f.RawPayload()[0] != 1 {
		t.Fatalf("expected Data to copy, payload mutated")
	}
}

func TestReleaseAudioFrameOnlyPooled(t *testing.T) {
	plain := NewAudioFrame("stream-1", 1, []byte{1, 2}, 8000, 1, nil)
	if ReleaseAudioFrame(plain) {
		t.Fatalf("expected non-pooled frame to be left alone")
	}
	pooled := NewAudioFrameFromPool("stream-1", 2, []byte{3, 4}, 8000, 1, nil)
	if !bytes.Equal(pooled.RawPayload(), []byte{3, 4}) {
		t.Fatalf("expected pooled copy of payload")
	}
	if !ReleaseAudioFrame(pooled) {
		t.Fatalf("expected pooled frame released")
	}
}

func TestPooledFrameCopiesInput(t *testing.T) {
	payload := []byte{5, 6, 7}
	f := NewAudioFrameFromPool("stream-1", 1, payload, 8000, 1, nil)
	payload[0] = 0
	if f.RawPayload()[0] != 5 {
		t.Fatalf("expected pooled frame to own its copy")
	}
	ReleaseAudioFrame(f)
}
