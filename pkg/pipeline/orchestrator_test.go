package pipeline

import (
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

// tagStage appends its tag to a route meta key so tests can observe
// stage order.
type tagStage struct {
	name string
	tag  string
}

func (s tagStage) Name() string { return s.name }

func (s tagStage) Process(f frames.Frame) ([]frames.Frame, error) {
	tf, ok := f.(frames.TextFrame)
	if !ok {
		return []frames.Frame{f}, nil
	}
	meta := tf.Meta()
	meta["route"] += s.tag
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), tf.Text(), meta)}, nil
}

// swallowStage drops every control frame.
type swallowStage struct{}

func (swallowStage) Name() string { return "swallow" }

func (swallowStage) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindControl {
		return nil, nil
	}
	return []frames.Frame{f}, nil
}

func collectSink(buf chan frames.Frame) func(frames.Frame) {
	return func(f frames.Frame) {
		select {
		case buf <- f:
		default:
		}
	}
}

func testConfig(async bool) Config {
	return Config{
		Async:        async,
		StageBuffer:  8,
		HighCapacity: 16,
		LowCapacity:  16,
	}
}

func TestSyncChainAppliesStagesInOrder(t *testing.T) {
	got := make(chan frames.Frame, 16)
	o := New(testConfig(false))
	_ = o.AddProcessor(tagStage{name: "a", tag: "a"})
	_ = o.AddProcessor(tagStage{name: "b", tag: "b"})
	o.SetSink(collectSink(got))
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	o.In() <- frames.NewTextFrame("s1", 1, "hi", nil)
	select {
	case f := <-got:
		if f.Meta()["route"] != "ab" {
			t.Fatalf("stage order wrong: %q", f.Meta()["route"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the sink")
	}
}

func TestStageCanSwallowFrames(t *testing.T) {
	got := make(chan frames.Frame, 16)
	o := New(testConfig(false))
	_ = o.AddProcessor(swallowStage{})
	o.SetSink(collectSink(got))
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer o.Stop()

	o.In() <- frames.NewControlFrame("s1", 1, frames.ControlCancel, nil)
	o.In() <- frames.NewTextFrame("s1", 2, "kept", nil)

	select {
	case f := <-got:
		tf, ok := f.(frames.TextFrame)
		if !ok || tf.Text() != "kept" {
			t.Fatalf("expected only the text frame, got %#v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never reached the sink")
	}
}

func TestAsyncStagesDeliverAndDrain(t *testing.T) {
	got := make(chan frames.Frame, 16)
	o := New(testConfig(true))
	_ = o.AddProcessor(tagStage{name: "a", tag: "a"})
	_ = o.AddProcessor(tagStage{name: "b", tag: "b"})
	o.SetSink(collectSink(got))
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	o.In() <- frames.NewTextFrame("s1", 1, "hi", nil)
	select {
	case f := <-got:
		if f.Meta()["route"] != "ab" {
			t.Fatalf("stage order wrong: %q", f.Meta()["route"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame never crossed the stages")
	}

	if err := o.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, ok := <-o.Out(); ok {
		t.Fatal("out should close once the chain drains")
	}
}

func TestStaleAudioShedding(t *testing.T) {
	old := frames.NewAudioFrame("s1", time.Now().Add(-time.Second).UnixNano(), make([]byte, 4), 8000, 1, nil)
	if !staleAudio(old, 500*time.Millisecond) {
		t.Fatal("second-old audio should be shed")
	}
	fresh := frames.NewAudioFrame("s1", time.Now().UnixNano(), make([]byte, 4), 8000, 1, nil)
	if staleAudio(fresh, 500*time.Millisecond) {
		t.Fatal("fresh audio must pass")
	}
	counter := frames.NewAudioFrame("s1", 42, make([]byte, 4), 8000, 1, nil)
	if staleAudio(counter, 500*time.Millisecond) {
		t.Fatal("synthetic pts must never shed")
	}
	if staleAudio(frames.NewTextFrame("s1", 1, "t", nil), 0) {
		t.Fatal("only audio is shed")
	}
}
