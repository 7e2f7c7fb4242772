package priority

import (
	"testing"
	"time"
)

func TestHighLaneWins(t *testing.T) {
	q := New(4, 4, 0)
	if !q.TryPushLow("audio") {
		t.Fatal("low push rejected")
	}
	if !q.TryPushHigh("cancel") {
		t.Fatal("high push rejected")
	}

	f, ok := q.Pop()
	if !ok || f != "cancel" {
		t.Fatalf("expected control frame first, got %v", f)
	}
	f, ok = q.Pop()
	if !ok || f != "audio" {
		t.Fatalf("expected audio second, got %v", f)
	}
}

func TestFairnessYieldsToLowLane(t *testing.T) {
	q := New(8, 8, 2)
	for i := 0; i < 4; i++ {
		q.TryPushHigh(i)
	}
	q.TryPushLow("audio")

	// Two high pops reach the fairness cap, the third pop services low.
	var got []any
	for i := 0; i < 3; i++ {
		f, ok := q.Pop()
		if !ok {
			t.Fatalf("pop %d failed", i)
		}
		got = append(got, f)
	}
	if got[0] != 0 || got[1] != 1 || got[2] != "audio" {
		t.Fatalf("fairness did not yield: %v", got)
	}
}

func TestTryPushReportsFullLane(t *testing.T) {
	q := New(1, 1, 0)
	if !q.TryPushHigh("a") || q.TryPushHigh("b") {
		t.Fatal("second push should report a full lane")
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(2, 2, 0)
	done := make(chan any, 1)
	go func() {
		f, _ := q.Pop()
		done <- f
	}()

	time.Sleep(10 * time.Millisecond)
	q.TryPushLow("late")
	select {
	case f := <-done:
		if f != "late" {
			t.Fatalf("got %v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestCloseDrainsBacklogThenEnds(t *testing.T) {
	q := New(4, 4, 0)
	q.TryPushHigh("flush")
	q.TryPushLow("audio")
	q.Close()

	if f, ok := q.Pop(); !ok || f != "flush" {
		t.Fatalf("expected queued control frame, got %v ok=%v", f, ok)
	}
	if f, ok := q.Pop(); !ok || f != "audio" {
		t.Fatalf("expected queued audio, got %v ok=%v", f, ok)
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("drained queue should report exhaustion")
	}
	if q.TryPushLow("rejected") {
		t.Fatal("push after close should be rejected")
	}
}

func TestStatsCount(t *testing.T) {
	q := New(4, 4, 0)
	q.TryPushHigh("a")
	q.TryPushLow("b")
	q.Pop()
	q.Pop()

	s := q.Stats()
	if s.HighPush != 1 || s.LowPush != 1 || s.HighPop != 1 || s.LowPop != 1 {
		t.Fatalf("stats off: %+v", s)
	}
}
