package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

type stubOrchestrator struct {
	started atomic.Int32
	stopped atomic.Int32
	in      chan frames.Frame
}

func newStubOrchestrator() *stubOrchestrator {
	return &stubOrchestrator{in: make(chan frames.Frame, 8)}
}

func (s *stubOrchestrator) Start() error {
	s.started.Add(1)
	return nil
}

func (s *stubOrchestrator) Stop() error {
	s.stopped.Add(1)
	return nil
}

func (s *stubOrchestrator) In() chan frames.Frame               { return s.in }
func (s *stubOrchestrator) Out() chan frames.Frame              { return nil }
func (s *stubOrchestrator) AddProcessor(p FrameProcessor) error { return nil }
func (s *stubOrchestrator) SetContext(ctx context.Context)      {}
func (s *stubOrchestrator) SetSink(sink func(frames.Frame))     {}
func (s *stubOrchestrator) SetObserver(obs metrics.Observer)    {}

func stubFactory(built *atomic.Int32) SessionFactory {
	return func(ctx context.Context, sessionID, streamID, traceID string) (Orchestrator, error) {
		if built != nil {
			built.Add(1)
		}
		return newStubOrchestrator(), nil
	}
}

func TestRegistryCreatesOncePerSession(t *testing.T) {
	var built atomic.Int32
	r := NewSessionRegistry(stubFactory(&built))

	first, created, err := r.GetOrCreate("sess-1", "stream-1", "trace-1")
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := r.GetOrCreate("sess-1", "stream-other", "trace-other")
	if err != nil || created {
		t.Fatalf("second lookup: created=%v err=%v", created, err)
	}
	if first != second {
		t.Fatal("same session id returned different sessions")
	}
	if built.Load() != 1 {
		t.Fatalf("factory ran %d times, want 1", built.Load())
	}
	if r.Count() != 1 {
		t.Fatalf("count = %d, want 1", r.Count())
	}
}

func TestRegistryRemoveStopsPipeline(t *testing.T) {
	r := NewSessionRegistry(stubFactory(nil))
	sess, _, err := r.GetOrCreate("sess-2", "stream-2", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	orch := sess.Orch.(*stubOrchestrator)

	r.Remove("sess-2")
	if orch.stopped.Load() != 1 {
		t.Fatalf("orchestrator stopped %d times, want 1", orch.stopped.Load())
	}
	if sess.Ctx.Err() == nil {
		t.Fatal("session context still live after remove")
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d after remove", r.Count())
	}
	// Removing twice is a no-op.
	r.Remove("sess-2")
	if orch.stopped.Load() != 1 {
		t.Fatal("double remove stopped the pipeline again")
	}
}

func TestRegistryRefusesNewSessionsWhileDraining(t *testing.T) {
	r := NewSessionRegistry(stubFactory(nil))
	live, _, err := r.GetOrCreate("sess-3", "stream-3", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	r.SetDraining(true)
	if _, _, err := r.GetOrCreate("sess-new", "stream-new", ""); !errors.Is(err, ErrDraining) {
		t.Fatalf("draining create err = %v, want ErrDraining", err)
	}
	got, created, err := r.GetOrCreate("sess-3", "stream-3", "")
	if err != nil || created || got != live {
		t.Fatalf("existing session unreachable while draining: created=%v err=%v", created, err)
	}
}

func TestRegistryCloseAllEmpties(t *testing.T) {
	r := NewSessionRegistry(stubFactory(nil))
	for _, id := range []string{"a", "b", "c"} {
		if _, _, err := r.GetOrCreate(id, "stream-"+id, ""); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	r.CloseAll()
	if r.Count() != 0 {
		t.Fatalf("count = %d after CloseAll", r.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !r.WaitForEmpty(ctx, 10*time.Millisecond) {
		t.Fatal("WaitForEmpty should report empty")
	}
}
