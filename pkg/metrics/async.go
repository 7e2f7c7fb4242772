package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples the pipeline from slow sinks. RecordEvent
// enqueues and returns; a single goroutine forwards to the inner
// observer. A full buffer drops the event rather than stall a turn.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	done    chan struct{}
	dropped atomic.Int64

	// mu fences intake against Close: a send may never race the
	// channel close.
	mu     sync.RWMutex
	closed bool
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan MetricsEvent, buffer),
		done:  make(chan struct{}),
	}
	go a.forward()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (a *AsyncObserver) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Close stops intake, waits for buffered events to reach the inner
// observer and flushes it, so shutdown does not lose the tail of a
// session. Safe to call more than once.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	first := !a.closed
	if first {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
	if !first {
		return
	}
	if fl, ok := a.inner.(Flusher); ok {
		_ = fl.Flush()
	}
}

func (a *AsyncObserver) forward() {
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
	close(a.done)
}
