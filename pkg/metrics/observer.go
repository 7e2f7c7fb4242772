// Package metrics carries the event stream the pipeline and
// conversation layers publish, plus a small kit of composable sinks:
// async buffering, sampling, JSONL output and an in-memory recorder
// for tests.
package metrics

import "time"

// MetricsEvent is a single named observation. Value carries the metric
// when one is meaningful (a latency, a count), Tags identify the
// emitting stream and session, Fields hold anything heavier.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Observer consumes events. Implementations must tolerate concurrent
// calls and return quickly; slow sinks belong behind an AsyncObserver.
type Observer interface {
	RecordEvent(ev MetricsEvent)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(MetricsEvent)

func (f ObserverFunc) RecordEvent(ev MetricsEvent) { f(ev) }

// Flusher is implemented by observers that buffer output. They are
// flushed during shutdown so the tail of a session is not lost.
type Flusher interface {
	Flush() error
}

// NoopObserver discards everything. It stands in wherever an observer
// is required but none was configured.
type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
