package observers

import (
	"context"
	"log/slog"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
)

// LoggerObserver mirrors every metrics event onto the debug log. It is
// the last line of defense for PII: string field values pass through
// the redactor even when the emitting stage already sanitized them.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs,
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	)
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		if s, ok := v.(string); ok {
			attrs = append(attrs, slog.String(k, redact.Text(s)))
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", attrs...)
}

// MultiObserver fans one event out to a fixed set of observers in
// registration order.
type MultiObserver struct {
	list []metrics.Observer
}

func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	return &MultiObserver{list: list}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		if obs != nil {
			obs.RecordEvent(ev)
		}
	}
}

// Flush forwards to every member that buffers, returning the first
// error but flushing the rest regardless.
func (m *MultiObserver) Flush() error {
	var first error
	for _, obs := range m.list {
		fl, ok := obs.(metrics.Flusher)
		if !ok {
			continue
		}
		if err := fl.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
