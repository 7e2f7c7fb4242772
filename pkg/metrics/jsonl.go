package metrics

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// JSONLObserver renders each event as one JSON object per line, the
// shape log shippers and jq expect. The event name becomes the msg
// field and the event time becomes the record time, so a metrics file
// replays in order through any slog-aware reader.
type JSONLObserver struct {
	handler slog.Handler
	sync    func() error
}

// NewJSONLObserver writes events to w. A nil writer discards. When w
// can sync to stable storage (an *os.File), Flush forwards to it.
func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	o := &JSONLObserver{handler: slog.NewJSONHandler(w, nil)}
	if s, ok := w.(interface{ Sync() error }); ok {
		o.sync = s.Sync
	}
	return o
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := slog.NewRecord(ts, slog.LevelInfo, ev.Name, 0)
	rec.AddAttrs(slog.Float64("value", ev.Value))
	for k, v := range ev.Tags {
		rec.AddAttrs(slog.String(k, v))
	}
	for k, v := range ev.Fields {
		rec.AddAttrs(slog.Any(k, v))
	}
	_ = o.handler.Handle(context.Background(), rec)
}

func (o *JSONLObserver) Flush() error {
	if o.sync == nil {
		return nil
	}
	return o.sync()
}
