package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
)

// TimelineObserver writes a per-conversation JSONL trace: every frame
// and turn event in order, with free-text fields redacted. Files are
// keyed by trace id, falling back to stream then session.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time      time.Time         `json:"time"`
	Event     string            `json:"event"`
	StreamID  string            `json:"stream_id,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	Fields    map[string]any    `json:"fields,omitempty"`
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := conversationKey(ev.Tags)
	if id == "" {
		return
	}
	line, err := json.Marshal(timelineEvent{
		Time:      ev.Time.UTC(),
		Event:     eventName(ev),
		StreamID:  ev.Tags["stream_id"],
		TraceID:   ev.Tags["trace_id"],
		SessionID: ev.Tags["session_id"],
		Tags:      copyTags(ev.Tags),
		Fields:    sanitizeFields(ev.Fields),
	})
	if err != nil {
		return
	}
	if f := o.fileFor(id); f != nil {
		_, _ = f.Write(append(line, '\n'))
	}
}

// conversationKey picks the file identity for an event, preferring the
// turn trace over transport-level ids.
func conversationKey(tags map[string]string) string {
	for _, k := range []string{"trace_id", "stream_id", "session_id"} {
		if v := tags[k]; v != "" {
			return v
		}
	}
	return ""
}

// Flush pushes buffered writes to disk without closing the files.
func (o *TimelineObserver) Flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if serr := f.Sync(); serr != nil {
			err = errors.Join(err, serr)
		}
	}
	return err
}

// Close closes any open files.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.files[safe]; ok {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(o.dir, safe+".jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

// eventName folds the generic frame events into audio_in/audio_out so
// timelines read as a transcript of the call.
func eventName(ev metrics.MetricsEvent) string {
	if ev.Tags == nil || ev.Tags["kind"] != "audio" {
		return ev.Name
	}
	switch ev.Name {
	case "frame_in":
		return "audio_in"
	case "frame_out":
		return "audio_out"
	}
	return ev.Name
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sanitizeFields redacts string fields before they hit disk; audio
// payloads pass through untouched so traces stay replayable.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || isAudioField(k) {
			out[k] = v
			continue
		}
		out[k] = redact.Text(s)
	}
	return out
}

func isAudioField(k string) bool {
	return strings.Contains(k, "payload_b64") || strings.Contains(k, "audio_b64")
}

var (
	_ metrics.Observer = (*TimelineObserver)(nil)
	_ metrics.Flusher  = (*TimelineObserver)(nil)
)
