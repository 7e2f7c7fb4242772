// Package frames defines the typed payloads that flow through the
// pipeline: caller audio, recognized or generated text, control pulses
// and lifecycle events. Frames are immutable once built; Meta returns
// a copy so stages cannot race on shared maps.
package frames

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

// ControlCode names the in-band pulses stages exchange. Flush marks a
// speech boundary for the turn machine, cancel aborts in-flight
// synthesis on barge-in, fallback asks the transport for its canned
// apology clip, audio_ready acknowledges delivery, dtmf carries one
// keypad digit.
type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlFallback          ControlCode = "fallback"
	ControlToolCall          ControlCode = "tool_call"
	ControlAudioReady        ControlCode = "audio_ready"
	ControlDTMF              ControlCode = "dtmf"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// header carries the fields every frame shares; embedding it gives the
// concrete types their PTS and Meta methods.
type header struct {
	pts  int64
	meta map[string]string
}

func newHeader(streamID string, pts int64, meta map[string]string) header {
	return header{pts: pts, meta: stampMeta(streamID, meta)}
}

func (h header) PTS() int64              { return h.pts }
func (h header) Meta() map[string]string { return cloneMeta(h.meta) }

// AudioFrame carries one chunk of transport audio. The payload is
// opaque to the pipeline; codec and sample format ride in the meta.
type AudioFrame struct {
	header
	data   []byte
	rate   int
	ch     int
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{header: newHeader(streamID, pts, meta), data: data, rate: rate, ch: ch}
}

func (AudioFrame) Kind() Kind { return KindAudio }

// Data copies the payload. RawPayload borrows it; callers on the hot
// path use RawPayload and must not retain the slice past the frame's
// release.
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }

// TextFrame carries an utterance or reply. MetaSource tells consumers
// who produced it: "stt", "dtmf", "webchat", "flow" or "system".
type TextFrame struct {
	header
	text string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{header: newHeader(streamID, pts, meta), text: text}
}

func (TextFrame) Kind() Kind     { return KindText }
func (t TextFrame) Text() string { return t.text }

type ControlFrame struct {
	header
	code ControlCode
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{header: newHeader(streamID, pts, meta), code: code}
}

func (ControlFrame) Kind() Kind          { return KindControl }
func (c ControlFrame) Code() ControlCode { return c.code }

// SystemFrame marks a lifecycle event: call_start, call_end,
// call_reconnect, session_start, thinking_start/_end, state_snapshot,
// call_summary. Every stage passes system frames through even when it
// consumes the surrounding traffic.
type SystemFrame struct {
	header
	name string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{header: newHeader(streamID, pts, meta), name: name}
}

func (SystemFrame) Kind() Kind     { return KindSystem }
func (s SystemFrame) Name() string { return s.name }

// stampMeta copies the caller's meta and guarantees the stream id is
// present. The engine routes on it; a frame without one is dropped.
func stampMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 1+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

var (
	_ Frame = AudioFrame{}
	_ Frame = TextFrame{}
	_ Frame = ControlFrame{}
	_ Frame = SystemFrame{}
)
