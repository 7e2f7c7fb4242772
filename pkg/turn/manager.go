// Package turn owns the listen/think/speak cycle of a voice session.
// It decides who holds the floor; what gets said is the conversation
// layer's business.
package turn

import (
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

// State is a position in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

var stateNames = [...]string{"IDLE", "LISTENING", "THINKING", "SPEAKING"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Strategy decides how the agent behaves when the caller talks over it.
type Strategy interface {
	Name() string
	BargeInEnabled() bool
}

// Manager tracks whose turn it is and detects barge-in. Event methods
// are safe to call from transport and pipeline goroutines.
type Manager interface {
	// Caller-side events, driven by recognition results.
	OnUserSpeechStart()
	OnUserSpeechEnd()
	OnUserQuestion(text string)
	OnSTTInput(duration time.Duration)

	// Agent-side events, driven by the pipeline.
	OnAgentThinkStart()
	OnAgentThinkEnd()
	OnAgentSpeechStart()
	OnAgentSpeechEnd()
	OnAudioComplete()

	AddListener(listener StateListener)
	State() State
	BargeInLatency() time.Duration
}

// InterruptEmitter pushes control frames upstream, ahead of anything
// already queued.
type InterruptEmitter interface {
	Emit(frame frames.Frame) error
}

// NewFlushFrame asks downstream stages to drop buffered output for the
// stream.
func NewFlushFrame(streamID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlFlush, nil)
}

// NewInterruptFrame signals the start of a barge-in.
func NewInterruptFrame(streamID string, pts int64) frames.ControlFrame {
	return frames.NewControlFrame(streamID, pts, frames.ControlStartInterruption, nil)
}
