// Package stt defines the recognizer contract the pipeline speaks.
// Vendor packages under providers/ implement it; the engine only ever
// sees this interface.
package stt

import (
	"context"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

// StreamingSTT is one live recognition session. SendAudio pushes caller
// audio in, Results yields transcript and control frames out. A session
// is single-use: once Close returns, Results is drained and closed.
type StreamingSTT interface {
	// Name identifies the vendor in logs and metrics.
	Name() string
	// Start opens the upstream connection. It must be called before
	// SendAudio.
	Start(ctx context.Context) error
	// Close tears the session down and closes Results.
	Close() error
	// SendAudio forwards one chunk of caller audio.
	SendAudio(frame frames.AudioFrame) error
	// Results streams interim and final transcripts plus end-of-turn
	// flushes.
	Results() <-chan frames.Frame
}
