// Package tts defines the synthesizer contract the pipeline speaks.
// Vendor packages under providers/ implement it; the engine only ever
// sees this interface.
package tts

import (
	"context"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

// StreamingTTS is one live synthesis session. SendText queues agent
// speech, Results yields the rendered audio. Flush exists for barge-in:
// it must drop queued text and silence the stream quickly.
type StreamingTTS interface {
	// Name identifies the vendor in logs and metrics.
	Name() string
	// Start opens the upstream connection. It must be called before
	// SendText.
	Start(ctx context.Context) error
	// Close tears the session down and closes Results.
	Close() error
	// SendText queues a sentence for synthesis.
	SendText(text string) error
	// Flush aborts in-flight synthesis and clears queued text.
	Flush()
	// Results streams synthesized audio frames.
	Results() <-chan frames.Frame
}
