// Package pipeline moves frames through an ordered chain of processors
// under a priority queue, one orchestrator per live session. Everything
// here is transport- and provider-agnostic; stages see only frames.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

// FrameProcessor is one stage of the session pipeline. Process may fan
// a frame out into several, swallow it by returning nil, or pass it
// through untouched.
type FrameProcessor interface {
	Process(frames.Frame) ([]frames.Frame, error)
	Name() string
}

// BackpressureMode picks what happens when a stage falls behind.
type BackpressureMode int

const (
	// BackpressureDrop sheds frames when a stage falls behind. Speech
	// must stay real-time; late audio is worse than lost audio.
	BackpressureDrop BackpressureMode = iota
	// BackpressureWait blocks the producer instead. Only safe for
	// offline replay.
	BackpressureWait
)

// Config sizes the orchestrator's queues. HighCapacity and LowCapacity
// bound the control and media lanes of the priority queue, StageBuffer
// bounds each inter-stage channel in async mode, and FairnessRatio is
// how many control frames may jump ahead before a waiting media frame
// gets served.
type Config struct {
	Async         bool
	StageBuffer   int
	HighCapacity  int
	LowCapacity   int
	FairnessRatio int
	Backpressure  BackpressureMode
}

// PipelineConfig bundles queue sizing with an initial processor chain.
type PipelineConfig struct {
	Config     Config
	Processors []FrameProcessor
}

// EngineConfig holds the audio-path settings shared by every session.
type EngineConfig struct {
	SampleRate      int `mapstructure:"samplerate"`
	STTReplayChunks int `mapstructure:"stt_replay_chunks"`
}

func LogConfiguration(cfg EngineConfig) {
	slog.Info("engine_config",
		"sample_rate", cfg.SampleRate,
		"stt_replay_chunks", cfg.STTReplayChunks,
	)
}

// Orchestrator runs one session's frame flow. Frames enter through In,
// pass every processor in order, and leave through the sink when one is
// set or through Out otherwise.
type Orchestrator interface {
	Start() error
	Stop() error
	In() chan frames.Frame
	Out() chan frames.Frame
	AddProcessor(p FrameProcessor) error
	SetContext(ctx context.Context)
	SetSink(sink func(frames.Frame))
	SetObserver(obs metrics.Observer)
}
