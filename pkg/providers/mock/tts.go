package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/tts"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

type TTSConfig struct {
	StreamID       string
	SessionID      string
	SampleRate     int
	Channels       int
	EmitAudioReady bool
}

// StreamingTTS renders every request as one short silent PCM frame so
// pipeline and transport tests run without a synthesis vendor.
type StreamingTTS struct {
	cfg TTSConfig

	mu   sync.Mutex
	out  chan frames.Frame
	open bool
}

func NewTTS(cfg TTSConfig) *StreamingTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}
	return &StreamingTTS{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingTTS) Name() string { return "mock_tts" }

func (s *StreamingTTS) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *StreamingTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		s.open = false
		close(s.out)
	}
	return nil
}

// SendText emits one 20ms silent frame stamped like real synthesis
// output, then the audio-ready pulse when configured.
func (s *StreamingTTS) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return errors.New("not started")
	}
	meta := map[string]string{
		frames.MetaStreamID:  s.cfg.StreamID,
		frames.MetaSessionID: s.cfg.SessionID,
		frames.MetaSource:    "tts",
	}
	silence := make([]byte, 320)
	s.push(frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), silence, s.cfg.SampleRate, s.cfg.Channels, meta))
	if s.cfg.EmitAudioReady {
		s.push(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlAudioReady,
			map[string]string{frames.MetaSource: "tts"}))
	}
	return nil
}

// push drops when the buffer is full; a mock must never wedge the
// pipeline.
func (s *StreamingTTS) push(f frames.Frame) {
	select {
	case s.out <- f:
	default:
	}
}

func (s *StreamingTTS) Flush() {}

func (s *StreamingTTS) Results() <-chan frames.Frame { return s.out }

var _ tts.StreamingTTS = (*StreamingTTS)(nil)
