package mock

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/stt"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

// STTConfig scripts the recognition a StreamingSTT plays back. Only
// Transcript matters for the happy path; the Emit knobs add the
// surrounding events a live recognizer would also produce.
type STTConfig struct {
	StreamID          string
	SessionID         string
	TraceID           string
	Transcript        string
	InterimTranscript string
	EmitInterim       bool
	EmitVAD           bool
	EmitUtteranceEnd  bool
}

// StreamingSTT replays one scripted recognition on the first audio frame
// it receives and swallows the rest. It stands in for a live recognizer
// in tests and local runs where no vendor credentials exist.
type StreamingSTT struct {
	cfg     STTConfig
	out     chan frames.Frame
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	played  bool
}

func NewSTT(cfg STTConfig) *StreamingSTT {
	if cfg.Transcript == "" {
		cfg.Transcript = "mock transcript"
	}
	return &StreamingSTT{cfg: cfg, out: make(chan frames.Frame, 16)}
}

func (s *StreamingSTT) Name() string { return "mock_stt" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.started = true
	s.mu.Unlock()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.out != nil {
		close(s.out)
		s.out = nil
	}
	return nil
}

// SendAudio cues the script exactly once. Audio content is ignored;
// arrival is the trigger.
func (s *StreamingSTT) SendAudio(frames.AudioFrame) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.New("not started")
	}
	replay := s.played
	s.played = true
	s.mu.Unlock()
	if replay {
		return nil
	}
	for _, f := range s.script() {
		s.out <- f
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

// script assembles frames in recognizer order: VAD onset, interim
// revision, final transcript, endpoint flush, utterance end.
func (s *StreamingSTT) script() []frames.Frame {
	var seq []frames.Frame
	if s.cfg.EmitVAD {
		seq = append(seq, s.flush("speech_started"))
	}
	if s.cfg.EmitInterim {
		seq = append(seq, s.text(s.interim(), false))
	}
	seq = append(seq, s.text(s.cfg.Transcript, true), s.flush("speech_final"))
	if s.cfg.EmitUtteranceEnd {
		seq = append(seq, s.flush("utterance_end"))
	}
	return seq
}

func (s *StreamingSTT) interim() string {
	if s.cfg.InterimTranscript != "" {
		return s.cfg.InterimTranscript
	}
	return s.cfg.Transcript
}

func (s *StreamingSTT) text(body string, final bool) frames.Frame {
	meta := s.tags()
	meta[frames.MetaIsFinal] = strconv.FormatBool(final)
	return frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), body, meta)
}

func (s *StreamingSTT) flush(reason string) frames.Frame {
	meta := s.tags()
	meta[frames.MetaReason] = reason
	return frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, meta)
}

func (s *StreamingSTT) tags() map[string]string {
	m := map[string]string{
		frames.MetaStreamID:  s.cfg.StreamID,
		frames.MetaSessionID: s.cfg.SessionID,
		frames.MetaSource:    "stt",
	}
	if s.cfg.TraceID != "" {
		m[frames.MetaTraceID] = s.cfg.TraceID
	}
	return m
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
