package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/stt"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	VADEvents  bool
	StreamID   string
	SessionID  string
	TraceID    string

	// UtteranceEndMS enables the recognizer's native end-of-utterance
	// event after this much trailing silence.
	UtteranceEndMS int
}

// StreamingSTT bridges the recognizer's websocket callbacks onto the
// frame pipeline: transcripts become text frames, VAD events become
// flush controls the turn machine keys off.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt").
		With("stream_id", cfg.StreamID, "session_id", cfg.SessionID)
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	s.logger.Info("deepgram_connecting",
		"model", s.cfg.Model,
		"vad_events", s.cfg.VADEvents,
		"sample_rate", s.cfg.SampleRate)

	dg, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey,
		&interfaces.ClientOptions{EnableKeepAlive: true},
		s.transcriptionOptions(),
		&events{s: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", "error", err)
		return err
	}
	s.dgClient = dg

	if ok := s.dgClient.Connect(); !ok {
		s.logger.Error("deepgram_connect_failed")
		return fmt.Errorf("deepgram connection failed")
	}
	s.logger.Info("deepgram_connected")

	go s.pump()
	return nil
}

func (s *StreamingSTT) transcriptionOptions() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.UtteranceEndMS)
	}
	return opts
}

// pump feeds the audio pipe into the websocket until the stream ends.
// A stream error after cancel is the shutdown we asked for, not a fault.
func (s *StreamingSTT) pump() {
	if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
		s.logger.Error("deepgram_stream_error", "error", err)
	}
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("deepgram_closing")
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		s.logger.Error("deepgram_send_failed", "error", err)
		return err
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID:  s.cfg.StreamID,
		frames.MetaSessionID: s.cfg.SessionID,
		frames.MetaSource:    "stt",
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}
	return meta
}

// emit never blocks; the pipeline drains this channel on its own clock
// and a stalled consumer must not back-pressure the recognizer socket.
func (s *StreamingSTT) emit(f frames.Frame, event string) {
	select {
	case s.out <- f:
	default:
		s.logger.Warn("deepgram_out_channel_full", "event", event)
	}
}

func (s *StreamingSTT) emitFlush(reason string) {
	meta := s.baseMeta()
	meta[frames.MetaReason] = reason
	s.emit(frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, meta), reason)
}

// events receives the SDK's websocket callbacks.
type events struct {
	s *StreamingSTT
}

func (e *events) Open(or *msginterfaces.OpenResponse) error {
	e.s.logger.Info("deepgram_connection_opened")
	return nil
}

func (e *events) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	// SpeechFinal marks endpoint-detected finality; IsFinal marks the
	// last revision of a segment. Either one ends the utterance here.
	isFinal := mr.IsFinal || mr.SpeechFinal
	meta := e.s.baseMeta()
	meta[frames.MetaIsFinal] = fmt.Sprintf("%t", isFinal)

	e.s.emit(frames.NewTextFrame(e.s.cfg.StreamID, time.Now().UnixNano(), transcript, meta), "transcript")
	if isFinal {
		e.s.emitFlush("speech_final")
	}
	return nil
}

func (e *events) Metadata(md *msginterfaces.MetadataResponse) error {
	if e.s.metaLogged {
		return nil
	}
	e.s.metaLogged = true
	e.s.logger.Info("deepgram_metadata_received", "request_id", md.RequestID)
	return nil
}

func (e *events) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	e.s.logger.Info("speech_started_event")
	e.s.emitFlush("speech_started")
	return nil
}

func (e *events) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	e.s.logger.Info("utterance_end_event", "utterance_end_ms", e.s.cfg.UtteranceEndMS)
	e.s.emitFlush("utterance_end")
	return nil
}

func (e *events) Close(cr *msginterfaces.CloseResponse) error {
	e.s.logger.Info("deepgram_connection_closed")
	return nil
}

func (e *events) Error(er *msginterfaces.ErrorResponse) error {
	e.s.logger.Error("deepgram_error", "error_code", er.ErrCode, "error_message", er.ErrMsg)
	return nil
}

func (e *events) UnhandledEvent(byData []byte) error {
	e.s.logger.Debug("deepgram_unhandled_event")
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
