package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/adapters/tts"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/logging"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/resilience"
)

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	StreamID     string
	SessionID    string
}

// The service drops idle connections after 20 seconds; keep-alives hold
// them open across long user silences.
const keepAliveEvery = 15 * time.Second

// ElevenLabsTTS streams synthesis over the stream-input websocket.
// Text goes out through a single writer goroutine; audio chunks come
// back base64-encoded and are reframed for the transport.
type ElevenLabsTTS struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan frames.Frame
	sendCh chan outbound
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	writeMu sync.Mutex
}

type outbound struct {
	text  string
	flush bool
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	return &ElevenLabsTTS{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		sendCh: make(chan outbound, 256),
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_tts"),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	conn, err := s.dial()
	if err != nil {
		return err
	}
	s.conn = conn
	s.logger.Info("elevenlabs_connected",
		"stream_id", s.cfg.StreamID,
		"session_id", s.cfg.SessionID,
		"output_format", s.cfg.OutputFormat)

	_ = s.send(bootstrapMessage())
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(s.streamURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err == nil {
		return conn, nil
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		s.logger.Error("elevenlabs_rate_limited", "stream_id", s.cfg.StreamID, "status", resp.Status)
		return nil, resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
	}
	s.logger.Error("elevenlabs_connect_failed", "stream_id", s.cfg.StreamID, "error", err)
	return nil, err
}

func (s *ElevenLabsTTS) streamURL() string {
	base := "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input"
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	return base + "?" + q.Encode()
}

// bootstrapMessage opens the generation with voice settings tuned for
// phone audio. The chunk schedule trades first-byte latency against
// prosody across sentence boundaries.
func bootstrapMessage() map[string]any {
	return map[string]any{
		"text":                   " ",
		"try_trigger_generation": true,
		"voice_settings": map[string]any{
			"stability":        0.5,
			"similarity_boost": 0.8,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{120, 160, 250, 290},
		},
	}
}

func (s *ElevenLabsTTS) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.logger.Info("elevenlabs_closing", "stream_id", s.cfg.StreamID)
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

func (s *ElevenLabsTTS) SendTextWithOptions(text string, flush bool) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" && !flush {
		return nil
	}
	// The service treats a trailing space as an utterance boundary.
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.sendCh <- outbound{text: text, flush: flush}:
	default:
	}
	return nil
}

// Flush stops generation and drops any audio still buffered, so a
// barge-in never plays stale speech after the caller interrupted.
func (s *ElevenLabsTTS) Flush() {
	_ = s.send(map[string]any{"text": " ", "flush": true})
	for {
		select {
		case <-s.out:
		default:
			s.logger.Info("elevenlabs_buffer_purged", "stream_id", s.cfg.StreamID)
			return
		}
	}
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) writeLoop() {
	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.sendCh:
			payload := map[string]any{"text": msg.text}
			if msg.flush {
				payload["flush"] = true
			}
			_ = s.send(payload)
		case <-ticker.C:
			_ = s.send(map[string]any{"text": " "})
		}
	}
}

// readLoop exits when the connection errors, which includes Close
// tearing the socket down under a live ReadMessage.
func (s *ElevenLabsTTS) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Error("elevenlabs_read_error", "stream_id", s.cfg.StreamID, "error", err)
			}
			return
		}
		s.onMessage(data)
	}
}

func (s *ElevenLabsTTS) onMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs_raw_data", "data", string(data))
		return
	}
	audio, ok := audioPayload(msg)
	if !ok {
		// Alignment events are routine; anything else is worth a look.
		if _, isAlign := msg["alignment"]; !isAlign {
			s.logger.Debug("elevenlabs_event", "payload", msg)
		}
		return
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Error("elevenlabs_decode_error", "error", err)
		return
	}

	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, s.frameMeta())
	select {
	case s.out <- f:
	default:
		s.logger.Warn("elevenlabs_output_full", "stream_id", s.cfg.StreamID)
	}
}

// audioPayload pulls the base64 audio out of a service message. The
// field name has shifted across API revisions, so all spellings are
// accepted.
func audioPayload(msg map[string]any) (string, bool) {
	for _, key := range []string{"audio", "audio_base_64", "audio_base64"} {
		if a, ok := msg[key].(string); ok && a != "" {
			return a, true
		}
	}
	return "", false
}

func (s *ElevenLabsTTS) frameMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID:  s.cfg.StreamID,
		frames.MetaSessionID: s.cfg.SessionID,
		frames.MetaSource:    "elevenlabs",
	}
	// ulaw_8000 passes to telephony untouched; mark it so the transport
	// skips transcoding.
	if strings.Contains(s.cfg.OutputFormat, "ulaw") {
		meta[frames.MetaEncoding] = "mulaw"
		meta[frames.MetaCodec] = "ulaw"
		meta["sample_rate"] = "8000"
		meta["channels"] = "1"
	}
	return meta
}

func (s *ElevenLabsTTS) send(payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
