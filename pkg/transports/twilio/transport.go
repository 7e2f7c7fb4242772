package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	TTSWebhookPath     string   `mapstructure:"tts_webhook_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.TTSWebhookPath == "" {
		c.TTSWebhookPath = "/tts/webhook"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// stream is everything the transport remembers about one live media
// stream.
type stream struct {
	conn      *wsConn
	sessionID string
	traceID   string
	from      string
}

// Transport bridges Twilio media streams to the pipeline. The Twilio
// call SID doubles as the engine session id so a reconnecting stream
// lands back in the same conversation.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	updateClient callUpdater

	mu        sync.Mutex
	streams   map[string]*stream
	bySession map[string]string
	closed    bool

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:    make(chan frames.Frame, 512),
		streams:   make(map[string]*stream),
		bySession: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.cfg.publicHTTPURL(t.cfg.VoicePath),
		"status_callback_url": t.cfg.publicHTTPURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.TTSWebhookPath, t.handleTTSWebhook)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.streams))
	for _, st := range t.streams {
		if st.conn != nil {
			conns = append(conns, st.conn)
		}
	}
	t.streams = make(map[string]*stream)
	t.bySession = make(map[string]string)
	if !t.closed {
		t.closed = true
		close(t.recvCh)
	}
	t.mu.Unlock()
	for _, c := range conns {
		_ = c.close()
	}
	return nil
}

// push hands a frame to the engine, shedding when the engine is
// behind. Held under the same lock as Stop so a send never races the
// channel close.
func (t *Transport) push(f frames.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// ServeHTTP is the media stream endpoint. One websocket per call; the
// start event binds it to a stream id, everything after is routed by
// that id.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start != nil {
				streamID = t.onStart(*evt.Start, conn)
			}
		case "media":
			if evt.Media != nil {
				t.onMedia(streamID, *evt.Media)
			}
		case "dtmf":
			if evt.DTMF != nil {
				t.onDTMF(streamID, *evt.DTMF)
			}
		case "stop":
			t.onStop(streamID, evt.Stop)
			return
		}
	}
	if streamID != "" {
		t.endStream(streamID, normalizeCallEndReason("transport_closed"))
	}
}

func (t *Transport) onStart(start startEvent, conn *websocket.Conn) string {
	streamID := start.StreamID
	traceID := uuid.NewString()
	oldStream, oldConn := t.attach(streamID, start.CallSID, traceID, start.From, conn)
	if oldConn != nil {
		_ = oldConn.close()
	}
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaSessionID:  start.CallSID,
		frames.MetaTraceID:    traceID,
		frames.MetaFromNumber: start.From,
		frames.MetaSource:     "transport",
	}
	t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
	if oldStream != "" {
		reconnect := map[string]string{
			frames.MetaStreamID:    streamID,
			frames.MetaSessionID:   start.CallSID,
			frames.MetaTraceID:     traceID,
			frames.MetaOldStreamID: oldStream,
			frames.MetaSource:      "transport",
		}
		t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_reconnect", reconnect))
	}
	return streamID
}

func (t *Transport) onMedia(streamID string, media mediaEvent) {
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaEncoding] = "mulaw"
	meta[frames.MetaCodec] = "ulaw"
	meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
	t.push(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
}

func (t *Transport) onDTMF(streamID string, dtmf dtmfEvent) {
	meta := t.metaForStream(streamID)
	meta[frames.MetaDTMFDigit] = dtmf.Digit
	t.push(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlDTMF, meta))
}

func (t *Transport) onStop(streamID string, stop *stopEvent) {
	reason := ""
	if stop != nil {
		reason = normalizeCallEndReason(stop.Reason)
	}
	if reason == "" {
		reason = "completed"
	}
	t.endStream(streamID, reason)
}

// endStream emits call_end with the already-normalized reason and
// forgets the stream.
func (t *Transport) endStream(streamID, reason string) {
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.push(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

func (t *Transport) Send(f frames.Frame) error {
	switch f.Kind() {
	case frames.KindControl:
		return t.sendControl(f.(frames.ControlFrame))
	case frames.KindAudio:
		return t.sendAudio(f.(frames.AudioFrame))
	default:
		return nil
	}
}

func (t *Transport) sendControl(cf frames.ControlFrame) error {
	streamID := cf.Meta()[frames.MetaStreamID]
	switch cf.Code() {
	case frames.ControlFallback:
		return t.sendFallback(streamID)
	case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
		return t.clearBuffer(streamID)
	}
	return nil
}

func (t *Transport) sendAudio(af frames.AudioFrame) error {
	streamID := af.Meta()[frames.MetaStreamID]
	conn := t.conn(streamID)
	if conn == nil {
		return nil
	}
	return conn.enqueue(mediaMessage(streamID, af.RawPayload()))
}

// Dial places an outbound call through the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	dialer := NewDialer(t.cfg)
	return dialer.Dial(ctx, to, from, url)
}

// DialWithOptions places an outbound call with optional parameters.
func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	dialer := NewDialer(t.cfg)
	return dialer.DialWithOptions(ctx, to, from, url, opts)
}

// SendDTMF plays keypad digits into the active call. The session id is
// the Twilio call SID.
func (t *Transport) SendDTMF(ctx context.Context, sessionID, digits string) error {
	_ = ctx
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("session id required")
	}
	if strings.TrimSpace(digits) == "" {
		return errors.New("digits required")
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(buildDTMFTwiml(digits))
	_, err := updater.UpdateCall(sessionID, params)
	return err
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	var b strings.Builder
	b.WriteString(`<Response>`)
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		b.WriteString(`<Say>` + xmlEscape(greeting) + `</Say>`)
	}
	b.WriteString(`<Connect><Stream url="` + wsURL + `"/></Connect></Response>`)
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(b.String()))
}

// handleTTSWebhook marks synthesized audio as fully delivered so the
// turn manager can hand the floor back.
func (t *Transport) handleTTSWebhook(w http.ResponseWriter, r *http.Request) {
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_tts_webhook_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		streamID = t.soleStream()
	}
	if streamID != "" {
		meta := t.metaForStream(streamID)
		t.push(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlAudioReady, meta))
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		slog.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	defer w.WriteHeader(http.StatusOK)
	if err := r.ParseForm(); err != nil {
		return
	}
	sessionID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || sessionID == "" {
		return
	}
	streamID := t.streamForSession(sessionID)
	if streamID == "" {
		return
	}
	t.endStream(streamID, reason)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

// publicHTTPURL builds the externally reachable URL for a path,
// falling back to localhost for development setups without a tunnel.
func (c Config) publicHTTPURL(path string) string {
	if c.PublicURL != "" {
		return "https://" + normalizePublicURL(c.PublicURL) + path
	}
	addr := c.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// attach registers a stream and reports any stream the same call was
// previously bound to, so the caller can retire it.
func (t *Transport) attach(streamID, sessionID, traceID, from string, conn *websocket.Conn) (string, *wsConn) {
	st := &stream{
		conn:      newWSConn(conn),
		sessionID: sessionID,
		traceID:   traceID,
		from:      from,
	}
	var oldStream string
	var oldConn *wsConn
	t.mu.Lock()
	if sessionID != "" {
		if prev := t.bySession[sessionID]; prev != "" && prev != streamID {
			oldStream = prev
			if old := t.streams[prev]; old != nil {
				oldConn = old.conn
			}
			delete(t.streams, prev)
		}
		t.bySession[sessionID] = streamID
	}
	t.streams[streamID] = st
	t.mu.Unlock()
	return oldStream, oldConn
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	st := t.streams[streamID]
	delete(t.streams, streamID)
	if st != nil && st.sessionID != "" && t.bySession[st.sessionID] == streamID {
		delete(t.bySession, st.sessionID)
	}
	t.mu.Unlock()
	if st != nil && st.conn != nil {
		_ = st.conn.close()
	}
}

func (t *Transport) conn(streamID string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st := t.streams[streamID]; st != nil {
		return st.conn
	}
	return nil
}

func (t *Transport) streamForSession(sessionID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bySession[sessionID]
}

// soleStream returns the only live stream id, or "" when the answer
// would be ambiguous.
func (t *Transport) soleStream() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) != 1 {
		return ""
	}
	for id := range t.streams {
		return id
	}
	return ""
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	meta := map[string]string{frames.MetaStreamID: streamID}
	t.mu.Lock()
	if st := t.streams[streamID]; st != nil {
		if st.sessionID != "" {
			meta[frames.MetaSessionID] = st.sessionID
		}
		if st.traceID != "" {
			meta[frames.MetaTraceID] = st.traceID
		}
		if st.from != "" {
			meta[frames.MetaFromNumber] = st.from
		}
	}
	t.mu.Unlock()
	return meta
}

func (t *Transport) clearBuffer(streamID string) error {
	conn := t.conn(streamID)
	if conn == nil {
		return nil
	}
	return conn.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

// sendFallback plays a short silent clip so the caller hears the line
// is still open while a spoken fallback is prepared.
func (t *Transport) sendFallback(streamID string) error {
	conn := t.conn(streamID)
	if conn == nil {
		return nil
	}
	for _, chunk := range fallbackMuLawFrames() {
		_ = conn.enqueue(mediaMessage(streamID, chunk))
	}
	return nil
}

func mediaMessage(streamID string, payload []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

// requestURL reconstructs the URL Twilio signed. Behind a proxy the
// public base must come from config, not the stripped request.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" {
		return true
	}
	host := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		if originMatches(strings.TrimSpace(allowed), origin, host) {
			return true
		}
	}
	return false
}

// originMatches compares scheme-qualified entries against the full
// origin and bare hosts against the origin's host.
func originMatches(allowed, origin, host string) bool {
	if allowed == "" {
		return false
	}
	allowed = strings.TrimRight(allowed, "/")
	if strings.Contains(allowed, "://") {
		return strings.EqualFold(allowed, origin)
	}
	return strings.EqualFold(allowed, host)
}

func buildDTMFTwiml(digits string) string {
	return fmt.Sprintf(`<Response><Play digits="%s"/></Response>`, xmlEscape(digits))
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"\"", "&quot;",
	"'", "&apos;",
)

func xmlEscape(in string) string {
	return xmlEscaper.Replace(in)
}

// endReasons folds the spellings Twilio uses across stream stop events
// and status callbacks into the engine's vocabulary.
var endReasons = map[string]string{
	"completed":         "completed",
	"call_ended":        "completed",
	"call-ended":        "completed",
	"completed_by_user": "completed",
	"hangup":            "completed",
	"busy":              "busy",
	"no_answer":         "no_answer",
	"noanswer":          "no_answer",
	"no-answer":         "no_answer",
	"failed":            "failed",
	"error":             "failed",
	"canceled":          "failed",
	"cancelled":         "failed",
	"transport_closed":  "failed",
}

// normalizeCallEndReason returns "" for statuses that do not end a
// call.
func normalizeCallEndReason(raw string) string {
	r := strings.ToLower(strings.TrimSpace(raw))
	switch r {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	}
	if mapped, ok := endReasons[r]; ok {
		return mapped
	}
	return "unknown"
}

// wsConn serializes writes to one websocket; the gorilla connection
// allows a single writer.
type wsConn struct {
	conn   *websocket.Conn
	sendCh chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	wc := &wsConn{conn: conn, sendCh: make(chan []byte, 256)}
	go wc.writeLoop()
	return wc
}

// enqueue queues a message without blocking; a stalled socket sheds
// instead of backing the pipeline up.
func (c *wsConn) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *wsConn) writeLoop() {
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *wsConn) close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.sendCh)
	}
	c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Wire shapes for the media stream websocket.
type streamEvent struct {
	Event string      `json:"event"`
	Start *startEvent `json:"start,omitempty"`
	Media *mediaEvent `json:"media,omitempty"`
	DTMF  *dtmfEvent  `json:"dtmf,omitempty"`
	Stop  *stopEvent  `json:"stop,omitempty"`
}

type startEvent struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type mediaEvent struct {
	Payload string `json:"payload"`
}

type dtmfEvent struct {
	Digit string `json:"digit"`
}

type stopEvent struct {
	Reason string `json:"reason"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

const mulawChunkBytes = 160 // 20ms at 8kHz

var fallbackOnce sync.Once
var fallbackChunks [][]byte

func fallbackMuLawFrames() [][]byte {
	fallbackOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, mulawChunkBytes*5)
		for i := 0; i < len(silence); i += mulawChunkBytes {
			fallbackChunks = append(fallbackChunks, silence[i:i+mulawChunkBytes])
		}
	})
	return fallbackChunks
}
