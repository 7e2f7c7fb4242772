// Package webchat serves browser chat sessions over a websocket. Each
// connection is one engine session carrying typed text instead of
// audio; the engine builds these sessions a chain without recognition
// or synthesis.
package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

const maxMessageBytes = 16 * 1024

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	Path           string   `mapstructure:"path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.Path == "" {
		c.Path = "/chat"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// ChatEvent is one client-to-server message.
type ChatEvent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Transport bridges websocket chat clients to the pipeline. A client
// may reconnect with ?session=<id> to continue its conversation; the
// old socket is dropped and the engine keeps routing by session id.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	mu             sync.Mutex
	conns          map[string]*wsConn
	sessionIDs     map[string]string
	sessionStreams map[string]string
	traceIDs       map[string]string

	draining atomic.Bool
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:         make(chan frames.Frame, 512),
		conns:          make(map[string]*wsConn),
		sessionIDs:     make(map[string]string),
		sessionStreams: make(map[string]string),
		traceIDs:       make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "webchat" }

// TextOnly marks chat sessions as text traffic so the engine skips
// recognizer and synthesizer stages.
func (t *Transport) TextOnly() bool { return true }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return map[string]any{"chat_url": "ws://" + addr + t.cfg.Path}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.Handle(t.cfg.Path, t)
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
			slog.Error("webchat_transport_server_error", "error", err.Error())
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
	for _, conn := range t.conns {
		_ = conn.close()
	}
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

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
	conn.SetReadLimit(maxMessageBytes)

	sessionID := strings.TrimSpace(r.URL.Query().Get("session"))
	resumed := sessionID != ""
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	streamID := uuid.NewString()
	traceID := uuid.NewString()

	oldStream, oldConn := t.attach(streamID, sessionID, traceID, conn)
	if oldConn != nil {
		_ = oldConn.close()
	}

	wc := t.conn(streamID)
	if wc != nil {
		_ = wc.enqueue(map[string]any{"type": "session", "session_id": sessionID})
	}

	meta := t.metaForStream(streamID)
	nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
	if resumed && oldStream != "" {
		reconnectMeta := t.metaForStream(streamID)
		reconnectMeta[frames.MetaOldStreamID] = oldStream
		nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_reconnect", reconnectMeta))
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt ChatEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "text":
			text := strings.TrimSpace(evt.Text)
			if text == "" {
				continue
			}
			fm := t.metaForStream(streamID)
			fm[frames.MetaSource] = "webchat"
			fm[frames.MetaIsFinal] = "true"
			nonBlockingSend(t.recvCh, frames.NewTextFrame(streamID, time.Now().UnixNano(), text, fm))
		case "end":
			em := t.metaForStream(streamID)
			em[frames.MetaCallEndReason] = "completed"
			nonBlockingSend(t.recvCh, frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", em))
			t.detach(streamID)
			return
		}
	}

	// Socket dropped without a clean end. Keep the session mapping so a
	// resume can pick the conversation back up; the engine's session is
	// only torn down by an explicit end.
	t.mu.Lock()
	if t.conns[streamID] != nil {
		_ = t.conns[streamID].close()
		delete(t.conns, streamID)
	}
	t.mu.Unlock()
}

func (t *Transport) Send(f frames.Frame) error {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	conn := t.conn(streamID)

	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		if meta[frames.MetaSource] == "webchat" {
			return nil
		}
		if conn == nil {
			return nil
		}
		msg := map[string]any{
			"type": "agent_text",
			"text": tf.Text(),
		}
		if flow := meta[frames.MetaFlow]; flow != "" {
			msg["flow"] = flow
		}
		if intent := meta[frames.MetaIntent]; intent != "" {
			msg["intent"] = intent
		}
		if turnNo, err := strconv.Atoi(meta[frames.MetaTurnNumber]); err == nil {
			msg["turn"] = turnNo
		}
		if meta[frames.MetaEscalation] == "true" {
			msg["escalated"] = true
		}
		return conn.enqueue(msg)

	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if conn == nil {
			return nil
		}
		switch sf.Name() {
		case "thinking_start":
			return conn.enqueue(map[string]any{"type": "typing", "active": true})
		case "thinking_end":
			return conn.enqueue(map[string]any{"type": "typing", "active": false})
		case "state_snapshot":
			if snap := meta[frames.MetaStateSnapshot]; snap != "" {
				return conn.enqueue(map[string]any{"type": "state", "snapshot": json.RawMessage(snap)})
			}
			return nil
		case "call_summary":
			if summary := meta[frames.MetaCallSummary]; summary != "" {
				return conn.enqueue(map[string]any{"type": "summary", "text": summary})
			}
			return nil
		case "call_end":
			_ = conn.enqueue(map[string]any{"type": "end"})
			t.detach(streamID)
			return nil
		}
		return nil

	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if conn == nil {
			return nil
		}
		if cf.Code() == frames.ControlFallback {
			return conn.enqueue(map[string]any{"type": "error", "reason": "agent_unavailable"})
		}
		return nil
	}
	return nil
}

func (t *Transport) attach(streamID, sessionID, traceID string, conn *websocket.Conn) (string, *wsConn) {
	wc := &wsConn{
		conn:   conn,
		sendCh: make(chan []byte, 256),
	}
	var oldStream string
	var oldConn *wsConn
	t.mu.Lock()
	if existing := t.sessionStreams[sessionID]; existing != "" && existing != streamID {
		oldStream = existing
		oldConn = t.conns[existing]
		delete(t.conns, existing)
		delete(t.sessionIDs, existing)
		delete(t.traceIDs, existing)
	}
	t.sessionStreams[sessionID] = streamID
	t.conns[streamID] = wc
	t.sessionIDs[streamID] = sessionID
	t.traceIDs[streamID] = traceID
	t.mu.Unlock()
	go wc.loop()
	return oldStream, oldConn
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	conn := t.conns[streamID]
	sessionID := t.sessionIDs[streamID]
	delete(t.conns, streamID)
	delete(t.sessionIDs, streamID)
	delete(t.traceIDs, streamID)
	if sessionID != "" && t.sessionStreams[sessionID] == streamID {
		delete(t.sessionStreams, sessionID)
	}
	t.mu.Unlock()
	if conn != nil {
		_ = conn.close()
	}
}

func (t *Transport) conn(streamID string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[streamID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaSource:   "transport",
	}
	if v := t.sessionIDs[streamID]; v != "" {
		meta[frames.MetaSessionID] = v
	}
	if v := t.traceIDs[streamID]; v != "" {
		meta[frames.MetaTraceID] = v
	}
	return meta
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimSpace(allowed)
		if a == "" {
			continue
		}
		a = strings.TrimRight(a, "/")
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

type wsConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	closed atomic.Bool
}

func (c *wsConn) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.sendCh <- b:
	default:
	}
	return nil
}

func (c *wsConn) loop() {
	for msg := range c.sendCh {
		_ = c.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (c *wsConn) close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.sendCh)
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}
