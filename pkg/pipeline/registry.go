package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDraining is returned by GetOrCreate once shutdown has begun; live
// sessions keep flowing but no new ones are admitted.
var ErrDraining = errors.New("session registry is draining")

// Session is one live conversation: its pipeline, its cancel scope and
// the identifiers the transport knows it by.
type Session struct {
	SessionID string
	StreamID  string
	TraceID   string
	Orch      Orchestrator
	Ctx       context.Context
	Cancel    context.CancelFunc
	Created   time.Time
}

type SessionFactory func(ctx context.Context, sessionID, streamID, traceID string) (Orchestrator, error)

// SessionRegistry tracks live sessions by id. Creation is
// race-tolerant: two transports racing on the same id get the same
// session and the loser's pipeline is torn down.
type SessionRegistry struct {
	factory  SessionFactory
	draining atomic.Bool

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory, sessions: make(map[string]*Session)}
}

func (r *SessionRegistry) GetOrCreate(sessionID, streamID, traceID string) (*Session, bool, error) {
	if sessionID == "" {
		return nil, false, nil
	}
	if sess, ok := r.Get(sessionID); ok {
		return sess, false, nil
	}
	if r.draining.Load() {
		return nil, false, ErrDraining
	}

	// The pipeline is built unlocked; construction dials vendors and
	// must not stall unrelated sessions. A creation race is settled
	// below: the loser tears its pipeline down and adopts the winner's.
	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.factory(ctx, sessionID, streamID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	if err := orch.Start(); err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		SessionID: sessionID,
		StreamID:  streamID,
		TraceID:   traceID,
		Orch:      orch,
		Ctx:       ctx,
		Cancel:    cancel,
		Created:   time.Now(),
	}

	r.mu.Lock()
	if winner, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		cancel()
		_ = orch.Stop()
		return winner, false, nil
	}
	r.sessions[sessionID] = sess
	r.mu.Unlock()
	return sess, true, nil
}

func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	return sess, ok
}

func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if sess.Cancel != nil {
		sess.Cancel()
	}
	if sess.Orch != nil {
		_ = sess.Orch.Stop()
	}
}

func (r *SessionRegistry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}

func (r *SessionRegistry) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.sessions))
}

// SetDraining flips admission control; GetOrCreate refuses new
// sessions while set.
func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *SessionRegistry) Draining() bool {
	return r.draining.Load()
}

// WaitForEmpty polls until every session has been removed or ctx
// expires. It reports whether the registry actually emptied.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
