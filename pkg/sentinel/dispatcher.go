package sentinel

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

// ToolExecutor wraps a tool registry with the execution policy the
// conversation layer relies on: bounded concurrency across sessions,
// a per-attempt timeout, bounded retries with linear backoff, result
// replay for repeated identical calls, and optional serialization of
// calls within a session. The conversation manager invokes tools
// mid-turn, so HandleTool blocks until the call settles or times out.
type ToolExecutor struct {
	registry llm.ToolRegistry
	opts     ToolExecutorOptions
	slots    chan struct{}
	obs      metrics.Observer

	mu           sync.Mutex
	sessionLocks map[string]*sync.Mutex
	cache        map[string]cachedCall
}

type ToolExecutorOptions struct {
	Concurrency        int
	Timeout            time.Duration
	Retries            int
	RetryBackoff       time.Duration
	SerializeBySession bool
	// CacheTTL replays a previous result when the same session repeats
	// the same call within the window. Zero disables replay.
	CacheTTL time.Duration
}

type cachedCall struct {
	result string
	at     time.Time
}

var ErrToolTimeout = errors.New("tool timeout")

func NewToolExecutor(registry llm.ToolRegistry, opts ToolExecutorOptions) *ToolExecutor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	return &ToolExecutor{
		registry:     registry,
		opts:         opts,
		slots:        make(chan struct{}, opts.Concurrency),
		sessionLocks: make(map[string]*sync.Mutex),
		cache:        make(map[string]cachedCall),
	}
}

func (e *ToolExecutor) SetObserver(obs metrics.Observer) { e.obs = obs }

func (e *ToolExecutor) Tools() []llm.Tool {
	if e.registry == nil {
		return nil
	}
	return e.registry.Tools()
}

// HandleTool executes a call with no session affinity. Pipeline
// sessions should go through ForSession so serialization and replay
// keys stay scoped to the conversation.
func (e *ToolExecutor) HandleTool(name string, args map[string]any) (string, error) {
	return e.handle("", name, args)
}

// ForSession returns a registry view bound to one session. Each
// conversation manager gets its own view over the shared executor.
func (e *ToolExecutor) ForSession(sessionID string) llm.ToolRegistry {
	return &sessionToolView{exec: e, sessionID: sessionID}
}

type sessionToolView struct {
	exec      *ToolExecutor
	sessionID string
}

func (v *sessionToolView) Tools() []llm.Tool { return v.exec.Tools() }

func (v *sessionToolView) HandleTool(name string, args map[string]any) (string, error) {
	return v.exec.handle(v.sessionID, name, args)
}

func (e *ToolExecutor) handle(sessionID, name string, args map[string]any) (string, error) {
	if e.registry == nil {
		return "", errorsx.New(errorsx.ReasonToolUnknown, "no tool registry configured")
	}
	key := callKey(sessionID, name, args)
	if cached, ok := e.replay(key); ok {
		e.record("tool_replayed", sessionID, name, "ok", 0)
		return cached, nil
	}
	// The key travels on a copy; the caller's map feeds back into the
	// model's message history and must not pick up internal fields.
	call := make(map[string]any, len(args)+1)
	for k, v := range args {
		call[k] = v
	}
	if _, ok := call[frames.MetaIdempotency]; !ok {
		call[frames.MetaIdempotency] = key
	}
	args = call

	e.slots <- struct{}{}
	defer func() { <-e.slots }()

	start := time.Now()
	var result string
	var err error
	if e.opts.SerializeBySession && sessionID != "" {
		lock := e.sessionLock(sessionID)
		lock.Lock()
		result, err = e.callWithRetry(name, args)
		lock.Unlock()
	} else {
		result, err = e.callWithRetry(name, args)
	}
	elapsed := time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrToolTimeout) {
			status = "timeout"
		}
	}
	e.record("tool_executed", sessionID, name, status, elapsed)
	if err != nil {
		return result, err
	}
	e.store(key, result)
	return result, nil
}

func (e *ToolExecutor) callWithRetry(name string, args map[string]any) (string, error) {
	attempts := e.opts.Retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		result, err := e.callWithTimeout(name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(e.opts.RetryBackoff * time.Duration(i+1))
		}
	}
	if lastErr == nil {
		lastErr = errorsx.New(errorsx.ReasonToolExec, "tool error")
	}
	return "", lastErr
}

func (e *ToolExecutor) callWithTimeout(name string, args map[string]any) (string, error) {
	if e.opts.Timeout <= 0 {
		return e.registry.HandleTool(name, args)
	}
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := e.registry.HandleTool(name, args)
		ch <- outcome{text: res, err: err}
	}()
	select {
	case out := <-ch:
		return out.text, out.err
	case <-time.After(e.opts.Timeout):
		return "", errorsx.Wrap(ErrToolTimeout, errorsx.ReasonToolTimeout)
	}
}

func (e *ToolExecutor) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.sessionLocks[sessionID] = lock
	}
	return lock
}

// ReleaseSession drops the lock and cached results for an ended
// session so long-running processes do not accumulate per-call state.
func (e *ToolExecutor) ReleaseSession(sessionID string) {
	if sessionID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessionLocks, sessionID)
	prefix := sessionID + ":"
	for k := range e.cache {
		if strings.HasPrefix(k, prefix) {
			delete(e.cache, k)
		}
	}
}

func (e *ToolExecutor) replay(key string) (string, bool) {
	if e.opts.CacheTTL <= 0 {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[key]
	if !ok {
		return "", false
	}
	if time.Since(entry.at) > e.opts.CacheTTL {
		delete(e.cache, key)
		return "", false
	}
	return entry.result, true
}

func (e *ToolExecutor) store(key, result string) {
	if e.opts.CacheTTL <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache[key] = cachedCall{result: result, at: time.Now()}
}

func (e *ToolExecutor) record(name, sessionID, tool, status string, elapsed time.Duration) {
	if e.obs == nil {
		return
	}
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: float64(elapsed.Milliseconds()),
		Tags: map[string]string{
			frames.MetaSessionID: sessionID,
			"tool_name":          tool,
			"status":             status,
			"component":          "tool_executor",
		},
	})
}

// callKey is stable for a given session, tool and argument set. JSON
// marshaling sorts map keys, so equal args hash equally.
func callKey(sessionID, name string, args map[string]any) string {
	h := fnv.New64a()
	h.Write([]byte(name))
	if raw, err := json.Marshal(args); err == nil {
		h.Write(raw)
	}
	return fmt.Sprintf("%s:%s:%x", sessionID, name, h.Sum64())
}
