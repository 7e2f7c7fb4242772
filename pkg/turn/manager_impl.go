package turn

import (
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
)

type ManagerOptions struct {
	// BargeInThreshold is how long sustained caller speech must run
	// before playback is interrupted.
	BargeInThreshold time.Duration
	// MinBargeIn is the debounce before a barge-in flushes queued
	// audio; transient noise should not cut the agent off.
	MinBargeIn time.Duration
}

// bargeDebounce tracks one armed barge-in window. Guarded by the
// manager mutex; the timer callback re-checks under the lock whether
// the speech run that armed it still holds the floor.
type bargeDebounce struct {
	min   time.Duration
	start time.Time
	timer *time.Timer
}

type manager struct {
	mu         sync.RWMutex
	sm         *stateMachine
	strategy   Strategy
	emit       InterruptEmitter
	lastChange time.Time
	debounce   bargeDebounce
}

func NewManager(strategy Strategy, emitter InterruptEmitter) Manager {
	return NewManagerWithOptions(strategy, emitter, ManagerOptions{})
}

func NewManagerWithOptions(strategy Strategy, emitter InterruptEmitter, opts ManagerOptions) Manager {
	minBargeIn := opts.MinBargeIn
	if minBargeIn <= 0 {
		minBargeIn = 300 * time.Millisecond
	}
	return &manager{
		sm:         newStateMachine(opts.BargeInThreshold, emitter),
		strategy:   strategy,
		emit:       emitter,
		lastChange: time.Now(),
		debounce:   bargeDebounce{min: minBargeIn},
	}
}

func (m *manager) State() State {
	return m.sm.State()
}

func (m *manager) setState(s State, reason string) {
	m.mu.Lock()
	m.lastChange = time.Now()
	m.mu.Unlock()
	_ = m.sm.Transition(s, reason)
}

func (m *manager) OnUserSpeechStart() {
	wasSpeaking := m.sm.State() == StateSpeaking
	m.setState(StateListening, "user speech start")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.debounce.start = time.Now()
	if m.debounce.timer != nil {
		m.debounce.timer.Stop()
	}
	if !wasSpeaking || m.strategy == nil || !m.strategy.BargeInEnabled() {
		return
	}
	start := m.debounce.start
	m.debounce.timer = time.AfterFunc(m.debounce.min, func() { m.maybeInterrupt(start) })
}

// maybeInterrupt fires a debounced barge-in if the speech run that
// armed it is still holding the floor.
func (m *manager) maybeInterrupt(start time.Time) {
	m.mu.RLock()
	live := m.sm.State() == StateListening && m.debounce.start.Equal(start)
	m.mu.RUnlock()
	if live {
		m.interruptPlayback()
	}
}

func (m *manager) OnUserSpeechEnd() {
	m.setState(StateThinking, "user speech end")
	m.disarmBargeIn()
}

func (m *manager) disarmBargeIn() {
	m.mu.Lock()
	if m.debounce.timer != nil {
		m.debounce.timer.Stop()
	}
	m.mu.Unlock()
}

// enterThinking walks Idle through Listening first so the transition
// table allows the jump.
func (m *manager) enterThinking(reason string) {
	if m.sm.State() == StateIdle {
		_ = m.sm.Transition(StateListening, reason)
	}
	m.setState(StateThinking, reason)
}

func (m *manager) OnUserQuestion(text string) {
	m.enterThinking("user question")
}

func (m *manager) OnAgentThinkStart() {
	m.enterThinking("agent think start")
}

func (m *manager) OnAgentThinkEnd() {
}

func (m *manager) OnAgentSpeechStart() {
	m.setState(StateSpeaking, "agent speech start")
}

func (m *manager) OnAgentSpeechEnd() {
	m.setState(StateIdle, "agent speech end")
}

func (m *manager) OnAudioComplete() {
	m.sm.OnAudioComplete()
}

func (m *manager) OnSTTInput(duration time.Duration) {
	m.sm.OnSTTInput(duration)
}

func (m *manager) BargeInLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastChange)
}

// AddListener registers a listener for state change events.
func (m *manager) AddListener(listener StateListener) {
	m.sm.AddListener(listener)
}

// interruptPlayback flushes queued audio and cancels in-flight
// synthesis. Cancel rides behind flush so the synthesizer stops
// producing only after the queue is dropped.
func (m *manager) interruptPlayback() {
	m.mu.RLock()
	emit := m.emit
	m.mu.RUnlock()
	if emit == nil {
		return
	}
	meta := map[string]string{
		frames.MetaSource: "turn",
		frames.MetaReason: "barge_in",
	}
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlFlush, meta))
	_ = emit.Emit(frames.NewControlFrame("", time.Now().UnixNano(), frames.ControlCancel, meta))
}

// AggressiveStrategy interrupts playback as soon as the caller speaks
// past the debounce.
type AggressiveStrategy struct{}

func (AggressiveStrategy) Name() string         { return "aggressive" }
func (AggressiveStrategy) BargeInEnabled() bool { return true }

// PoliteStrategy always finishes what it was saying.
type PoliteStrategy struct{}

func (PoliteStrategy) Name() string         { return "polite" }
func (PoliteStrategy) BargeInEnabled() bool { return false }
