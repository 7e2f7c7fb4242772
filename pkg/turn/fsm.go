package turn

import (
	"sync"
	"time"
)

// StateChange records one step through the turn cycle.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// validNext enumerates the turn cycle. Idle wakes into Listening,
// Thinking may fall back to Listening when a turn is abandoned, and
// every state except Idle can drop to Idle when the call ends.
var validNext = map[State][]State{
	StateIdle:      {StateListening},
	StateListening: {StateThinking, StateIdle},
	StateThinking:  {StateSpeaking, StateListening, StateIdle},
	StateSpeaking:  {StateListening, StateIdle},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validNext[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// stateMachine serializes turn-cycle transitions and fans change events
// out to listeners.
type stateMachine struct {
	mu      sync.RWMutex
	current State

	bargeInThreshold time.Duration

	speakingSince  time.Time
	listeningSince time.Time

	listeners []StateListener

	emitter InterruptEmitter
}

func newStateMachine(bargeInThreshold time.Duration, emitter InterruptEmitter) *stateMachine {
	if bargeInThreshold <= 0 {
		bargeInThreshold = 500 * time.Millisecond
	}
	return &stateMachine{
		current:          StateIdle,
		bargeInThreshold: bargeInThreshold,
		emitter:          emitter,
	}
}

// State returns the current turn state.
func (sm *stateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition moves the cycle forward, rejecting jumps the table does
// not allow. Listeners run outside the lock so a listener may itself
// drive the machine.
func (sm *stateMachine) Transition(state State, reason string) error {
	sm.mu.Lock()
	if !transitionValid(sm.current, state) {
		from := sm.current
		sm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}

	event := StateChange{
		FromState: sm.current,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	sm.current = state
	switch state {
	case StateListening:
		sm.listeningSince = event.Timestamp
	case StateSpeaking:
		sm.speakingSince = event.Timestamp
	}
	listeners := make([]StateListener, len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (sm *stateMachine) AddListener(l StateListener) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, l)
}

// InvalidTransitionError reports a jump the turn cycle does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid turn transition from " + e.From.String() + " to " + e.To.String()
}

// OnAudioComplete yields the turn back to the caller once playback has
// drained.
func (sm *stateMachine) OnAudioComplete() {
	if sm.State() == StateSpeaking {
		_ = sm.Transition(StateListening, "audio playback complete")
	}
}

// OnSTTInput watches for the caller talking over the agent. Sustained
// speech past the threshold interrupts playback and hands the turn
// back.
func (sm *stateMachine) OnSTTInput(duration time.Duration) {
	sm.mu.RLock()
	speaking := sm.current == StateSpeaking
	threshold := sm.bargeInThreshold
	emitter := sm.emitter
	sm.mu.RUnlock()

	if !speaking || duration <= threshold {
		return
	}
	if emitter != nil {
		_ = emitter.Emit(NewInterruptFrame("", time.Now().UnixNano()))
	}
	_ = sm.Transition(StateListening, "barge-in detected")
}
