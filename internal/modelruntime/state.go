// Package modelruntime owns GPU memory and live model instances. It exposes
// a small surface to load, unload, swap, stream tokens, and batch embeddings,
// and never permits two concurrent loads or an illegal state transition.
package modelruntime

import (
	"sync"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// State is a model instance lifecycle state.
type State string

const (
	StateIdle       State = "IDLE"
	StateLoading    State = "LOADING"
	StateLoaded     State = "LOADED"
	StateGenerating State = "GENERATING"
	StateUnloading  State = "UNLOADING"
	StateError      State = "ERROR"
)

// legalTransitions is the full transition graph. Anything absent fails with
// InvalidTransition.
var legalTransitions = map[State][]State{
	StateIdle:       {StateLoading, StateError},
	StateLoading:    {StateLoaded, StateIdle, StateError},
	StateLoaded:     {StateGenerating, StateUnloading, StateError},
	StateGenerating: {StateLoaded, StateError},
	StateUnloading:  {StateIdle, StateError},
	StateError:      {StateIdle, StateLoading, StateUnloading},
}

// errorRecoveryTarget maps the state a failure occurred in to the state the
// machine recovers to after ERROR.
var errorRecoveryTarget = map[State]State{
	StateLoading:    StateIdle,
	StateGenerating: StateLoaded,
	StateUnloading:  StateIdle,
}

// transitionHistorySize bounds the per-machine transition log.
const transitionHistorySize = 100

// Transition is one recorded state change. ModelType is filled in by the
// runtime's log; a bare StateMachine leaves it empty.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	At        time.Time `json:"at"`
	Reason    string    `json:"reason,omitempty"`
	ModelType ModelType `json:"model_type,omitempty"`
}

// StateMachine tracks one instance's state and its recent transitions in a
// fixed-size ring buffer. Safe for concurrent use.
type StateMachine struct {
	mu      sync.Mutex
	state   State
	ring    [transitionHistorySize]Transition
	next    int
	wrapped bool
	now     func() time.Time

	// onRecord mirrors every recorded transition to an external log.
	onRecord func(Transition)

	// preError remembers the state the machine left when it entered ERROR,
	// so recovery can pick the right target.
	preError State
}

// NewStateMachine starts in IDLE.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle, now: time.Now}
}

// Observe registers fn to receive every recorded transition. It must be set
// before the machine is shared between goroutines.
func (m *StateMachine) Observe(fn func(Transition)) {
	m.onRecord = fn
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To attempts a transition into target and records it. Illegal transitions
// return InvalidTransition and leave the machine unchanged.
func (m *StateMachine) To(target State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !isLegal(m.state, target) {
		return fault.New(fault.InvalidTransition, "model runtime: %s -> %s is not a legal transition", m.state, target)
	}
	if target == StateError {
		m.preError = m.state
	}
	m.record(Transition{From: m.state, To: target, At: m.now(), Reason: reason})
	m.state = target
	return nil
}

// RecoveryTarget reports the state an ERROR should recover to, based on the
// state that was active when the failure happened. IDLE when unknown.
func (m *StateMachine) RecoveryTarget() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if target, ok := errorRecoveryTarget[m.preError]; ok {
		return target
	}
	return StateIdle
}

// ForceIdle resets the machine to IDLE without transition checks. Used only
// by emergency shutdown; the reset itself is recorded.
func (m *StateMachine) ForceIdle(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle {
		return
	}
	m.record(Transition{From: m.state, To: StateIdle, At: m.now(), Reason: reason})
	m.state = StateIdle
}

// History returns the recorded transitions, oldest first, at most
// transitionHistorySize entries.
func (m *StateMachine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.wrapped {
		out := make([]Transition, m.next)
		copy(out, m.ring[:m.next])
		return out
	}
	out := make([]Transition, 0, transitionHistorySize)
	out = append(out, m.ring[m.next:]...)
	out = append(out, m.ring[:m.next]...)
	return out
}

func (m *StateMachine) record(t Transition) {
	m.ring[m.next] = t
	m.next++
	if m.next == transitionHistorySize {
		m.next = 0
		m.wrapped = true
	}
	if m.onRecord != nil {
		m.onRecord(t)
	}
}

func isLegal(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
