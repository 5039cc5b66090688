// Package resilience provides the circuit breaker guarding each service
// class of the request pipeline and each downstream of the gateway.
//
// The breaker is a classic three-state machine (closed → open → half-open).
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are admitted.
	StateClosed State = iota

	// StateOpen rejects calls immediately until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen admits calls while counting consecutive successes; enough
	// of them close the breaker, any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name labels the breaker in log messages and health output.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state before the breaker opens. Default: 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// probe calls. Default: 60s.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close. Default: 3.
	SuccessThreshold int

	// Now overrides the clock, for tests.
	Now func() time.Time

	// OnStateChange, when set, is called after every state transition with
	// the breaker name and the new state. Called outside the breaker lock.
	OnStateChange func(name string, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	successThreshold int
	now              func() time.Time
	onStateChange    func(name string, to State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	halfOpenSuccess int
	lastFailure     time.Time
}

// New creates a [CircuitBreaker]. Zero-value config fields get defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		successThreshold: cfg.SuccessThreshold,
		now:              cfg.Now,
		onStateChange:    cfg.OnStateChange,
		state:            StateClosed,
	}
}

// notify runs the state change callback, if any. Must be called after the
// breaker lock is released.
func (cb *CircuitBreaker) notify(to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, to)
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ServiceUnavailable until the recovery timeout elapses, at which point the
// breaker moves to half-open and admits the call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) < cb.recoveryTimeout {
			cb.mu.Unlock()
			return fault.New(fault.ServiceUnavailable, "resilience: %s breaker open", cb.name)
		}
		cb.state = StateHalfOpen
		cb.halfOpenSuccess = 0
		cb.mu.Unlock()
		slog.Info("circuit breaker half-open", "name", cb.name)
		cb.notify(StateHalfOpen)
		return nil
	}
	cb.mu.Unlock()
	return nil
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	closed := false
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.successThreshold {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenSuccess = 0
			closed = true
		}
	case StateClosed:
		cb.consecutiveFail = 0
	}
	cb.mu.Unlock()

	if closed {
		slog.Info("circuit breaker closed", "name", cb.name)
		cb.notify(StateClosed)
	}
}

// RecordFailure notes a failed call. Any half-open failure re-opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	opened := false
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.halfOpenSuccess = 0
		opened = true
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
	case StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.failureThreshold {
			cb.state = StateOpen
			opened = true
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.consecutiveFail)
		}
	}
	cb.mu.Unlock()

	if opened {
		cb.notify(StateOpen)
	}
}

// Execute runs fn under the breaker, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the breaker's current state. An open breaker whose recovery
// timeout has elapsed reports half-open; the actual transition happens on
// the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.recoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// RetryAfter reports how long until an open breaker next admits a call.
// Zero when the breaker is not open.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return 0
	}
	remaining := cb.recoveryTimeout - cb.now().Sub(cb.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenSuccess = 0
	cb.mu.Unlock()

	slog.Info("circuit breaker manually reset", "name", cb.name)
	cb.notify(StateClosed)
}
