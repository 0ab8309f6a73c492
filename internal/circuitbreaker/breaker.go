package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State names reported to the optional state hook.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type hostState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

// CircuitBreaker tracks consecutive failures per key (the upstream host)
// and refuses requests while a key is cooling down. A threshold <= 0
// disables opening entirely.
type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*hostState
	threshold int
	cooldown  time.Duration

	// now is swapped in tests.
	now func() time.Time

	onStateChange func(key, state string)
}

func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*hostState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithStateHook registers a callback invoked on every state transition,
// used to count transitions in metrics.
func (cb *CircuitBreaker) WithStateHook(fn func(key, state string)) *CircuitBreaker {
	cb.onStateChange = fn
	return cb
}

// Allow reports whether a request to key may proceed. After the cooldown an
// open key moves to half-open and lets a single probe through.
func (cb *CircuitBreaker) Allow(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return nil
	}

	switch s.state {
	case stateClosed:
		return nil
	case stateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			cb.notify(key, StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

// RecordSuccess closes the circuit for key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		return
	}
	if s.state != stateClosed {
		cb.notify(key, StateClosed)
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

// RecordFailure counts a failure for key, opening the circuit at the
// threshold. A half-open probe failure re-opens immediately.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[key]
	if !ok {
		s = &hostState{}
		cb.states[key] = s
	}

	s.consecutiveFailures++
	if cb.threshold <= 0 {
		return
	}
	if s.consecutiveFailures >= cb.threshold || s.state == stateHalfOpen {
		if s.state != stateOpen {
			cb.notify(key, StateOpen)
		}
		s.state = stateOpen
		s.openedAt = cb.now()
	}
}

func (cb *CircuitBreaker) notify(key, state string) {
	if cb.onStateChange != nil {
		cb.onStateChange(key, state)
	}
}
