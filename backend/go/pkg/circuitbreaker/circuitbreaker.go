package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the state of the circuit breaker.
type State int

const (
	// Closed is the initial state where requests are allowed.
	Closed State = iota
	// Open state is when the circuit has tripped and requests are blocked.
	Open
	// HalfOpen lets trial requests through to probe recovery.
	HalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "Half-Open"
	default:
		return "Unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is in the Open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker is the interface for the circuit breaker pattern.
type CircuitBreaker interface {
	// Execute runs the given request if the circuit breaker is closed or half-open.
	Execute(req func() (interface{}, error)) (interface{}, error)
	// State returns the current state of the circuit breaker.
	State() State
}

// Option customises a breaker.
type Option func(*breaker)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *breaker) { b.now = now }
}

// WithIsFailure decides which errors count against the breaker. Errors for
// which it returns false are passed through without touching the counters.
func WithIsFailure(fn func(error) bool) Option {
	return func(b *breaker) { b.isFailure = fn }
}

// WithOnStateChange registers a hook called (outside the lock) on every transition.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *breaker) { b.onStateChange = fn }
}

type breaker struct {
	failureThreshold     uint32
	successThreshold     uint32
	timeout              time.Duration
	consecutiveSuccesses uint32
	consecutiveFailures  uint32
	openedAt             time.Time
	state                State

	now           func() time.Time
	isFailure     func(error) bool
	onStateChange func(from, to State)
	mutex         sync.Mutex
}

// New creates a breaker that opens after failureThreshold consecutive failures,
// stays open for timeout and closes again after successThreshold consecutive
// successes in the half-open state.
func New(failureThreshold, successThreshold uint32, timeout time.Duration, opts ...Option) CircuitBreaker {
	if failureThreshold == 0 {
		failureThreshold = 1
	}
	if successThreshold == 0 {
		successThreshold = 1
	}
	b := &breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            Closed,
		now:              time.Now,
		isFailure:        func(err error) bool { return err != nil },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current state of the circuit breaker.
func (b *breaker) State() State {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.state
}

// Execute wraps the execution of a function with the circuit breaker logic.
func (b *breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	b.mutex.Lock()
	var changed func()
	if b.state == Open && b.now().Sub(b.openedAt) > b.timeout {
		changed = b.setState(HalfOpen)
		b.consecutiveSuccesses = 0
	}
	state := b.state
	b.mutex.Unlock()
	if changed != nil {
		changed()
	}

	if state == Open {
		return nil, ErrCircuitOpen
	}

	res, err := req()
	if err != nil && b.isFailure(err) {
		b.record(false)
		return nil, err
	}
	b.record(true)
	return res, err
}

func (b *breaker) record(success bool) {
	b.mutex.Lock()
	var changed func()
	switch {
	case success && b.state == HalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.successThreshold {
			changed = b.setState(Closed)
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
		}
	case success:
		b.consecutiveFailures = 0
	case b.state == HalfOpen:
		changed = b.trip()
	case b.state == Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.failureThreshold {
			changed = b.trip()
		}
	}
	b.mutex.Unlock()
	if changed != nil {
		changed()
	}
}

func (b *breaker) trip() func() {
	changed := b.setState(Open)
	b.openedAt = b.now()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	return changed
}

// setState must be called with the lock held; the returned func runs the hook.
func (b *breaker) setState(to State) func() {
	from := b.state
	b.state = to
	if b.onStateChange == nil || from == to {
		return nil
	}
	hook := b.onStateChange
	return func() { hook(from, to) }
}
