package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling through while the circuit rejects
// requests.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // a limited number of trials pass through
)

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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // consecutive failures before opening
	SuccessThreshold    int           // half-open successes needed to close
	Timeout             time.Duration // time spent open before probing
	MaxRequestsHalfOpen int           // concurrent trials while half-open

	// IsFailure decides which errors count against the circuit. Nil counts
	// every error except context cancellation.
	IsFailure func(error) bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenInFlight int
	rejected         uint64
	lastFailure      error
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsFailure
	}
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

func countsAsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// OnStateChange registers fn to run, on its own goroutine, after every
// transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the circuit is open. Errors from fn are returned
// unwrapped so callers can keep matching on them.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do runs fn through cb and returns its result.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	state, ok := cb.allow()
	if !ok {
		if state == StateHalfOpen {
			return zero, fmt.Errorf("%w: half-open trial limit reached", ErrOpen)
		}
		return zero, ErrOpen
	}

	result, err := fn(ctx)
	cb.record(state, err)
	if err != nil {
		return zero, err
	}
	return result, nil
}

func (cb *CircuitBreaker) allow() (State, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			cb.rejected++
			return cb.state, false
		}
		cb.transitionTo(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.config.MaxRequestsHalfOpen {
			cb.rejected++
			return cb.state, false
		}
		cb.halfOpenInFlight++
	}
	return cb.state, true
}

// record accounts for a call admitted in state admitted.
func (cb *CircuitBreaker) record(admitted State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if admitted == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	// The circuit moved on while the call was in flight.
	if cb.state != admitted {
		return
	}

	if err != nil && cb.config.IsFailure(err) {
		cb.failureCount++
		cb.successCount = 0
		cb.lastFailure = err
		cb.lastFailureTime = cb.now()
		if cb.state == StateHalfOpen || cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
		return
	}

	cb.failureCount = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(next State) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.stateChangeTime = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenInFlight = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(prev, next)
	}
}

// State reports the current state. An open circuit whose timeout has lapsed
// still reads open until the next call tries it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenInFlight int
	Rejected         uint64
	LastFailure      error
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenInFlight: cb.halfOpenInFlight,
		Rejected:         cb.rejected,
		LastFailure:      cb.lastFailure,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}
