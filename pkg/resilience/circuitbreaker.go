// Package resilience provides the circuit breaker used to gate STT and LLM
// adapter calls so a misbehaving provider doesn't cascade failures into
// the scheduler's retry budget.
//
// CircuitBreaker is a classic three-state breaker (closed -> open ->
// half-open), adapted for this codebase's error taxonomy: only errors the
// caller marks as transient trip the breaker, so a permanent (fatal)
// provider error doesn't needlessly keep it open.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker is open and the
// reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the breaker's current operating mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Logger is the minimal logging surface CircuitBreaker needs; it is
// satisfied by orchestrator.Logger and by the zap adapter without either
// package importing the other.
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Info(string, ...interface{}) {}
func (noopLogger) Warn(string, ...interface{}) {}

// Config tunes a CircuitBreaker.
type Config struct {
	Name         string
	MaxFailures  int           // consecutive closed-state failures before opening. Default 5.
	ResetTimeout time.Duration // open duration before probing half-open. Default 30s.
	HalfOpenMax  int           // probe calls allowed in half-open. Default 3.
	Logger       Logger
}

// CircuitBreaker gates calls through closed/open/half-open state.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	log          Logger

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// New creates a CircuitBreaker from cfg, applying defaults for zero fields.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		log:          cfg.Logger,
		state:        StateClosed,
	}
}

// Execute runs fn if the breaker's state allows it. Only errors for which
// isTransient returns true count toward the breaker's failure budget; a
// nil isTransient treats every non-nil error as transient.
func (cb *CircuitBreaker) Execute(fn func() error, isTransient func(error) bool) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			cb.log.Info("circuit breaker transitioning to half-open", "name", cb.name)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()
	transient := err != nil && (isTransient == nil || isTransient(err))

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if transient {
		cb.recordFailure(inHalfOpen)
	} else if err == nil {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	cb.lastFailure = time.Now()
	if inHalfOpen {
		cb.halfOpenFails++
		cb.state = StateOpen
		cb.consecutiveFail = cb.maxFailures
		cb.log.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		cb.log.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.consecutiveFail)
	}
}

func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := cb.halfOpenCalls - cb.halfOpenFails
		if successes >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			cb.log.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
		return
	}
	cb.consecutiveFail = 0
}

// State reports the breaker's current state, reflecting an elapsed reset
// timeout as half-open even though the actual transition happens lazily on
// the next Execute call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	cb.log.Info("circuit breaker manually reset", "name", cb.name)
}
