package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the breaker is rejecting calls.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	Name             string
	MaxFailures      int
	ResetTimeout     time.Duration
	HalfOpenRequests int
	OnStateChange    func(from, to BreakerState)
}

// CircuitBreaker sheds calls to a failing dependency. Consecutive failures
// past the threshold open the breaker; after the reset timeout a bounded
// number of probes may pass, and one success closes it again.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	halfOpenIn  int
	lastFailure time.Time
}

// NewCircuitBreaker builds a breaker from config, applying defaults for
// zero fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning open breakers to
// half-open once the reset timeout elapses. A true result must be followed
// by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.lastFailure) < cb.cfg.ResetTimeout {
			return false
		}
		cb.transition(BreakerHalfOpen)
		cb.halfOpenIn = 1
		return true
	case BreakerHalfOpen:
		if cb.halfOpenIn >= cb.cfg.HalfOpenRequests {
			return false
		}
		cb.halfOpenIn++
		return true
	}
	return false
}

// RecordSuccess closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.halfOpenIn = 0
	if cb.state != BreakerClosed {
		cb.transition(BreakerClosed)
	}
}

// RecordFailure counts a failure, opening the breaker when the threshold is
// crossed or a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case BreakerHalfOpen:
		cb.halfOpenIn = 0
		cb.transition(BreakerOpen)
	case BreakerClosed:
		if cb.failures >= cb.cfg.MaxFailures {
			cb.transition(BreakerOpen)
		}
	}
}

// Execute wraps fn with breaker accounting.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrBreakerOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(from, to)
	}
}
