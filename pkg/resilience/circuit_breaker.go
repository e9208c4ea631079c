package resilience

import (
	"sync"
	"time"

	"github.com/keelworks/keel/pkg/logging"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed - calls are allowed
	StateClosed State = iota
	// StateOpen - calls are rejected without being attempted
	StateOpen
	// StateHalfOpen - a limited number of probe calls are allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds configuration for the circuit breaker
type BreakerConfig struct {
	// Name of the breaker for logging/metrics, usually the category
	Name string
	// FailureThreshold is the consecutive-failure count that opens a
	// closed breaker
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker rejects calls before
	// allowing probes
	RecoveryTimeout time.Duration
	// HalfOpenAttempts is the number of probes allowed while half-open;
	// that many consecutive successes close the breaker again
	HalfOpenAttempts int
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from, to State)
}

// Breaker is a per-category state machine that stops attempting calls to a
// consistently failing dependency until it has had time to recover.
type Breaker struct {
	cfg    BreakerConfig
	logger *logging.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenUsed      int
	halfOpenSuccesses int
}

// NewBreaker creates a breaker in the closed state
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenAttempts <= 0 {
		cfg.HalfOpenAttempts = 1
	}

	return &Breaker{
		cfg:    cfg,
		logger: logging.GetLogger(),
		state:  StateClosed,
	}
}

// CanAttempt reports whether a call may be attempted now. An open breaker
// permits nothing until RecoveryTimeout elapses, at which point it moves to
// half-open and each CanAttempt consumes one of the allowed probes.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) < b.cfg.RecoveryTimeout {
			return false
		}
		b.setState(StateHalfOpen)
		b.halfOpenUsed = 1
		return true
	case StateHalfOpen:
		if b.halfOpenUsed >= b.cfg.HalfOpenAttempts {
			return false
		}
		b.halfOpenUsed++
		return true
	}
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenAttempts {
			b.failureCount = 0
			b.setState(StateClosed)
		}
	}
}

// RecordFailure reports a failed call. A half-open breaker reopens
// immediately; a closed one opens once the failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// State returns the current state without consuming a probe slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailureTime) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// FailureCount returns the current failure count
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// setState transitions the breaker. Caller holds the lock.
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state

	if state == StateHalfOpen || state == StateClosed {
		b.halfOpenSuccesses = 0
	}
	if state == StateHalfOpen {
		b.halfOpenUsed = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		"name", b.cfg.Name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", b.failureCount,
	)
}
