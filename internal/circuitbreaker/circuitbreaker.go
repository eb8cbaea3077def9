package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and calls are being shed.
var ErrOpen = errors.New("circuit breaker open")

// State is the circuit breaker state (Closed, Open, HalfOpen).
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
		return "half_open"
	default:
		return "unknown"
	}
}

type stateChange struct {
	from, to State
}

// CircuitBreaker sheds calls to a failing upstream: it opens after enough
// consecutive failures, admits a bounded number of probe calls once the
// cooldown elapses, and closes again after enough probe successes.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	halfOpenActive  int
	lastFailureTime time.Time

	name             string
	failureThreshold int
	successThreshold int
	halfOpenMax      int
	cooldown         time.Duration
	onStateChange    func(from, to State) // optional, for metrics
}

// Config holds circuit breaker parameters.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	HalfOpenMax      int
	Cooldown         time.Duration
	OnStateChange    func(from, to State)
}

// New creates a new CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		halfOpenMax:      cfg.HalfOpenMax,
		cooldown:         cfg.Cooldown,
		onStateChange:    cfg.OnStateChange,
	}
}

// Call runs fn when the circuit allows it. Shed calls fail fast with an
// error matching ErrOpen via errors.Is. Failures and successes recorded
// here drive the state machine.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	var admitted *stateChange
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailureTime) < cb.cooldown {
			cb.mu.Unlock()
			return cb.openErr()
		}
		admitted = &stateChange{StateOpen, StateHalfOpen}
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.halfOpenActive = 1
	case StateHalfOpen:
		if cb.halfOpenActive >= cb.halfOpenMax {
			cb.mu.Unlock()
			return cb.openErr()
		}
		cb.halfOpenActive++
	}
	cb.mu.Unlock()
	cb.notify(admitted)

	err := fn()

	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.halfOpenActive > 0 {
		cb.halfOpenActive--
	}
	var change *stateChange
	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = time.Now()
		if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.failureCount >= cb.failureThreshold) {
			change = &stateChange{cb.state, StateOpen}
			cb.state = StateOpen
			cb.failureCount = 0
		}
	} else {
		cb.failureCount = 0
		if cb.state == StateHalfOpen {
			cb.successCount++
			if cb.successCount >= cb.successThreshold {
				change = &stateChange{StateHalfOpen, StateClosed}
				cb.state = StateClosed
				cb.successCount = 0
			}
		}
	}
	cb.mu.Unlock()
	cb.notify(change)

	return err
}

// State returns the current state (for metrics).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) openErr() error {
	if cb.name == "" {
		return ErrOpen
	}
	return fmt.Errorf("%s: %w", cb.name, ErrOpen)
}

// notify fires the state-change callback outside the lock so callbacks may
// read State without deadlocking.
func (cb *CircuitBreaker) notify(c *stateChange) {
	if c != nil && cb.onStateChange != nil {
		cb.onStateChange(c.from, c.to)
	}
}
