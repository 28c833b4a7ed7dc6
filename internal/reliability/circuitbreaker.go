// Package reliability guards calls to the event sink so a dead endpoint
// costs nothing per event once it has failed repeatedly.
package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests")
)

// State represents the circuit breaker state
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

const (
	defaultThreshold = 5
	defaultCooldown  = 10 * time.Second
)

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and metrics
	Name string
	// Threshold is the number of consecutive tripping failures that open
	// the breaker
	Threshold uint32
	// Cooldown is how long the breaker stays open before it lets a single
	// trial call through
	Cooldown time.Duration
	// Trips reports whether an error counts toward Threshold. Errors it
	// rejects count as proof the far end answered. Nil trips on any error.
	Trips         func(err error) bool
	OnStateChange func(name string, from, to State)
	Metrics       *metrics.Collector
}

// CircuitBreaker stops calls after repeated failures of the kind Trips
// selects. Any other outcome closes it again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	failures uint32
	openedAt time.Time
	trial    bool
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.Trips == nil {
		cfg.Trips = func(err error) bool { return err != nil }
	}

	cb := &CircuitBreaker{cfg: cfg}
	cb.publish()
	return cb
}

// Execute runs fn unless the breaker is open. While half-open only one
// trial call runs at a time; concurrent callers get ErrTooManyRequests.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	trial, err := cb.admit(time.Now())
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.release(trial)
			panic(r)
		}
	}()

	err = fn()
	cb.record(trial, err)
	return err
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state. An open breaker whose cooldown has
// passed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledDown(time.Now()) {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker and clears the failure streak
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.trial = false
	cb.transition(StateClosed, time.Now())
	cb.publish()
}

func (cb *CircuitBreaker) cooledDown(now time.Time) bool {
	return now.Sub(cb.openedAt) >= cb.cfg.Cooldown
}

// admit decides whether a call may run and whether it is the trial call
func (cb *CircuitBreaker) admit(now time.Time) (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if !cb.cooledDown(now) {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen, now)
		cb.publish()
	}
	if cb.state == StateHalfOpen {
		if cb.trial {
			return false, ErrTooManyRequests
		}
		cb.trial = true
		return true, nil
	}
	return false, nil
}

// record folds the outcome of an admitted call into the breaker
func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trial = false
	}
	now := time.Now()

	if !cb.cfg.Trips(err) {
		cb.failures = 0
		cb.transition(StateClosed, now)
		cb.publish()
		return
	}

	cb.failures++
	switch cb.state {
	case StateHalfOpen:
		if trial {
			cb.transition(StateOpen, now)
		}
	case StateClosed:
		if cb.failures >= cb.cfg.Threshold {
			cb.transition(StateOpen, now)
		}
	}
	cb.publish()
}

// release frees the trial slot of a call that never produced a result
func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	cb.trial = false
	cb.mu.Unlock()
}

// transition moves to state and reports the change. Caller holds mu.
func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateOpen {
		cb.openedAt = now
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// publish mirrors state into the metrics collector. Caller holds mu.
func (cb *CircuitBreaker) publish() {
	if cb.cfg.Metrics == nil {
		return
	}
	cb.cfg.Metrics.CircuitBreakerState.WithLabelValues(cb.cfg.Name).Set(float64(cb.state))
	cb.cfg.Metrics.CircuitBreakerConsecutive.WithLabelValues(cb.cfg.Name).Set(float64(cb.failures))
}
