// Package resilience keeps a failing ASR or correction engine from stalling
// dictation.
//
// [CircuitBreaker] counts consecutive engine failures and, once tripped,
// rejects calls until a cool-down has passed. [STTGuard] puts one in front of
// an ASR engine. [LLMFallback] chains several correction backends, each
// behind its own breaker, so a dead primary is skipped within the same
// request deadline.
//
// A cancelled call says nothing about the engine: it neither trips nor heals
// a breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
	defaultHalfOpenMax  = 3
)

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout has elapsed since the breaker opened.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. That many successes
	// close the breaker; a single failure opens it again.
	StateHalfOpen
)

// String returns the lower-case name of the state.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero values select the
// defaults noted on each field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget of the half-open state. Default: 3.
	HalfOpenMax int

	// OnStateChange is invoked after each transition, outside the breaker's
	// lock.
	OnStateChange func(name string, from, to State)
}

type transition struct{ from, to State }

// CircuitBreaker is a three-state (closed, open, half-open) circuit breaker.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
	passed   int
}

// NewCircuitBreaker returns a closed breaker configured by cfg.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = defaultHalfOpenMax
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute calls fn unless the breaker rejects it, in which case it returns
// [ErrCircuitOpen] without calling fn. The outcome of fn is recorded, except
// that an error matching [context.Canceled] is returned untouched and not
// counted either way.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, moved, err := cb.admit()
	cb.notify(moved)
	if err != nil {
		return err
	}

	err = fn()
	cb.notify(cb.settle(probe, err))
	return err
}

// admit decides whether a call may proceed and reports whether it counts as a
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, moved []transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, nil, ErrCircuitOpen
		}
		moved = cb.moveTo(StateHalfOpen)
		slog.Info("circuit breaker probing", "breaker", cb.cfg.Name)
	}
	if cb.state != StateHalfOpen {
		return false, moved, nil
	}
	if cb.probes >= cb.cfg.HalfOpenMax {
		return false, moved, ErrCircuitOpen
	}
	cb.probes++
	return true, moved, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) []transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// A probe that outlived a transition belongs to a previous cycle.
	stale := probe && cb.state != StateHalfOpen

	switch {
	case errors.Is(err, context.Canceled):
		if probe && !stale {
			cb.probes--
		}
		return nil

	case err != nil:
		if cb.state == StateOpen {
			return nil
		}
		if cb.state == StateHalfOpen {
			slog.Warn("circuit breaker probe failed", "breaker", cb.cfg.Name, "error", err)
			return cb.moveTo(StateOpen)
		}
		cb.failures++
		if cb.failures < cb.cfg.MaxFailures {
			return nil
		}
		slog.Warn("circuit breaker opened", "breaker", cb.cfg.Name,
			"consecutive_failures", cb.failures, "error", err)
		return cb.moveTo(StateOpen)

	default:
		if cb.state == StateClosed {
			cb.failures = 0
			return nil
		}
		if stale || cb.state != StateHalfOpen {
			return nil
		}
		cb.passed++
		if cb.passed < cb.cfg.HalfOpenMax {
			return nil
		}
		slog.Info("circuit breaker closed", "breaker", cb.cfg.Name)
		return cb.moveTo(StateClosed)
	}
}

// moveTo switches state and resets the counters of the new state. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) moveTo(to State) []transition {
	from := cb.state
	cb.state = to
	cb.probes, cb.passed = 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.failures = 0
	}
	if from == to {
		return nil
	}
	return []transition{{from: from, to: to}}
}

func (cb *CircuitBreaker) notify(moved []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, m := range moved {
		cb.cfg.OnStateChange(cb.cfg.Name, m.from, m.to)
	}
}

// State reports the breaker's state. An open breaker whose cool-down has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	moved := cb.moveTo(StateClosed)
	cb.mu.Unlock()

	slog.Info("circuit breaker reset", "breaker", cb.cfg.Name)
	cb.notify(moved)
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}
