// Package resilience guards calls to flaky external capabilities.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open).
// The search engine wraps its embedding backend in one so a dead backend
// degrades queries to the text stage instead of stalling every search
// until the timeout.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through; their
	// outcome decides between closing and re-opening.
	StateHalfOpen
)

// String returns the lowercase name of the state.
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

// Config tunes a [CircuitBreaker]. Zero values fall back to the defaults
// noted per field.
type Config struct {
	// Name labels the breaker in log lines and status surfaces.
	Name string
	// MaxFailures is how many consecutive failures open a closed breaker.
	// Defaults to 5.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open before probing.
	// Defaults to 30s.
	ResetTimeout time.Duration
	// HalfOpenMax is the probe budget of the half-open state; that many
	// successes close the breaker again. Defaults to 3.
	HalfOpenMax int
}

// CircuitBreaker tracks consecutive failures of one backend and stops
// calling it once the failure threshold is reached. Safe for concurrent
// use.
type CircuitBreaker struct {
	cfg   Config
	clock func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// Option customises a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *CircuitBreaker) { b.clock = clock }
}

// NewBreaker builds a closed breaker with the given configuration.
func NewBreaker(cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	b := &CircuitBreaker{
		cfg:   cfg,
		clock: time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the breaker rejects the call. The admission mode
// is pinned before fn runs, so a slow call settles against the state that
// let it through.
func (b *CircuitBreaker) Execute(fn func() error) error {
	mode, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(mode, err)
	return err
}

// allow decides whether a call may proceed and returns the state that
// admitted it.
func (b *CircuitBreaker) allow() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock().Sub(b.lastFailure) < b.cfg.ResetTimeout {
			return StateOpen, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("resilience: breaker probing", "name", b.cfg.Name)
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			return StateHalfOpen, ErrCircuitOpen
		}
		b.probes++
		return StateHalfOpen, nil
	}
	return StateClosed, nil
}

// settle records the outcome of a call admitted in the given mode.
func (b *CircuitBreaker) settle(mode State, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if mode == StateHalfOpen {
			if b.probes-b.probeFails >= b.cfg.HalfOpenMax {
				b.state = StateClosed
				b.failures = 0
				b.probes = 0
				b.probeFails = 0
				slog.Info("resilience: breaker closed", "name", b.cfg.Name)
			}
			return
		}
		b.failures = 0
		return
	}

	b.lastFailure = b.clock()
	if mode == StateHalfOpen {
		// One failed probe re-opens immediately.
		b.probeFails++
		b.state = StateOpen
		b.failures = b.cfg.MaxFailures
		slog.Warn("resilience: breaker re-opened", "name", b.cfg.Name)
		return
	}
	b.failures++
	if b.failures >= b.cfg.MaxFailures {
		b.state = StateOpen
		slog.Warn("resilience: breaker opened",
			"name", b.cfg.Name, "consecutive_failures", b.failures)
	}
}

// State reports the current mode. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next
// Execute.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && b.clock().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
	slog.Info("resilience: breaker reset", "name", b.cfg.Name)
}
