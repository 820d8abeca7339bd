// Package resilience guards transcription backends against repeated failure.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) used by
// the session supervisor to stop restarting a session that keeps failing and
// by [FallbackGroup] to bypass a backend that keeps refusing streams.
// [STTFallback] puts several STT providers behind one [stt.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. All of them
	// succeeding closes the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the lowercase state name.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probe calls allowed while half-open.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	log          *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probes      int
	probeFailed bool
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value fields take the
// documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
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
		cfg.Logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		log:          cfg.Logger.With("breaker", cfg.Name),
		now:          time.Now,
	}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call and records its outcome.
// A rejected call returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	ferr := fn()
	cb.record(probe, ferr)
	return ferr
}

// admit decides whether a call may run and whether it counts as a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, changed = cb.transition(StateHalfOpen)
		cb.probes = 0
		cb.probeFailed = false
		cb.log.Info("resilience: circuit half-open")
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = cb.state == StateHalfOpen
	if probe {
		cb.probes++
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return probe, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	var (
		from, to State
		changed  bool
	)
	switch {
	case err != nil && probe:
		cb.probeFailed = true
		cb.openedAt = cb.now()
		from, changed = cb.transition(StateOpen)
		to = StateOpen
		cb.log.Warn("resilience: probe failed, circuit re-opened", "err", err)
	case err != nil:
		cb.failures++
		if cb.failures >= cb.maxFailures && cb.state == StateClosed {
			cb.openedAt = cb.now()
			from, changed = cb.transition(StateOpen)
			to = StateOpen
			cb.log.Warn("resilience: circuit opened", "consecutive_failures", cb.failures, "err", err)
		}
	case probe:
		if !cb.probeFailed && cb.probes >= cb.halfOpenMax && cb.state == StateHalfOpen {
			cb.failures = 0
			cb.probes = 0
			from, changed = cb.transition(StateClosed)
			to = StateClosed
			cb.log.Info("resilience: circuit closed after probes")
		}
	default:
		cb.failures = 0
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, to)
	}
}

// transition must be called with cb.mu held.
func (cb *CircuitBreaker) transition(to State) (from State, changed bool) {
	from = cb.state
	cb.state = to
	return from, from != to
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.transition(StateClosed)
	cb.failures = 0
	cb.probes = 0
	cb.probeFailed = false
	cb.mu.Unlock()
	cb.log.Info("resilience: circuit reset")
	if changed {
		cb.notify(from, StateClosed)
	}
}
