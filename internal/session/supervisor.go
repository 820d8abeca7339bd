package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/internal/capture"
	"github.com/MrWong99/streamcaption/internal/dispatch"
	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/internal/resilience"
)

// Default restart parameters.
const (
	defaultMaxRetries  = 10
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultStableAfter = 1 * time.Minute
)

// Factory builds a fresh [Controller] for each attempt. attempt starts at 0.
type Factory func(attempt int) (*Controller, error)

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// MaxRetries is the number of restarts after the first attempt before
	// giving up. Defaults to 10 if zero; negative disables restarts.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if
	// zero.
	MaxBackoff time.Duration

	// StableAfter resets the retry budget once a session has run this long.
	// Defaults to 1m if zero.
	StableAfter time.Duration

	// Breaker, if set, guards session starts. While it is open attempts are
	// skipped and count against MaxRetries.
	Breaker *resilience.CircuitBreaker

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Supervisor runs sessions built by a [Factory] and restarts them after
// retryable failures: a capture process that died mid-stream or a sink
// transport failure. Launch failures, conditioner faults and cancellation
// are never retried.
//
// All methods are safe for concurrent use.
type Supervisor struct {
	factory     Factory
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	stableAfter time.Duration
	breaker     *resilience.CircuitBreaker
	log         *slog.Logger
	metrics     *observe.Metrics

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	current *Controller
}

// NewSupervisor creates a [Supervisor].
func NewSupervisor(factory Factory, cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		factory:     factory,
		maxRetries:  cfg.MaxRetries,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		stableAfter: cfg.StableAfter,
		breaker:     cfg.Breaker,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		sleep:       sleepCtx,
	}
	if s.maxRetries == 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = defaultMaxBackoff
	}
	if s.stableAfter <= 0 {
		s.stableAfter = defaultStableAfter
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Current returns the controller of the running attempt, or nil between
// attempts.
func (s *Supervisor) Current() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Capturing reports whether the current attempt is capturing audio.
func (s *Supervisor) Capturing() bool {
	c := s.Current()
	return c != nil && c.State() == StateCapturing
}

// Retryable reports whether a session failure is worth a restart.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var launch *capture.LaunchError
	if errors.As(err, &launch) {
		return false
	}
	var capErr *capture.CaptureError
	var transport *dispatch.TransportError
	return errors.As(err, &capErr) || errors.As(err, &transport) || errors.Is(err, resilience.ErrCircuitOpen)
}

// Run executes sessions until one ends cleanly, a failure is not retryable,
// the retry budget is spent or ctx is cancelled. It returns the last session
// error, or nil.
func (s *Supervisor) Run(ctx context.Context) error {
	currentBackoff := s.backoff
	retries := 0

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := s.runOnce(ctx, attempt)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if !Retryable(err) {
			return err
		}

		if time.Since(started) >= s.stableAfter {
			retries = 0
			currentBackoff = s.backoff
		}
		if retries >= s.maxRetries {
			s.log.Error("session: giving up", "attempts", attempt+1, "err", err)
			return fmt.Errorf("session: gave up after %d attempts: %w", attempt+1, err)
		}
		retries++

		s.log.Warn("session: restarting",
			"attempt", retries,
			"max_retries", s.maxRetries,
			"backoff", currentBackoff,
			"err", err,
		)
		s.metrics.SessionRestarts.Add(ctx, 1)

		if err := s.sleep(ctx, currentBackoff); err != nil {
			return nil
		}
		currentBackoff *= 2
		if currentBackoff > s.maxBackoff {
			currentBackoff = s.maxBackoff
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, attempt int) error {
	run := func() error {
		c, err := s.factory(attempt)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.current = c
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.current = nil
			s.mu.Unlock()
		}()
		return c.Run(ctx)
	}
	if s.breaker == nil {
		return run()
	}
	var runErr error
	err := s.breaker.Execute(func() error {
		runErr = run()
		if Retryable(runErr) {
			return runErr
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return err
	}
	return runErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
