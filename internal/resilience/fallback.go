package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is the template for each entry's breaker. Name is
	// replaced by the entry name.
	CircuitBreaker CircuitBreakerConfig

	// OnFailure, if set, is called for every failed attempt except
	// cancellation. The app wires it to the provider error counter.
	OnFailure func(name string, err error)

	Logger *slog.Logger
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallbacks of one backend
// type, each behind its own [CircuitBreaker]. Entries are tried in
// registration order.
type FallbackGroup[T any] struct {
	cfg FallbackConfig
	log *slog.Logger

	mu      sync.RWMutex
	entries []fallbackEntry[T]
	last    string
}

// NewFallbackGroup creates a [FallbackGroup] with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fg := &FallbackGroup[T]{cfg: cfg, log: cfg.Logger}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	if cbCfg.Logger == nil {
		cbCfg.Logger = fg.log
	}
	fg.mu.Lock()
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
	fg.mu.Unlock()
}

// Names returns the entry names in try order.
func (fg *FallbackGroup[T]) Names() []string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Last returns the name of the entry that most recently succeeded, or "".
func (fg *FallbackGroup[T]) Last() string {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	return fg.last
}

// Breaker returns the breaker of the named entry, or nil.
func (fg *FallbackGroup[T]) Breaker(name string) *CircuitBreaker {
	fg.mu.RLock()
	defer fg.mu.RUnlock()
	for _, e := range fg.entries {
		if e.name == name {
			return e.breaker
		}
	}
	return nil
}

// Execute tries fn against each entry until one succeeds. Entries with an
// open breaker are skipped. If every entry fails the error wraps
// [ErrAllFailed] and the last failure.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. Cancellation of ctx stops the walk and is not held against the
// entry's breaker.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	fg.mu.RLock()
	entries := append([]fallbackEntry[T](nil), fg.entries...)
	fg.mu.RUnlock()

	var (
		zero    R
		lastErr error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var (
			result  R
			callErr error
		)
		err := entry.breaker.Execute(func() error {
			result, callErr = fn(entry.value)
			if callErr != nil && ctx.Err() != nil {
				return nil
			}
			return callErr
		})
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("resilience: skipping backend, circuit open", "backend", entry.name)
			lastErr = fmt.Errorf("%s: %w", entry.name, err)
			continue
		}
		if callErr == nil {
			fg.mu.Lock()
			fg.last = entry.name
			fg.mu.Unlock()
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, callErr
		}
		lastErr = fmt.Errorf("%s: %w", entry.name, callErr)
		if fg.cfg.OnFailure != nil {
			fg.cfg.OnFailure(entry.name, callErr)
		}
		fg.log.Warn("resilience: backend failed, trying next", "backend", entry.name, "err", callErr)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
