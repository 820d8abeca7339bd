// Package session drives one caption session from capture to transcription
// sink and tears it down in a fixed order.
//
// A [Controller] runs a single session: it starts the capture source, opens
// a sink session on the STT provider and wires capture, conditioner and
// dispatcher together. A [Supervisor] re-runs whole sessions after retryable
// failures.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/streamcaption/internal/dispatch"
	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/internal/transcript"
	"github.com/MrWong99/streamcaption/pkg/audio"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// DefaultTeardownTimeout bounds the whole teardown, capture stop included. It
// matches the capture stop timeout.
const DefaultTeardownTimeout = 2 * time.Second

var (
	// ErrAlreadyRunning is returned by Run when called twice.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("session: closed")
)

// State is the controller lifecycle.
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SessionError summarises a failed session: the first fatal cause and any
// errors from teardown. Either may be nil, not both.
type SessionError struct {
	ID       string
	Cause    error
	Teardown error
}

func (e *SessionError) Error() string {
	var parts []string
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	if e.Teardown != nil {
		parts = append(parts, "teardown: "+strings.ReplaceAll(e.Teardown.Error(), "\n", "; "))
	}
	return fmt.Sprintf("session %s: %s", e.ID, strings.Join(parts, "; "))
}

// Unwrap exposes both the cause and the teardown errors to errors.Is/As.
func (e *SessionError) Unwrap() []error {
	var errs []error
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Teardown != nil {
		errs = append(errs, e.Teardown)
	}
	return errs
}

// Capture is the audio source of a session. *capture.Source implements it.
type Capture interface {
	Start(ctx context.Context) error
	Chunks() <-chan audio.Chunk
	Err() error
	Stop() error
}

// Conditioner prepares chunks for the sink. *denoise.Conditioner and
// denoise.Passthrough implement it.
type Conditioner interface {
	Submit(chunk []byte) ([]byte, bool)
	Reset()
}

// Config describes one session.
type Config struct {
	// ID names the session in logs, errors and the transcript archive.
	ID string

	// Stream is passed to the provider's StartStream.
	Stream stt.StreamConfig

	// Dispatch configures pacing and sink timeouts.
	Dispatch dispatch.Config

	// TeardownTimeout is one deadline for every teardown step. The
	// dispatcher only gets what the capture stop leaves of it.
	TeardownTimeout time.Duration
}

// Option is a functional option for [NewController].
type Option func(*Controller)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithHandler sets where transcripts go. Default: transcript.Discard.
func WithHandler(h transcript.Handler) Option {
	return func(c *Controller) { c.handler = h }
}

// Controller runs one session. It is not reusable: after Run returns it is
// closed.
type Controller struct {
	cfg      Config
	source   Capture
	cond     Conditioner
	provider stt.Provider
	handler  transcript.Handler
	log      *slog.Logger
	metrics  *observe.Metrics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	disp   *dispatch.Dispatcher
}

// NewController wires a session. cond may be nil to send audio unchanged.
func NewController(cfg Config, source Capture, cond Conditioner, provider stt.Provider, opts ...Option) *Controller {
	if cfg.ID == "" {
		cfg.ID = time.Now().UTC().Format("20060102T150405.000")
	}
	if cfg.Stream.SampleRate == 0 {
		cfg.Stream.SampleRate = audio.DefaultSampleRate
	}
	if cfg.Stream.Channels == 0 {
		cfg.Stream.Channels = audio.DefaultChannels
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	if cfg.Dispatch.Format == (audio.Format{}) {
		cfg.Dispatch.Format = audio.Format{SampleRate: cfg.Stream.SampleRate, Channels: cfg.Stream.Channels}
	}
	c := &Controller{
		cfg:      cfg,
		source:   source,
		cond:     cond,
		provider: provider,
		handler:  transcript.Discard,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.log = c.log.With("session", cfg.ID)
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.cfg.ID }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns the dispatcher counters, or zero before the sink is open.
func (c *Controller) Stats() dispatch.Stats {
	c.mu.Lock()
	d := c.disp
	c.mu.Unlock()
	if d == nil {
		return dispatch.Stats{}
	}
	return d.Stats()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes the session until the input ends, a component fails or ctx
// is cancelled. Cancellation and a natural end of input return nil; any
// failure returns a *SessionError. A *capture.LaunchError is returned
// (wrapped) before anything else is started.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	default:
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, span := observe.StartSpan(observe.WithSession(ctx, c.cfg.ID), "session.run")
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()
	defer close(c.done)

	if err := c.source.Start(runCtx); err != nil {
		c.log.Error("session: capture failed to start", "err", err)
		return c.finish(ctx, err, nil)
	}
	c.setState(StateCapturing)
	c.metrics.ActiveSessions.Add(ctx, 1)
	defer c.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	c.log.Info("session: capturing")

	sink, err := c.provider.StartStream(runCtx, c.cfg.Stream)
	if err != nil {
		cause := &dispatch.TransportError{Op: "start stream", Err: err}
		c.log.Error("session: sink failed to open", "err", err)
		return c.finish(ctx, cause, nil)
	}

	disp := dispatch.New(sink, c.cfg.Dispatch,
		dispatch.WithLogger(c.log),
		dispatch.WithMetrics(c.metrics),
		dispatch.WithHandler(c.handler),
	)
	c.mu.Lock()
	c.disp = disp
	c.mu.Unlock()

	var cond dispatch.Conditioner
	if c.cond != nil {
		cond = c.cond
	}

	// The dispatcher outlives a cancelled run context until capture has
	// stopped and the conditioner is reset, so the sink always ends last.
	dispCtx, stopDispatch := context.WithCancel(context.WithoutCancel(runCtx))
	defer stopDispatch()
	dispDone := make(chan struct{})
	pipe := make(chan audio.Chunk)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.relay(gctx, pipe)
	})
	g.Go(func() error {
		defer close(dispDone)
		return disp.Run(dispCtx, pipe, cond)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			c.setState(StateClosing)
			disp.SetTerminationDeadline(time.Now().Add(c.cfg.TeardownTimeout))
			_ = c.source.Stop()
			c.resetConditioner()
			stopDispatch()
		case <-dispDone:
		}
		return nil
	})

	cause := g.Wait()
	return c.finish(ctx, cause, disp)
}

// relay forwards captured chunks to the dispatcher. It closes out only on a
// natural end or capture failure; on cancellation the dispatcher is stopped
// separately after capture.
func (c *Controller) relay(ctx context.Context, out chan<- audio.Chunk) error {
	in := c.source.Chunks()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ch, ok := <-in:
			if !ok {
				if ctx.Err() != nil {
					// Stopped by the closer; it ends the dispatcher itself.
					return nil
				}
				close(out)
				if err := c.source.Err(); err != nil {
					c.log.Error("session: capture failed", "err", err)
					return err
				}
				c.log.Info("session: capture input ended")
				return nil
			}
			select {
			case out <- ch:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// finish tears down in order (capture stop, conditioner reset, dispatcher
// termination), attempting every step, and builds the result.
func (c *Controller) finish(ctx context.Context, cause error, disp *dispatch.Dispatcher) error {
	c.setState(StateClosing)

	var teardown []error
	if err := c.source.Stop(); err != nil {
		teardown = append(teardown, fmt.Errorf("stop capture: %w", err))
	}
	c.resetConditioner()
	if disp != nil {
		if err := disp.Close(); err != nil && !errors.Is(cause, err) {
			teardown = append(teardown, err)
		}
	}
	c.setState(StateClosed)

	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		cause = nil
	}
	tdErr := errors.Join(teardown...)
	if cause == nil && tdErr == nil {
		c.log.Info("session: closed")
		return nil
	}
	serr := &SessionError{ID: c.cfg.ID, Cause: cause, Teardown: tdErr}
	observe.Logger(ctx).Error("session: closed with error", "err", serr)
	return serr
}

func (c *Controller) resetConditioner() {
	if c.cond == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("session: conditioner reset panicked", "panic", r)
		}
	}()
	c.cond.Reset()
}

// Close stops a running session and waits for its teardown, or marks an
// idle controller closed. Safe to call any number of times from any
// goroutine.
func (c *Controller) Close() error {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		if c.cancel == nil {
			c.state = StateClosed
			c.mu.Unlock()
			close(c.done)
			return nil
		}
	case StateClosed:
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-c.done
	return nil
}
