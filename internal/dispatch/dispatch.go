// Package dispatch paces conditioned audio into a transcription sink in real
// time and drains the sink's results.
//
// A [Dispatcher] owns one [stt.SessionHandle]. [Dispatcher.Run] runs two
// loops: the send loop pulls chunks, conditions them and sends them, sleeping
// for each chunk's playback duration so the sink sees audio at wall-clock
// rate; the drain loop forwards partial and final transcripts to a
// [transcript.Handler]. However Run ends, the sink receives an explicit
// end-of-stream before it is closed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/internal/transcript"
	"github.com/MrWong99/streamcaption/pkg/audio"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// Defaults for [Config].
const (
	DefaultSendTimeout        = 2 * time.Second
	DefaultTerminationTimeout = 2 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Run when called twice.
	ErrAlreadyRunning = errors.New("dispatch: already running")

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("dispatch: closed")

	// ErrSendTimeout is wrapped in a TransportError when the sink does not
	// accept a chunk within Config.SendTimeout.
	ErrSendTimeout = errors.New("send timed out")

	// ErrResultsClosed is wrapped in a TransportError when the sink ends its
	// result streams before end-of-stream was signalled.
	ErrResultsClosed = errors.New("sink closed result streams")

	// ErrTerminationTimeout is wrapped in a TransportError when the sink does
	// not acknowledge end-of-stream before the termination deadline.
	ErrTerminationTimeout = errors.New("termination timed out")
)

// TransportError reports a failure talking to the sink.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("dispatch: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Conditioner turns a captured chunk into the PCM that is sent. It returns
// false when nothing should be sent for this chunk.
type Conditioner interface {
	Submit(chunk []byte) ([]byte, bool)
}

// ChunkDuration returns the playback duration of n bytes of PCM in format f:
// n / (sampleRate * bytesPerSample * channels).
func ChunkDuration(n int, f audio.Format) time.Duration {
	return f.Duration(n)
}

// Config controls pacing and timeouts. Zero fields take the defaults.
type Config struct {
	// Format of the PCM being sent. Default: 16 kHz mono.
	Format audio.Format

	// SendTimeout bounds a single SendAudio call.
	SendTimeout time.Duration

	// TerminationTimeout bounds how long results are drained after
	// end-of-stream.
	TerminationTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = audio.DefaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = audio.DefaultChannels
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.TerminationTimeout <= 0 {
		c.TerminationTimeout = DefaultTerminationTimeout
	}
	return c
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Chunks   int64
	Bytes    int64
	Partials int64
	Finals   int64
}

// Option is a functional option for [New].
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHandler sets where drained transcripts go. Default: transcript.Discard.
func WithHandler(h transcript.Handler) Option {
	return func(d *Dispatcher) { d.handler = h }
}

// withSleep replaces the pacing delay. Tests use it to observe durations
// without waiting.
func withSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// Dispatcher sends audio to one sink session. Create one per session.
type Dispatcher struct {
	sink    stt.SessionHandle
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	handler transcript.Handler
	sleep   func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	running   bool
	closed    bool
	drainDone chan struct{}
	deadline  time.Time
	termBy    time.Time

	endOnce   sync.Once
	endDone   chan struct{}
	endErr    error
	closeOnce sync.Once
	closeErr  error

	chunks   atomic.Int64
	bytes    atomic.Int64
	partials atomic.Int64
	finals   atomic.Int64
}

// New returns a Dispatcher for sink.
func New(sink stt.SessionHandle, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		cfg:     cfg.withDefaults(),
		log:     slog.Default(),
		handler: transcript.Discard,
		sleep:   sleepCtx,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Chunks:   d.chunks.Load(),
		Bytes:    d.bytes.Load(),
		Partials: d.partials.Load(),
		Finals:   d.finals.Load(),
	}
}

// Run sends every chunk from in, conditioned by cond, until in is closed,
// ctx is cancelled or the sink fails. A nil cond sends chunks unchanged.
//
// Cancellation is a normal shutdown and returns nil. A sink failure returns a
// *TransportError. In every case the sink has been sent end-of-stream, its
// results drained (bounded by TerminationTimeout) and closed when Run
// returns.
func (d *Dispatcher) Run(ctx context.Context, in <-chan audio.Chunk, cond Conditioner) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return ErrClosed
	case d.running:
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	drainDone := make(chan struct{})
	d.drainDone = drainDone
	d.mu.Unlock()

	ended := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := d.sendLoop(gctx, in, cond)
		d.beginTermination()
		// ended must close before EndStream: a sink may close its result
		// channels from inside EndStream.
		close(ended)
		if eerr := d.endStream(); eerr != nil {
			d.log.Warn("dispatch: end of stream failed", "err", eerr)
		}
		return err
	})
	g.Go(func() error {
		defer close(drainDone)
		return d.drainLoop(ctx, ended)
	})

	err := g.Wait()
	if cerr := d.Close(); cerr != nil && err == nil {
		err = cerr
	}
	d.log.Info("dispatch: finished",
		"chunks", d.chunks.Load(), "bytes", d.bytes.Load(), "finals", d.finals.Load())
	return err
}

func (d *Dispatcher) sendLoop(ctx context.Context, in <-chan audio.Chunk, cond Conditioner) error {
	for {
		var (
			c  audio.Chunk
			ok bool
		)
		select {
		case <-ctx.Done():
			return nil
		case c, ok = <-in:
			if !ok {
				return nil
			}
		}

		pcm := c.Data
		if cond != nil {
			if pcm, ok = cond.Submit(c.Data); !ok {
				continue
			}
		}
		if len(pcm) == 0 {
			continue
		}

		start := time.Now()
		if err := d.send(ctx, pcm); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Error("dispatch: send failed", "seq", c.Seq, "bytes", len(pcm), "err", err)
			d.metrics.RecordProviderError(context.WithoutCancel(ctx), "sink", "transport")
			return err
		}
		d.metrics.RecordSend(ctx, len(pcm), time.Since(start).Seconds())
		d.chunks.Add(1)
		d.bytes.Add(int64(len(pcm)))

		if err := d.sleep(ctx, ChunkDuration(len(pcm), d.cfg.Format)); err != nil {
			return nil
		}
	}
}

// send delivers pcm, giving up after SendTimeout. A send that times out keeps
// running until the sink is closed.
func (d *Dispatcher) send(ctx context.Context, pcm []byte) error {
	errc := make(chan error, 1)
	go func() { errc <- d.sink.SendAudio(pcm) }()

	timer := time.NewTimer(d.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case err := <-errc:
		if err != nil {
			return &TransportError{Op: "send", Err: err}
		}
		return nil
	case <-timer.C:
		return &TransportError{Op: "send", Err: ErrSendTimeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainLoop forwards results until the sink closes both result channels. Once
// ended is closed it waits at most TerminationTimeout more.
func (d *Dispatcher) drainLoop(ctx context.Context, ended <-chan struct{}) error {
	partials, finals := d.sink.Partials(), d.sink.Finals()
	endedCh := ended
	var deadline <-chan time.Time

	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			d.partials.Add(1)
			d.forward(ctx, t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			d.finals.Add(1)
			d.forward(ctx, t)
		case <-endedCh:
			endedCh = nil
			timer := time.NewTimer(d.terminationBudget())
			defer timer.Stop()
			deadline = timer.C
		case <-deadline:
			d.log.Warn("dispatch: sink did not finish before termination deadline",
				"timeout", d.cfg.TerminationTimeout)
			// Keep a provider blocked on a full result channel moving until
			// Close releases it.
			if partials != nil {
				go audio.Drain(partials)
			}
			if finals != nil {
				go audio.Drain(finals)
			}
			return nil
		}
	}

	select {
	case <-ended:
		return nil
	default:
		return &TransportError{Op: "receive", Err: ErrResultsClosed}
	}
}

func (d *Dispatcher) forward(ctx context.Context, t stt.Transcript) {
	d.metrics.RecordTranscript(context.WithoutCancel(ctx), t.IsFinal)
	if t.IsFinal {
		d.log.Debug("dispatch: final transcript", "text", t.Text, "at", t.Timestamp)
	}
	if err := d.handler.Handle(context.WithoutCancel(ctx), t); err != nil {
		d.log.Warn("dispatch: transcript handler failed", "err", err)
	}
}

// SetTerminationDeadline caps every termination wait (end-of-stream, result
// drain) at t, in addition to TerminationTimeout. A caller tearing down
// several components sets it once so their budgets do not add up. A zero t
// removes the cap.
func (d *Dispatcher) SetTerminationDeadline(t time.Time) {
	d.mu.Lock()
	d.deadline = t
	d.mu.Unlock()
}

// beginTermination starts the TerminationTimeout clock. Later calls keep the
// first start.
func (d *Dispatcher) beginTermination() {
	d.mu.Lock()
	if d.termBy.IsZero() {
		d.termBy = time.Now().Add(d.cfg.TerminationTimeout)
	}
	d.mu.Unlock()
}

// terminationBudget is how long the next termination wait may take.
func (d *Dispatcher) terminationBudget() time.Duration {
	d.mu.Lock()
	by, deadline := d.termBy, d.deadline
	d.mu.Unlock()
	if by.IsZero() {
		by = time.Now().Add(d.cfg.TerminationTimeout)
	}
	if !deadline.IsZero() && deadline.Before(by) {
		by = deadline
	}
	return max(time.Until(by), 0)
}

// endStream signals end-of-stream once. A sink that does not return within
// the termination budget is left to finish in the background; Close releases
// it.
func (d *Dispatcher) endStream() error {
	d.endOnce.Do(func() {
		done := make(chan struct{})
		d.endDone = done
		go func() {
			defer close(done)
			if err := d.sink.EndStream(); err != nil {
				d.endErr = &TransportError{Op: "end stream", Err: err}
			}
		}()
	})

	timer := time.NewTimer(d.terminationBudget())
	defer timer.Stop()
	select {
	case <-d.endDone:
		return d.endErr
	case <-timer.C:
		return &TransportError{Op: "end stream", Err: ErrTerminationTimeout}
	}
}

// Close terminates the sink session: end-of-stream, wait for the drain loop
// if Run started one, then close. Both waits share the termination budget.
// It is idempotent and safe to call without Run.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		drainDone := d.drainDone
		d.mu.Unlock()

		d.beginTermination()
		endErr := d.endStream()
		if drainDone != nil {
			timer := time.NewTimer(d.terminationBudget())
			select {
			case <-drainDone:
			case <-timer.C:
				d.log.Warn("dispatch: drain did not finish before close")
			}
			timer.Stop()
		}

		var closeErr error
		if err := d.sink.Close(); err != nil {
			closeErr = &TransportError{Op: "close", Err: err}
		}
		d.closeErr = errors.Join(endErr, closeErr)
	})
	return d.closeErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
