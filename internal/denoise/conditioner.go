// Package denoise removes stationary background noise from a PCM stream.
//
// A [Conditioner] learns a noise profile from the first second of a session
// and then applies spectral subtraction to every chunk that follows. Until the
// profile is complete it withholds audio; the withheld audio is released,
// denoised, as the first output.
package denoise

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/pkg/audio"
)

// Defaults for [Config].
const (
	DefaultProfileDuration = time.Second
	DefaultMaxChunkBytes   = 32 * 1024
	DefaultReduction       = 0.75
	DefaultWindowSize      = 1024
	DefaultHopSize         = 256
)

// Config controls the conditioner. Zero fields take the package defaults.
type Config struct {
	// SampleRate of the incoming mono PCM. Default: 16000.
	SampleRate int

	// ProfileDuration is how much audio is collected before the noise
	// profile is finalised.
	ProfileDuration time.Duration

	// MaxChunkBytes is the per-chunk ceiling; longer chunks are truncated.
	MaxChunkBytes int

	// Reduction is the fraction of estimated noise removed, in [0, 1].
	Reduction float64

	// WindowSize and HopSize are the STFT frame length and step in samples.
	WindowSize int
	HopSize    int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	if c.ProfileDuration <= 0 {
		c.ProfileDuration = DefaultProfileDuration
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if c.Reduction <= 0 || c.Reduction > 1 {
		c.Reduction = DefaultReduction
	}
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.HopSize <= 0 {
		c.HopSize = DefaultHopSize
	}
	return c
}

// State is the conditioner's externally visible phase.
type State int

const (
	// StateCollecting means audio is being accumulated for the noise profile.
	StateCollecting State = iota
	// StateReady means the profile is final and chunks are denoised.
	StateReady
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// phase is the tagged variant behind State. Exactly one of the concrete
// types below is current at any time.
type phase interface{ state() State }

type collecting struct {
	pcm     []byte
	samples int64
}

type ready struct {
	profile *Profile
}

func (*collecting) state() State { return StateCollecting }
func (*ready) state() State      { return StateReady }

// ConditioningError reports a noise reduction failure for one chunk. It is
// logged and counted; the chunk is passed through or dropped.
type ConditioningError struct {
	Op  string
	Err error
}

func (e *ConditioningError) Error() string {
	return fmt.Sprintf("denoise: %s: %v", e.Op, e.Err)
}

func (e *ConditioningError) Unwrap() error { return e.Err }

// Option is a functional option for [New].
type Option func(*Conditioner)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Conditioner) { c.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conditioner) { c.metrics = m }
}

type subtractFunc func(samples []float64, p *Profile, reduction float64) ([]float64, error)

// withSubtract replaces spectral subtraction. Tests use it to make noise
// reduction fail.
func withSubtract(fn subtractFunc) Option {
	return func(c *Conditioner) { c.subtract = fn }
}

// Conditioner is the per-session noise reduction state machine. Submit must
// be called from a single goroutine; Reset and State may be called from any.
type Conditioner struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu          sync.Mutex
	phase       phase
	transitions int
	engine      *stft
	subtract    subtractFunc
}

// New returns a Conditioner in the collecting state. It fails only when the
// window and hop sizes cannot form a valid transform.
func New(cfg Config, opts ...Option) (*Conditioner, error) {
	cfg = cfg.withDefaults()
	engine, err := newSTFT(cfg.WindowSize, cfg.HopSize)
	if err != nil {
		return nil, err
	}
	c := &Conditioner{
		cfg:    cfg,
		log:    slog.Default(),
		phase:  &collecting{},
		engine: engine,
	}
	c.subtract = engine.subtract
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// State returns the current phase.
func (c *Conditioner) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase.state()
}

// Transitions returns how many times the profile has been finalised since
// construction. Reset does not clear it.
func (c *Conditioner) Transitions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitions
}

// Submit conditions one PCM chunk. It returns (nil, false) while the noise
// profile is still being collected and when a chunk has to be dropped.
// Otherwise it returns freshly allocated PCM; chunk is never modified.
func (c *Conditioner) Submit(chunk []byte) ([]byte, bool) {
	ctx := context.Background()
	if len(chunk) == 0 {
		return nil, false
	}
	if len(chunk) > c.cfg.MaxChunkBytes {
		c.log.Warn("denoise: chunk exceeds ceiling, truncating",
			"bytes", len(chunk), "max", c.cfg.MaxChunkBytes)
		c.metrics.TruncatedChunks.Add(ctx, 1)
	}
	chunk = audio.Truncate(chunk, c.cfg.MaxChunkBytes)
	if len(chunk) == 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch p := c.phase.(type) {
	case *collecting:
		p.pcm = append(p.pcm, chunk...)
		p.samples += int64(len(chunk) / 2)
		// Whole samples: at 44.1 kHz a chunk is not a whole number of
		// nanoseconds.
		if p.samples*int64(time.Second) < int64(c.cfg.ProfileDuration)*int64(c.cfg.SampleRate) {
			c.metrics.RecordConditioned(ctx, "collecting", 0)
			return nil, false
		}
		return c.finaliseLocked(ctx, p)

	case *ready:
		start := time.Now()
		out, err := c.denoise(audio.BytesToFloat(chunk), p.profile)
		if err != nil {
			c.log.Warn("denoise: passing chunk through unmodified", "err", err, "bytes", len(chunk))
			c.metrics.RecordConditioned(ctx, "passthrough", 0)
			cp := make([]byte, len(chunk))
			copy(cp, chunk)
			return cp, true
		}
		c.metrics.RecordConditioned(ctx, "denoised", time.Since(start).Seconds())
		return audio.FloatToBytes(out), true
	}
	return nil, false
}

// finaliseLocked turns the collected audio into the noise profile and
// releases that audio denoised against it. A profile that cannot be built
// restarts collection and the buffered audio is dropped.
func (c *Conditioner) finaliseLocked(ctx context.Context, p *collecting) ([]byte, bool) {
	start := time.Now()
	buffered := audio.BytesToFloat(p.pcm)
	profile, err := c.engine.buildProfile(buffered)
	if err != nil {
		cerr := &ConditioningError{Op: "build profile", Err: err}
		c.log.Error("denoise: noise profile failed, restarting collection", "err", cerr)
		c.metrics.RecordConditioned(ctx, "dropped", 0)
		c.phase = &collecting{}
		return nil, false
	}

	c.phase = &ready{profile: profile}
	c.transitions++
	c.metrics.ProfileTransitions.Add(ctx, 1)
	c.log.Info("denoise: noise profile collected",
		"duration", time.Duration(p.samples)*time.Second/time.Duration(c.cfg.SampleRate),
		"samples", profile.Samples())

	out, err := c.denoise(buffered, profile)
	if err != nil {
		c.log.Warn("denoise: releasing profile audio unmodified", "err", err)
		c.metrics.RecordConditioned(ctx, "passthrough", 0)
		return p.pcm, true
	}
	c.metrics.RecordConditioned(ctx, "denoised", time.Since(start).Seconds())
	return audio.FloatToBytes(out), true
}

// denoise wraps spectral subtraction and converts a panic in the transform
// into a ConditioningError.
func (c *Conditioner) denoise(samples []float64, profile *Profile) (out []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ConditioningError{Op: "reduce noise", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = c.subtract(samples, profile, c.cfg.Reduction)
	if err != nil {
		return nil, &ConditioningError{Op: "reduce noise", Err: err}
	}
	return out, nil
}

// Reset discards the profile and any buffered audio and returns to the
// collecting state. Safe to call any number of times.
func (c *Conditioner) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := c.phase.(*collecting); ok && len(cp.pcm) == 0 {
		return
	}
	c.phase = &collecting{}
	c.log.Debug("denoise: state reset")
}

// Passthrough forwards chunks without noise reduction. It still enforces the
// chunk ceiling and even length. Used when denoising is disabled.
type Passthrough struct {
	MaxChunkBytes int
}

// Submit returns a truncated copy of chunk.
func (p Passthrough) Submit(chunk []byte) ([]byte, bool) {
	limit := p.MaxChunkBytes
	if limit <= 0 {
		limit = DefaultMaxChunkBytes
	}
	chunk = audio.Truncate(chunk, limit)
	if len(chunk) == 0 {
		return nil, false
	}
	out := make([]byte, len(chunk))
	copy(out, chunk)
	return out, true
}

// Reset is a no-op.
func (Passthrough) Reset() {}
