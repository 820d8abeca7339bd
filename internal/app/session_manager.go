package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/internal/capture"
	"github.com/MrWong99/streamcaption/internal/config"
	"github.com/MrWong99/streamcaption/internal/denoise"
	"github.com/MrWong99/streamcaption/internal/dispatch"
	"github.com/MrWong99/streamcaption/internal/manifest"
	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/internal/resilience"
	"github.com/MrWong99/streamcaption/internal/session"
	"github.com/MrWong99/streamcaption/internal/transcript"
	"github.com/MrWong99/streamcaption/pkg/audio"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// ErrSessionActive is returned by [SessionManager.Run] while a run is in
// progress.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID names the session in logs and the transcript archive.
	SessionID string

	// Source is the configured source kind.
	Source config.SourceKind

	// Input is what ffmpeg opens: the device, URL or path after DASH
	// resolution.
	Input string

	StartedAt time.Time
}

// CaptureFactory builds an unstarted capture source.
type CaptureFactory func(cfg capture.Config) (session.Capture, error)

// Resolver turns a DASH manifest URL into a media URL.
type Resolver func(ctx context.Context, manifestURL string) (string, error)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Config   *config.Config
	Provider stt.Provider
	Handler  transcript.Handler

	// NewCapture defaults to an ffmpeg [capture.Source].
	NewCapture CaptureFactory

	// Resolve defaults to [manifest.ResolveAudio] over HTTP.
	Resolve Resolver

	// Breaker, if set, guards session restarts.
	Breaker *resilience.CircuitBreaker

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// SessionManager runs one supervised caption session at a time: it resolves
// the input, builds a fresh capture source, conditioner and controller for
// every attempt, and hands them to a [session.Supervisor].
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg        *config.Config
	provider   stt.Provider
	handler    transcript.Handler
	newCapture CaptureFactory
	resolve    Resolver
	breaker    *resilience.CircuitBreaker
	log        *slog.Logger
	metrics    *observe.Metrics

	mu         sync.Mutex
	active     bool
	info       SessionInfo
	cancel     context.CancelFunc
	done       chan struct{}
	supervisor *session.Supervisor
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		cfg:        cfg.Config,
		provider:   cfg.Provider,
		handler:    cfg.Handler,
		newCapture: cfg.NewCapture,
		resolve:    cfg.Resolve,
		breaker:    cfg.Breaker,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if sm.handler == nil {
		sm.handler = transcript.Discard
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.newCapture == nil {
		sm.newCapture = func(c capture.Config) (session.Capture, error) {
			return capture.New(c, capture.WithLogger(sm.log), capture.WithMetrics(sm.metrics))
		}
	}
	if sm.resolve == nil {
		f := &manifest.Fetcher{}
		sm.resolve = func(ctx context.Context, u string) (string, error) {
			return manifest.ResolveAudio(ctx, f, u)
		}
	}
	return sm
}

// Run captures and transcribes until the input ends, a failure is not
// retryable or ctx is cancelled. Cancellation returns nil.
func (sm *SessionManager) Run(ctx context.Context) error {
	sm.mu.Lock()
	if sm.active {
		sm.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.SessionID)
	}
	sm.active = true
	ctx, cancel := context.WithCancel(ctx)
	sm.cancel = cancel
	sm.done = make(chan struct{})
	done := sm.done
	sm.mu.Unlock()

	defer func() {
		cancel()
		sm.mu.Lock()
		sm.active = false
		sm.supervisor = nil
		sm.mu.Unlock()
		close(done)
	}()

	input, err := sm.resolveInput(ctx)
	if err != nil {
		return err
	}
	info := SessionInfo{
		SessionID: sm.sessionID(input),
		Source:    sm.cfg.Capture.Kind,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	sup := session.NewSupervisor(sm.factory(info, captureConfig(sm.cfg, input)), session.SupervisorConfig{
		MaxRetries: sm.cfg.Session.MaxRetries,
		Backoff:    sm.cfg.Session.Backoff,
		MaxBackoff: sm.cfg.Session.MaxBackoff,
		Breaker:    sm.breaker,
		Logger:     sm.log,
		Metrics:    sm.metrics,
	})

	sm.mu.Lock()
	sm.info = info
	sm.supervisor = sup
	sm.mu.Unlock()

	sm.log.Info("session started",
		"session_id", info.SessionID,
		"source", info.Source,
		"input", info.Input,
	)
	err = sup.Run(ctx)
	sm.log.Info("session ended", "session_id", info.SessionID, "err", err)
	return err
}

// Stop cancels the active run and waits for it to finish or ctx to expire.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return nil
	}
	cancel, done := sm.cancel, sm.done
	sm.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: stop session: %w", ctx.Err())
	}
}

// IsActive reports whether a run is in progress.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns the active session's metadata.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Capturing reports whether the current attempt is capturing audio.
func (sm *SessionManager) Capturing() bool {
	sm.mu.Lock()
	sup := sm.supervisor
	sm.mu.Unlock()
	return sup != nil && sup.Capturing()
}

// factory builds the controller for one attempt.
func (sm *SessionManager) factory(info SessionInfo, capCfg capture.Config) session.Factory {
	return func(attempt int) (*session.Controller, error) {
		src, err := sm.newCapture(capCfg)
		if err != nil {
			return nil, fmt.Errorf("app: build capture: %w", err)
		}
		cond, err := sm.newConditioner()
		if err != nil {
			return nil, fmt.Errorf("app: build conditioner: %w", err)
		}

		log := sm.log
		if attempt > 0 {
			log = log.With("attempt", attempt)
		}
		return session.NewController(session.Config{
			ID:     info.SessionID,
			Stream: streamConfig(sm.cfg),
			Dispatch: dispatch.Config{
				Format:             audio.Format{SampleRate: sm.cfg.Audio.SampleRate, Channels: sm.cfg.Audio.Channels},
				SendTimeout:        sm.cfg.Dispatch.SendTimeout,
				TerminationTimeout: sm.cfg.Dispatch.TerminationTimeout,
			},
		}, src, cond, sm.provider,
			session.WithLogger(log),
			session.WithMetrics(sm.metrics),
			session.WithHandler(sm.handler),
		), nil
	}
}

func (sm *SessionManager) newConditioner() (session.Conditioner, error) {
	d := sm.cfg.Denoise
	if !d.IsEnabled() {
		return denoise.Passthrough{MaxChunkBytes: sm.cfg.Audio.MaxChunkBytes}, nil
	}
	return denoise.New(denoise.Config{
		SampleRate:      sm.cfg.Audio.SampleRate,
		ProfileDuration: d.ProfileDuration,
		MaxChunkBytes:   sm.cfg.Audio.MaxChunkBytes,
		Reduction:       d.Reduction,
		WindowSize:      d.Window,
		HopSize:         d.Hop,
	}, denoise.WithLogger(sm.log), denoise.WithMetrics(sm.metrics))
}

// resolveInput returns what the capture process should open.
func (sm *SessionManager) resolveInput(ctx context.Context) (string, error) {
	c := sm.cfg.Capture
	switch c.Kind {
	case config.SourceDevice:
		return c.Device, nil
	case config.SourceDASH:
		media, err := sm.resolve(ctx, c.Input)
		if err != nil {
			return "", fmt.Errorf("app: resolve dash manifest: %w", err)
		}
		sm.log.Info("resolved dash manifest", "manifest", c.Input, "media", media)
		return media, nil
	default:
		if c.Input == "" {
			return "", fmt.Errorf("app: %s source requires an input", c.Kind)
		}
		return c.Input, nil
	}
}

// sessionID uses the configured id or derives one from the input name and
// the start time.
func (sm *SessionManager) sessionID(input string) string {
	if id := sm.cfg.Session.ID; id != "" {
		return id
	}
	name := string(sm.cfg.Capture.Kind)
	if input != "" {
		if u, err := url.Parse(input); err == nil && u.Path != "" {
			name = path.Base(u.Path)
		} else {
			name = path.Base(input)
		}
		name = strings.TrimSuffix(name, path.Ext(name))
	}
	return fmt.Sprintf("session-%s-%s", sanitizeName(name), time.Now().UTC().Format("20060102T150405Z"))
}

func captureConfig(cfg *config.Config, input string) capture.Config {
	kind := capture.Kind(cfg.Capture.Kind)
	if cfg.Capture.Kind == config.SourceDASH {
		kind = capture.KindNetwork
	}
	return capture.Config{
		Kind:        kind,
		Input:       input,
		Format:      audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels},
		ReadSize:    cfg.Audio.ChunkBytes,
		Binary:      cfg.Capture.Binary,
		InputFormat: cfg.Capture.InputFormat,
		InputArgs:   cfg.Capture.InputArgs,
		StopTimeout: cfg.Capture.StopTimeout,
	}
}

func streamConfig(cfg *config.Config) stt.StreamConfig {
	sc := stt.StreamConfig{
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Language:   cfg.Session.Language,
	}
	for _, k := range cfg.Session.Keywords {
		sc.Keywords = append(sc.Keywords, stt.KeywordBoost{Keyword: k, Boost: 1})
	}
	return sc
}

// sanitizeName lowercases name and replaces anything but letters and digits
// with hyphens.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, name)
	name = strings.Trim(name, "-")
	if name == "" {
		return "stream"
	}
	return name
}
