// Package app wires the streamcaption subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the STT backend chain,
// transcript outputs and the optional health/metrics listener, Run captions
// the configured source until it ends or ctx is cancelled, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithCaptureFactory,
// WithResolver, WithHandler). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/internal/config"
	"github.com/MrWong99/streamcaption/internal/health"
	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/internal/resilience"
	"github.com/MrWong99/streamcaption/internal/transcript"
	"github.com/MrWong99/streamcaption/internal/transcript/postgres"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// NamedSTT is an STT backend together with its configured name.
type NamedSTT struct {
	Name     string
	Provider stt.Provider
}

// Providers holds the STT backends in failover order. Populated by main.go
// via the config registry, see [BuildProviders].
type Providers struct {
	STT       NamedSTT
	Fallbacks []NamedSTT
}

// BuildProviders instantiates the primary STT backend and its fallbacks from
// cfg using reg.
func BuildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry) (*Providers, error) {
	entry := cfg.Providers.STT.ProviderEntry
	p, err := reg.CreateSTT(ctx, entry)
	if err != nil {
		return nil, err
	}
	ps := &Providers{STT: NamedSTT{Name: entry.Name, Provider: p}}
	for _, fb := range cfg.Providers.STT.Fallbacks {
		p, err := reg.CreateSTT(ctx, fb)
		if err != nil {
			return nil, err
		}
		ps.Fallbacks = append(ps.Fallbacks, NamedSTT{Name: fb.Name, Provider: p})
	}
	return ps, nil
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	telemetry *observe.Telemetry

	newCapture CaptureFactory
	resolve    Resolver
	extra      transcript.Handler

	stt      stt.Provider
	fallback *resilience.STTFallback
	breaker  *resilience.CircuitBreaker
	archive  *postgres.Archive
	srt      *transcript.SRTWriter
	sessions *SessionManager
	mux      *http.ServeMux
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry exposes t's Prometheus registry on /metrics.
func WithTelemetry(t *observe.Telemetry) Option {
	return func(a *App) { a.telemetry = t }
}

// WithCaptureFactory replaces the ffmpeg capture source.
func WithCaptureFactory(f CaptureFactory) Option {
	return func(a *App) { a.newCapture = f }
}

// WithResolver replaces the DASH manifest resolver.
func WithResolver(r Resolver) Option {
	return func(a *App) { a.resolve = r }
}

// WithHandler adds a transcript handler next to the configured outputs.
func WithHandler(h transcript.Handler) Option {
	return func(a *App) { a.extra = h }
}

// New creates an App by wiring all subsystems together. The providers come
// from main.go (populated via the config registry).
//
// New opens every configured output synchronously: the SRT file is created
// and the PostgreSQL archive is connected and migrated before New returns.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.STT.Provider == nil {
		return nil, errors.New("app: no stt provider configured")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initSTT()

	handler, err := a.initOutputs(ctx)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init outputs: %w", err)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:     cfg,
		Provider:   a.stt,
		Handler:    handler,
		NewCapture: a.newCapture,
		Resolve:    a.resolve,
		Breaker:    a.breaker,
		Logger:     a.log,
		Metrics:    a.metrics,
	})

	a.initHTTP()
	return a, nil
}

// initSTT wraps the backends in a failover chain when fallbacks are
// configured, and builds the breaker that guards session restarts.
func (a *App) initSTT() {
	bc := a.cfg.Providers.STT.Breaker
	template := resilience.CircuitBreakerConfig{
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		Logger:       a.log,
	}

	a.stt = a.providers.STT.Provider
	if len(a.providers.Fallbacks) > 0 {
		a.fallback = resilience.NewSTTFallback(a.providers.STT.Provider, a.providers.STT.Name, resilience.FallbackConfig{
			CircuitBreaker: template,
			OnFailure: func(name string, err error) {
				a.metrics.RecordProviderError(context.Background(), name, "stt")
			},
			Logger: a.log,
		})
		for _, fb := range a.providers.Fallbacks {
			a.fallback.AddFallback(fb.Name, fb.Provider)
		}
		a.stt = a.fallback
	}

	restart := template
	restart.Name = "session"
	a.breaker = resilience.NewCircuitBreaker(restart)
}

// initOutputs opens the configured transcript sinks and returns their
// combined handler.
func (a *App) initOutputs(ctx context.Context) (transcript.Handler, error) {
	out := a.cfg.Output
	var hs transcript.Multi

	if out.ConsoleEnabled() {
		var console transcript.Handler = transcript.NewConsole(os.Stdout)
		if !out.Partials {
			console = transcript.FinalsOnly(console)
		}
		hs = append(hs, console)
	}
	if out.SRTPath != "" {
		w, err := transcript.CreateSRTFile(out.SRTPath)
		if err != nil {
			return nil, err
		}
		a.srt = w
		a.closers = append(a.closers, w.Close)
		hs = append(hs, w)
	}
	if out.PostgresDSN != "" {
		arch, err := postgres.NewArchive(ctx, out.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.archive = arch
		a.closers = append(a.closers, func() error {
			arch.Close()
			return nil
		})
		hs = append(hs, archiveHandler{arch: arch, app: a})
	}
	if a.extra != nil {
		hs = append(hs, a.extra)
	}
	if len(hs) == 0 {
		return transcript.Discard, nil
	}
	return hs, nil
}

// archiveHandler resolves the session id per transcript, since it is only
// known once a run starts.
type archiveHandler struct {
	arch *postgres.Archive
	app  *App
}

func (h archiveHandler) Handle(ctx context.Context, t stt.Transcript) error {
	return h.arch.Handler(h.app.sessions.Info().SessionID).Handle(ctx, t)
}

// initHTTP builds the health and metrics routes and, when a listen address
// is configured, the server that serves them.
func (a *App) initHTTP() {
	var checks []health.Checker
	checks = append(checks, health.CapturingCheck(a.sessions))
	if a.archive != nil {
		checks = append(checks, health.PingCheck("archive", a.archive))
	}

	a.mux = http.NewServeMux()
	health.New(checks...).Register(a.mux)
	if a.telemetry != nil {
		a.mux.Handle("GET /metrics", a.telemetry.Handler())
	}

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Handler returns the health and metrics routes.
func (a *App) Handler() http.Handler { return a.mux }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Backends returns the STT backend names in failover order.
func (a *App) Backends() []string {
	if a.fallback != nil {
		return a.fallback.Backends()
	}
	return []string{a.providers.STT.Name}
}

// Run starts the HTTP listener, if configured, and captions the source until
// it ends or ctx is cancelled. Cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.log.Info("http listener started", "addr", ln.Addr().String())
		go func() {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("http listener failed", "err", err)
			}
		}()
	}

	a.log.Info("app running", "backends", a.Backends(), "source", a.cfg.Capture.Kind)
	return a.sessions.Run(ctx)
}

// Shutdown stops the session, the HTTP listener and the outputs in that
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if err := a.sessions.Stop(ctx); err != nil {
			a.log.Warn("session stop error", "err", err)
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.log.Warn("http shutdown error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far, used when New fails halfway.
func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
	a.closers = nil
}
