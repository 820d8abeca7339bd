// Command streamcaption captions a live audio source with a streaming
// speech-to-text backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/streamcaption/internal/app"
	"github.com/MrWong99/streamcaption/internal/config"
	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
	"github.com/MrWong99/streamcaption/pkg/provider/stt/awstranscribe"
	"github.com/MrWong99/streamcaption/pkg/provider/stt/deepgram"
	"github.com/MrWong99/streamcaption/pkg/provider/stt/whisper"
)

var version = "0.1.0"

// flags holds the command-line overrides applied on top of the config file.
type flags struct {
	configPath string
	source     string
	input      string
	device     string
	srtPath    string
	language   string
	sttName    string
	logLevel   string
	listenAddr string
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "streamcaption: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "streamcaption",
		Short:         "Live captions for microphones and network streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Capture and caption the configured source",
		Example: `  streamcaption run --source device
  streamcaption run --source network --input https://example.com/live.m3u8
  streamcaption run --source dash --input https://example.com/manifest.mpd --srt out.srt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCaption(cmd, f)
		},
	}
	fl := runCmd.Flags()
	fl.StringVar(&f.source, "source", "", "source kind: device, network, file or dash")
	fl.StringVar(&f.input, "input", "", "URL or file path for network, file and dash sources")
	fl.StringVar(&f.device, "device", "", "capture device identifier")
	fl.StringVar(&f.srtPath, "srt", "", "write SRT subtitles to this file")
	fl.StringVar(&f.language, "language", "", "recognition language (BCP-47)")
	fl.StringVar(&f.sttName, "stt", "", "primary STT backend (see the providers command)")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.listenAddr, "listen", "", "address for /healthz, /readyz and /metrics")

	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "List the built-in STT backends",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			for _, name := range reg.STTNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamcaption v%s\n", version)
		},
	}

	root.AddCommand(runCmd, providersCmd, newTranscriptsCmd(&f.configPath), versionCmd)
	return root
}

func runCaption(cmd *cobra.Command, f flags) error {
	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(f)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", f.configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	logger.Info("streamcaption starting",
		"version", version,
		"config", f.configPath,
		"source", cfg.Capture.Kind,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(f.configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged && f.logLevel == "" {
			level.Set(slogLevel(d.NewLogLevel))
			logger.Info("log level changed", "level", d.NewLogLevel)
		}
		if len(d.RestartRequired) > 0 {
			logger.Warn("config changed, restart to apply", "sections", d.RestartRequired)
		}
	}, config.WithWatcherLogger(logger))
	if err != nil {
		logger.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	providers, err := app.BuildProviders(ctx, cfg, reg)
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}

	printStartupSummary(cmd, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithTelemetry(tel),
	)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	logger.Info("capturing, press Ctrl+C to stop")
	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("goodbye")
	return nil
}

// loadConfig reads the config file, applies the command-line overrides and
// validates the result. A missing file is only an error when no source was
// given on the command line.
func loadConfig(f flags) (*config.Config, error) {
	cfg := &config.Config{}
	file, err := os.Open(f.configPath)
	switch {
	case err == nil:
		cfg, err = config.Decode(file)
		file.Close()
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", f.configPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && f.source != "":
	default:
		return nil, fmt.Errorf("config: open %q: %w", f.configPath, err)
	}

	if f.source != "" {
		cfg.Capture.Kind = config.SourceKind(f.source)
	}
	if f.input != "" {
		cfg.Capture.Input = f.input
	}
	if f.device != "" {
		cfg.Capture.Device = f.device
	}
	if f.srtPath != "" {
		cfg.Output.SRTPath = f.srtPath
	}
	if f.language != "" {
		cfg.Session.Language = f.language
	}
	if f.sttName != "" {
		cfg.Providers.STT.Name = f.sttName
	}
	if f.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(f.logLevel)
	}
	if f.listenAddr != "" {
		cfg.Server.ListenAddr = f.listenAddr
	}

	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in STT factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(_ context.Context, entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("awstranscribe", func(ctx context.Context, entry config.ProviderEntry) (stt.Provider, error) {
		var opts []awstranscribe.Option
		if region := entry.OptionString("region"); region != "" {
			opts = append(opts, awstranscribe.WithRegion(region))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, awstranscribe.WithLanguage(lang))
		}
		if vocab := entry.OptionString("vocabulary"); vocab != "" {
			opts = append(opts, awstranscribe.WithVocabulary(vocab))
		}
		return awstranscribe.New(ctx, opts...)
	})

	reg.RegisterSTT("whisper", func(_ context.Context, entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms := entry.OptionInt("max_buffer_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(_ context.Context, entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithNativeSilenceThresholdMs(ms))
		}
		if ms := entry.OptionInt("max_buffer_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithNativeMaxBufferDurationMs(ms))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cmd *cobra.Command, cfg *config.Config) {
	w := cmd.ErrOrStderr()
	input := cfg.Capture.Input
	if cfg.Capture.Kind == config.SourceDevice {
		input = cfg.Capture.Device
		if input == "" {
			input = "(default)"
		}
	}
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║    streamcaption · startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Source", string(cfg.Capture.Kind))
	printRow(w, "Input", input)
	printRow(w, "STT", providerLabel(cfg.Providers.STT.ProviderEntry))
	for _, fb := range cfg.Providers.STT.Fallbacks {
		printRow(w, "  fallback", providerLabel(fb))
	}
	denoise := "off"
	if cfg.Denoise.IsEnabled() {
		denoise = fmt.Sprintf("on (%.2f)", cfg.Denoise.Reduction)
	}
	printRow(w, "Denoise", denoise)
	if cfg.Output.SRTPath != "" {
		printRow(w, "SRT file", cfg.Output.SRTPath)
	}
	if cfg.Output.PostgresDSN != "" {
		printRow(w, "Archive", "postgres")
	}
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func printRow(w interface{ Write([]byte) (int, error) }, key, value string) {
	if len([]rune(value)) > 21 {
		value = string([]rune(value)[:20]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s : %-21s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
