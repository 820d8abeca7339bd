package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownSTTProviders lists the built-in STT backend names. [Validate] warns
// about any other name.
var KnownSTTProviders = []string{"deepgram", "awstranscribe", "whisper", "whisper-native"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate         = 16000
	DefaultChannels           = 1
	DefaultChunkBytes         = 8 * 1024
	DefaultMaxChunkBytes      = 32 * 1024
	DefaultStopTimeout        = 2 * time.Second
	DefaultProfileDuration    = time.Second
	DefaultReduction          = 0.75
	DefaultWindow             = 1024
	DefaultHop                = 256
	DefaultSendTimeout        = 2 * time.Second
	DefaultTerminationTimeout = 2 * time.Second
	DefaultMaxRetries         = 10
	DefaultBackoff            = time.Second
	DefaultMaxBackoff         = 30 * time.Second

	maxChunkLimit = 64 * 1024
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are errors. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode reads a YAML config from r and applies defaults without
// validating, so callers can layer overrides before [Validate].
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.ChunkBytes == 0 {
		a.ChunkBytes = DefaultChunkBytes
	}
	if a.MaxChunkBytes == 0 {
		a.MaxChunkBytes = DefaultMaxChunkBytes
	}

	if cfg.Capture.Kind == "" {
		cfg.Capture.Kind = SourceDevice
	}
	if cfg.Capture.Binary == "" {
		cfg.Capture.Binary = "ffmpeg"
	}
	if cfg.Capture.StopTimeout == 0 {
		cfg.Capture.StopTimeout = DefaultStopTimeout
	}

	d := &cfg.Denoise
	if d.ProfileDuration == 0 {
		d.ProfileDuration = DefaultProfileDuration
	}
	if d.Reduction == 0 {
		d.Reduction = DefaultReduction
	}
	if d.Window == 0 {
		d.Window = DefaultWindow
	}
	if d.Hop == 0 {
		d.Hop = DefaultHop
	}

	if cfg.Dispatch.SendTimeout == 0 {
		cfg.Dispatch.SendTimeout = DefaultSendTimeout
	}
	if cfg.Dispatch.TerminationTimeout == 0 {
		cfg.Dispatch.TerminationTimeout = DefaultTerminationTimeout
	}

	s := &cfg.Session
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.Backoff == 0 {
		s.Backoff = DefaultBackoff
	}
	if s.MaxBackoff == 0 {
		s.MaxBackoff = DefaultMaxBackoff
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	a := cfg.Audio
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels != 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; only mono (1) is", a.Channels))
	}
	if a.ChunkBytes <= 0 || a.ChunkBytes%2 != 0 || a.ChunkBytes > maxChunkLimit {
		errs = append(errs, fmt.Errorf("audio.chunk_bytes %d must be a positive even number no larger than %d", a.ChunkBytes, maxChunkLimit))
	}
	if a.MaxChunkBytes <= 0 || a.MaxChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("audio.max_chunk_bytes %d must be a positive even number", a.MaxChunkBytes))
	}

	if cfg.Capture.Kind != "" && !cfg.Capture.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("capture.kind %q is invalid; valid values: device, network, file, dash", cfg.Capture.Kind))
	}
	if cfg.Capture.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.stop_timeout %v must not be negative", cfg.Capture.StopTimeout))
	}

	d := cfg.Denoise
	if d.Reduction < 0 || d.Reduction > 1 {
		errs = append(errs, fmt.Errorf("denoise.reduction %.2f is out of range [0, 1]", d.Reduction))
	}
	if d.Window < 0 || d.Hop < 0 {
		errs = append(errs, fmt.Errorf("denoise.window %d and denoise.hop %d must not be negative", d.Window, d.Hop))
	} else if d.Window > 0 && d.Hop > d.Window {
		errs = append(errs, fmt.Errorf("denoise.hop %d must not exceed denoise.window %d", d.Hop, d.Window))
	}

	if cfg.Dispatch.SendTimeout < 0 || cfg.Dispatch.TerminationTimeout < 0 {
		errs = append(errs, errors.New("dispatch timeouts must not be negative"))
	}

	s := cfg.Session
	if s.MaxRetries < -1 {
		errs = append(errs, fmt.Errorf("session.max_retries %d is invalid; use -1 to disable restarts", s.MaxRetries))
	}
	if s.Backoff > 0 && s.MaxBackoff > 0 && s.MaxBackoff < s.Backoff {
		errs = append(errs, fmt.Errorf("session.max_backoff %v is shorter than session.backoff %v", s.MaxBackoff, s.Backoff))
	}

	stt := cfg.Providers.STT
	if stt.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", stt.Name)
	seen := map[string]string{stt.Name: "providers.stt"}
	for i, fb := range stt.Fallbacks {
		prefix := fmt.Sprintf("providers.stt.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("stt", fb.Name)
		if prev, ok := seen[fb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, fb.Name, prev))
		}
		seen[fb.Name] = prefix
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// the built-in backends.
func validateProviderName(kind, name string) {
	if name == "" || slices.Contains(KnownSTTProviders, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", KnownSTTProviders,
	)
}
