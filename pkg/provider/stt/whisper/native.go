// NativeProvider needs the whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) at link time via LIBRARY_PATH and C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/streamcaption/pkg/audio"
	"github.com/MrWong99/streamcaption/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// nativeSampleRate is the only rate whisper.cpp accepts.
const nativeSampleRate = 16000

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// The model is loaded once and shared by all sessions.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	silenceThresholdMs  int
	maxBufferDurationMs int
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSilenceThresholdMs sets the silence duration that commits an
// utterance. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the longest utterance before a forced
// flush. Defaults to 10 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:               model,
		language:            defaultLanguage,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new transcription session. whisper.cpp consumes 16 kHz
// mono only.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if (cfg.SampleRate != 0 && cfg.SampleRate != nativeSampleRate) || cfg.Channels > 1 {
		return nil, fmt.Errorf("whisper: native engine needs %d Hz mono, got %d Hz %d channels",
			nativeSampleRate, cfg.SampleRate, cfg.Channels)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, lang, pcm)
	}
	return newSegmenter(segmentConfig{
		format:             audio.Format{SampleRate: nativeSampleRate, Channels: 1},
		silenceThresholdMs: p.silenceThresholdMs,
		maxBufferMs:        p.maxBufferDurationMs,
	}, infer), nil
}

// infer runs one utterance through a fresh whisper context. Contexts are not
// thread-safe; the model is.
func (p *NativeProvider) infer(ctx context.Context, lang string, pcm []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	norm := audio.BytesToFloat(pcm)
	samples := make([]float32, len(norm))
	for i, v := range norm {
		samples[i] = float32(v)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	// whisper.cpp cannot stop mid-encode; a cancelled session skips the
	// encoder instead.
	notCancelled := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, notCancelled, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
