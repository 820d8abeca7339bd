package app_test

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/streamcaption/internal/app"
	"github.com/MrWong99/streamcaption/internal/capture"
	"github.com/MrWong99/streamcaption/internal/config"
	"github.com/MrWong99/streamcaption/internal/session"
	"github.com/MrWong99/streamcaption/pkg/audio"
)

// fakeCapture emits a fixed number of chunks. With hold set it keeps the
// stream open until Stop.
type fakeCapture struct {
	n    int
	size int
	hold bool
	err  error

	chunks   chan audio.Chunk
	stopOnce sync.Once
	mu       sync.Mutex
	running  bool
}

func (f *fakeCapture) Start(context.Context) error {
	f.chunks = make(chan audio.Chunk, f.n+1)
	for i := range f.n {
		f.chunks <- audio.Chunk{Data: make([]byte, f.size), Seq: uint64(i)}
	}
	if !f.hold {
		f.stopOnce.Do(func() { close(f.chunks) })
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Chunks() <-chan audio.Chunk { return f.chunks }

func (f *fakeCapture) Err() error { return f.err }

func (f *fakeCapture) Stop() error {
	f.stopOnce.Do(func() { close(f.chunks) })
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	return nil
}

// captureRecorder hands out captures in order and records the configs they
// were built from. Once the script is exhausted the last entry is reused.
type captureRecorder struct {
	mu      sync.Mutex
	script  []*fakeCapture
	configs []capture.Config
}

func (r *captureRecorder) factory() app.CaptureFactory {
	return func(cfg capture.Config) (session.Capture, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.configs = append(r.configs, cfg)
		i := min(len(r.configs), len(r.script)) - 1
		src := r.script[i]
		return &fakeCapture{n: src.n, size: src.size, hold: src.hold, err: src.err}, nil
	}
}

func (r *captureRecorder) calls() []capture.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capture.Config(nil), r.configs...)
}

// testConfig returns a file-source config with console output and noise
// reduction off and restarts disabled.
func testConfig() *config.Config {
	off := false
	cfg := &config.Config{
		Capture: config.CaptureConfig{
			Kind:  config.SourceFile,
			Input: "/media/Town Hall.wav",
		},
		Denoise: config.DenoiseConfig{Enabled: &off},
		Session: config.SessionConfig{MaxRetries: -1},
		Output:  config.OutputConfig{Console: &off},
		Providers: config.ProvidersConfig{
			STT: config.STTConfig{ProviderEntry: config.ProviderEntry{Name: "primary"}},
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Dispatch.TerminationTimeout = 500 * time.Millisecond
	return cfg
}
