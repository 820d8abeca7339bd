package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamcaption/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  stt:
    name: whisper
    base_url: "http://localhost:8081"
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  stt:
    name: whisper
    base_url: "http://localhost:8081"
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime pushes the file's mtime forward so the next poll notices even
// on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	type change struct{ old, new *config.Config }
	changes := make(chan change, 1)
	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		select {
		case changes <- change{old, new}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherUpdatedYAML)
	bumpMtime(t, cfgPath, 2*time.Second)

	select {
	case c := <-changes:
		if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
			t.Errorf("change = %q -> %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
		}
		if d := config.Diff(c.old, c.new); !d.LogLevelChanged {
			t.Error("Diff should report the log level change")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level = %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var (
		mu    sync.Mutex
		calls int
	)
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeFile(t, cfgPath, watcherInvalidYAML)
	bumpMtime(t, cfgPath, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback fired %d times for an invalid config", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() log_level = %q, want the previous info", w.Current().Server.LogLevel)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var (
		mu    sync.Mutex
		calls int
	)
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	bumpMtime(t, cfgPath, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback fired %d times for a touch-only change", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
