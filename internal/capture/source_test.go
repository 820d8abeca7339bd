package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/streamcaption/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a stand-in for ffmpeg.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	n, _ := strconv.Atoi(os.Getenv("HELPER_BYTES"))
	switch os.Getenv("HELPER_MODE") {
	case "emit":
		os.Stdout.Write(make([]byte, n))
		os.Exit(0)
	case "odd":
		os.Stdout.Write([]byte{1, 2, 3})
		time.Sleep(50 * time.Millisecond)
		os.Stdout.Write([]byte{4, 5, 6})
		os.Exit(0)
	case "fail":
		os.Stdout.Write(make([]byte, n))
		fmt.Fprintln(os.Stderr, "boom: device busy")
		os.Exit(3)
	case "hang":
		os.Stdout.Write(make([]byte, n))
		time.Sleep(time.Minute)
		os.Exit(0)
	case "stubborn":
		signal.Ignore(os.Interrupt)
		os.Stdout.Write(make([]byte, n))
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

// recorder captures the command line the Source asked for and runs the
// helper process instead.
type recorder struct {
	mu   sync.Mutex
	name string
	args []string
}

func (r *recorder) command(mode string, n int) func(string, ...string) *exec.Cmd {
	return func(name string, args ...string) *exec.Cmd {
		r.mu.Lock()
		r.name, r.args = name, args
		r.mu.Unlock()
		cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$")
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"HELPER_MODE="+mode,
			"HELPER_BYTES="+strconv.Itoa(n),
		)
		return cmd
	}
}

func newTestSource(t *testing.T, cfg Config, mode string, n int) (*Source, *recorder) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rec := &recorder{}
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(m),
		withCommand(rec.command(mode, n)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s, rec
}

func collectChunks(t *testing.T, s *Source, timeout time.Duration) (chunks, total int) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return chunks, total
			}
			if c.Len()%2 != 0 {
				t.Errorf("chunk %d has odd length %d", c.Seq, c.Len())
			}
			if c.Len() > s.cfg.ReadSize {
				t.Errorf("chunk %d length %d exceeds read size %d", c.Seq, c.Len(), s.cfg.ReadSize)
			}
			chunks++
			total += c.Len()
		case <-deadline:
			t.Fatalf("chunk sequence did not end within %v", timeout)
		}
	}
}

func TestSource_ReadsUntilEOF(t *testing.T) {
	t.Parallel()
	s, rec := newTestSource(t, Config{Kind: KindNetwork, Input: "http://example.test/live.ts", ReadSize: 4096}, "emit", 20000)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	chunks, total := collectChunks(t, s, 10*time.Second)

	if total != 20000 {
		t.Errorf("total bytes = %d, want 20000", total)
	}
	if chunks < 5 {
		t.Errorf("chunks = %d, want at least 5 with a 4096 byte read size", chunks)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
	if st := s.Stats(); st.Bytes != 20000 || st.Chunks != uint64(chunks) {
		t.Errorf("Stats() = %+v", st)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.name != "ffmpeg" {
		t.Errorf("binary = %q, want ffmpeg", rec.name)
	}
	if !slices.Contains(rec.args, "http://example.test/live.ts") {
		t.Errorf("args %v missing input URL", rec.args)
	}
}

func TestSource_OddReadsStayAligned(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, Config{Kind: KindFile, Input: "in.wav"}, "odd", 0)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, total := collectChunks(t, s, 10*time.Second)
	if total != 6 {
		t.Errorf("total bytes = %d, want 6", total)
	}
}

func TestSource_NonZeroExitIsCaptureError(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, Config{Kind: KindFile, Input: "in.wav"}, "fail", 1000)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, total := collectChunks(t, s, 10*time.Second)
	if total != 1000 {
		t.Errorf("total bytes = %d, want 1000", total)
	}

	var ce *CaptureError
	if !errors.As(s.Err(), &ce) {
		t.Fatalf("Err() = %v, want *CaptureError", s.Err())
	}
	if ce.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", ce.ExitCode)
	}
	if !strings.Contains(ce.Stderr, "device busy") {
		t.Errorf("Stderr = %q, want it to contain the process output", ce.Stderr)
	}
}

func TestSource_LaunchError(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindDevice, Binary: "/nonexistent/ffmpeg-binary"},
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = s.Start(context.Background())
	var le *LaunchError
	if !errors.As(err, &le) {
		t.Fatalf("Start() = %v, want *LaunchError", err)
	}
	if _, ok := <-s.Chunks(); ok {
		t.Error("Chunks() should be closed after a launch failure")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestSource_CancelStopsProcess(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, Config{Kind: KindDevice, StopTimeout: 2 * time.Second}, "hang", 4096)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Chunks():
	case <-time.After(10 * time.Second):
		t.Fatal("no chunk from helper process")
	}

	start := time.Now()
	cancel()
	collectChunks(t, s, 5*time.Second)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("teardown took %v, want within the stop timeout", elapsed)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after cancellation", err)
	}
}

func TestSource_StopKillsAfterTimeout(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, Config{Kind: KindDevice, StopTimeout: 200 * time.Millisecond}, "stubborn", 2048)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Chunks():
	case <-time.After(10 * time.Second):
		t.Fatal("no chunk from helper process")
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after kill")
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
}

func TestSource_StopIdempotent(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, Config{Kind: KindDevice}, "hang", 2048)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Stop()
		}()
	}
	wg.Wait()
	if err := s.Stop(); err != nil {
		t.Errorf("repeated Stop() = %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Errorf("State() = %v, want stopped", got)
	}
}

func TestSource_StopBeforeStart(t *testing.T) {
	t.Parallel()
	s, _ := newTestSource(t, Config{Kind: KindDevice}, "emit", 0)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	if _, ok := <-s.Chunks(); ok {
		t.Error("Chunks() should be closed")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() after Stop = %v, want ErrAlreadyStarted", err)
	}
}
