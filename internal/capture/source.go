package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/streamcaption/internal/observe"
	"github.com/MrWong99/streamcaption/pkg/audio"
)

// State is the lifecycle of the capture process.
type State int32

const (
	StateNotStarted State = iota
	StateRunning
	StateTerminating
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// stderrTail is how much diagnostic output is kept for CaptureError.
const stderrTail = 2048

// Option is a functional option for [New].
type Option func(*Source)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Source) { s.metrics = m }
}

// withCommand replaces exec.Command. Tests use it to run a helper process.
func withCommand(fn func(name string, args ...string) *exec.Cmd) Option {
	return func(s *Source) { s.command = fn }
}

// Stats are cumulative counters for one Source.
type Stats struct {
	Chunks uint64
	Bytes  uint64
}

// Source owns one capture subprocess.
type Source struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	command func(name string, args ...string) *exec.Cmd

	chunks chan audio.Chunk

	mu       sync.Mutex
	state    State
	cmd      *exec.Cmd
	stdout   *os.File
	stderr   *tailWriter
	waitDone chan struct{}
	waitErr  error
	err      error

	stopOnce sync.Once
	stopErr  error

	nChunks atomic.Uint64
	nBytes  atomic.Uint64
}

// New validates cfg and returns an unstarted Source.
func New(cfg Config, opts ...Option) (*Source, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Source{
		cfg:      cfg,
		log:      slog.Default(),
		command:  exec.Command,
		chunks:   make(chan audio.Chunk, 4),
		waitDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Start launches the capture process and begins reading. It returns a
// *LaunchError if the process cannot be started. Cancelling ctx stops the
// process and ends the chunk sequence; no chunk is delivered afterwards.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateNotStarted {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return &LaunchError{Binary: s.cfg.Binary, Err: err}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return &LaunchError{Binary: s.cfg.Binary, Err: err}
	}

	args := Args(s.cfg)
	cmd := s.command(s.cfg.Binary, args...)
	cmd.Stdout = pw
	s.stderr = &tailWriter{max: stderrTail}
	cmd.Stderr = s.stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		s.state = StateStopped
		close(s.chunks)
		return &LaunchError{Binary: s.cfg.Binary, Err: err}
	}
	// The child holds its own copy of the write end.
	pw.Close()

	s.cmd = cmd
	s.stdout = pr
	s.state = StateRunning
	s.log.Info("capture started",
		"pid", cmd.Process.Pid,
		"kind", s.cfg.Kind,
		"input", s.cfg.Input,
		"format", s.cfg.Format.String(),
	)

	go func() {
		s.waitErr = cmd.Wait()
		close(s.waitDone)
	}()

	stopOnCancel := context.AfterFunc(ctx, func() { _ = s.Stop() })
	go s.readLoop(ctx, pr, stopOnCancel)
	return nil
}

// Chunks returns the chunk sequence. It is closed when the process ends,
// fails, or the Source is stopped. Check Err after it closes.
func (s *Source) Chunks() <-chan audio.Chunk { return s.chunks }

// Err returns the *CaptureError that ended the sequence, or nil for a
// natural end of input or a requested stop. Only meaningful after Chunks is
// closed.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the lifecycle state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns chunk and byte counters.
func (s *Source) Stats() Stats {
	return Stats{Chunks: s.nChunks.Load(), Bytes: s.nBytes.Load()}
}

func (s *Source) readLoop(ctx context.Context, pr *os.File, stopOnCancel func() bool) {
	defer close(s.chunks)
	defer func() { _ = s.Stop() }()
	defer stopOnCancel()
	defer pr.Close()

	format := s.cfg.Format
	buf := make([]byte, s.cfg.ReadSize)
	var (
		carry  int // 0 or 1 byte held over from the previous read
		seq    uint64
		offset time.Duration
	)
	for {
		n, err := pr.Read(buf[carry:])
		n += carry
		even := n &^ 1
		if even > 0 && ctx.Err() == nil {
			data := make([]byte, even)
			copy(data, buf[:even])
			chunk := audio.Chunk{Data: data, Seq: seq, Offset: offset}
			select {
			case s.chunks <- chunk:
			case <-ctx.Done():
				return
			}
			seq++
			offset += format.Duration(even)
			s.nChunks.Add(1)
			s.nBytes.Add(uint64(even))
			s.metrics.RecordCapture(ctx, even)
		}
		carry = n - even
		if carry == 1 {
			buf[0] = buf[even]
		}

		if err == nil {
			continue
		}
		if ctx.Err() != nil || s.stopping() {
			return
		}
		if errors.Is(err, io.EOF) {
			s.finish(ctx)
			return
		}
		s.setErr(&CaptureError{ExitCode: -1, Stderr: s.stderr.String(), Err: err})
		return
	}
}

// finish waits for the process after its output closed and records a
// CaptureError for a non-zero exit.
func (s *Source) finish(ctx context.Context) {
	select {
	case <-s.waitDone:
	case <-time.After(s.cfg.StopTimeout):
		s.log.Warn("capture: output closed but process still running")
		return
	case <-ctx.Done():
		return
	}
	if s.waitErr == nil {
		s.log.Info("capture ended", "chunks", s.nChunks.Load(), "bytes", s.nBytes.Load())
		return
	}
	code := -1
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	s.setErr(&CaptureError{ExitCode: code, Stderr: s.stderr.String(), Err: s.waitErr})
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("capture failed", "err", err)
}

func (s *Source) stopping() bool {
	st := s.State()
	return st == StateTerminating || st == StateStopped
}

// Stop ends the capture process: interrupt, wait up to the stop timeout,
// then kill. It blocks until the process is gone and always leaves the
// Source stopped. Safe to call any number of times from any goroutine.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Source) stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		if s.state == StateNotStarted {
			close(s.chunks)
		}
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateTerminating
	cmd, stdout := s.cmd, s.stdout
	s.mu.Unlock()

	defer func() {
		// Unblocks a read still pending when a grandchild holds the pipe open.
		_ = stdout.Close()
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
	}()

	select {
	case <-s.waitDone:
		return nil
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		// Interrupt is not deliverable on windows.
		_ = cmd.Process.Kill()
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.waitDone:
		s.log.Info("capture stopped", "pid", cmd.Process.Pid)
		return nil
	case <-timer.C:
	}

	s.log.Warn("capture: process ignored interrupt, killing", "pid", cmd.Process.Pid,
		"timeout", s.cfg.StopTimeout)
	err := cmd.Process.Kill()
	<-s.waitDone
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("capture: kill process: %w", err)
	}
	return nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}
