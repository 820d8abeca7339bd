package transcript

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// FormatSRTTime renders d as an SRT timestamp (HH:MM:SS,mmm). Negative
// durations render as zero.
func FormatSRTTime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// SRTWriter writes subtitle cues from a stream of transcripts.
//
// Streaming recognisers revise the current sentence with every partial. A
// sentence is committed as a cue when a newer transcript is shorter than the
// previous one (the recogniser started a new sentence) or when a final
// transcript arrives. Close commits whatever is still pending.
type SRTWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	index  int

	pending string
	start   time.Duration
	end     time.Duration
}

var _ Handler = (*SRTWriter)(nil)

// NewSRTWriter writes cues to w. If w is an [io.Closer] it is closed by
// [SRTWriter.Close].
func NewSRTWriter(w io.Writer) *SRTWriter {
	s := &SRTWriter{w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// CreateSRTFile creates (or truncates) path and returns a writer for it.
func CreateSRTFile(path string) (*SRTWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: create srt file: %w", err)
	}
	return NewSRTWriter(f), nil
}

// Handle implements [Handler].
func (s *SRTWriter) Handle(_ context.Context, t stt.Transcript) error {
	text := strings.TrimSpace(t.Text)
	start, end := t.Span()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != "" && utf8.RuneCountInString(text) < utf8.RuneCountInString(s.pending) {
		if err := s.commitLocked(); err != nil {
			return err
		}
	}
	s.pending, s.start, s.end = text, start, end

	if t.IsFinal {
		return s.commitLocked()
	}
	return nil
}

// Cues returns the number of cues written so far.
func (s *SRTWriter) Cues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Close commits the pending sentence and closes the underlying writer.
func (s *SRTWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.commitLocked()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

func (s *SRTWriter) commitLocked() error {
	if s.pending == "" {
		return nil
	}
	s.index++
	_, err := fmt.Fprintf(s.w, "%d\n%s --> %s\n%s\n\n",
		s.index, FormatSRTTime(s.start), FormatSRTTime(s.end), s.pending)
	s.pending = ""
	if err != nil {
		return fmt.Errorf("transcript: write srt cue: %w", err)
	}
	return nil
}
