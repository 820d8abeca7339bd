package transcript

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// Console prints transcripts as "[HH:MM:SS,mmm] text" lines. Partials are
// prefixed with "~"; wrap it in [FinalsOnly] to print finals alone.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Handle implements [Handler].
func (c *Console) Handle(_ context.Context, t stt.Transcript) error {
	if t.Text == "" {
		return nil
	}
	start, _ := t.Span()
	marker := ""
	if !t.IsFinal {
		marker = "~"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "%s[%s] %s\n", marker, FormatSRTTime(start), t.Text); err != nil {
		return fmt.Errorf("transcript: console: %w", err)
	}
	return nil
}
