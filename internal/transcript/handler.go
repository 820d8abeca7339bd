// Package transcript turns recognition results into output: SRT cue files,
// console lines and a PostgreSQL archive (see the postgres subpackage).
//
// A [Handler] receives every partial and final [stt.Transcript] the
// dispatcher drains from the sink, in arrival order, from a single goroutine.
package transcript

import (
	"context"
	"errors"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// Handler consumes transcripts. Errors are logged by the caller and never
// stop the pipeline.
type Handler interface {
	Handle(ctx context.Context, t stt.Transcript) error
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, t stt.Transcript) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, t stt.Transcript) error { return f(ctx, t) }

// Multi fans a transcript out to every handler in order. All handlers are
// called even if one fails; the errors are joined.
type Multi []Handler

// Handle implements [Handler].
func (m Multi) Handle(ctx context.Context, t stt.Transcript) error {
	var errs []error
	for _, h := range m {
		if h == nil {
			continue
		}
		if err := h.Handle(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every transcript.
var Discard Handler = HandlerFunc(func(context.Context, stt.Transcript) error { return nil })

// FinalsOnly wraps h so that partial transcripts are skipped.
func FinalsOnly(h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, t stt.Transcript) error {
		if !t.IsFinal {
			return nil
		}
		return h.Handle(ctx, t)
	})
}
