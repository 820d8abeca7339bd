package resilience

import (
	"context"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// STTFallback is an [stt.Provider] that opens each stream on the first
// healthy backend. Failover happens only at StartStream: a session that
// fails mid-stream is restarted by the session supervisor, which then lands
// on whichever backend is healthy.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Active returns the backend that opened the most recent stream.
func (f *STTFallback) Active() string { return f.group.Last() }

// Backends returns the backend names in failover order.
func (f *STTFallback) Backends() []string { return f.group.Names() }

// StartStream opens a stream on the first backend that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
