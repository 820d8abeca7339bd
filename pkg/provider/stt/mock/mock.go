// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered and whether the stream was ended.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/streamcaption/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// CallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle.
//
// Tests push Transcript values into PartialsCh and FinalsCh. With
// CloseOnEndStream set, EndStream closes both channels, which mimics a
// provider that has flushed its last result.
type Session struct {
	mu sync.Mutex

	// PartialsCh is the channel returned by Partials().
	PartialsCh chan stt.Transcript

	// FinalsCh is the channel returned by Finals().
	FinalsCh chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioFunc, if set, is called with the 1-based call number and the
	// chunk; its result is returned instead of SendAudioErr.
	SendAudioFunc func(n int, chunk []byte) error

	// EndStreamErr, if non-nil, is returned by EndStream.
	EndStreamErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// CloseOnEndStream closes PartialsCh and FinalsCh on the first EndStream.
	CloseOnEndStream bool

	// ---- call records ----

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// EndStreamCallCount is the number of times EndStream was called.
	EndStreamCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// Events records "send", "end" and "close" in call order.
	Events []string

	closed bool
}

// NewSession returns a Session with buffered channels that closes them on
// EndStream.
func NewSession() *Session {
	return &Session{
		PartialsCh:       make(chan stt.Transcript, 16),
		FinalsCh:         make(chan stt.Transcript, 16),
		CloseOnEndStream: true,
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	s.Events = append(s.Events, "send")
	n, fn, err := len(s.SendAudioCalls), s.SendAudioFunc, s.SendAudioErr
	s.mu.Unlock()
	if fn != nil {
		return fn(n, cp)
	}
	return err
}

// Partials returns PartialsCh.
func (s *Session) Partials() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PartialsCh
}

// Finals returns FinalsCh.
func (s *Session) Finals() <-chan stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FinalsCh
}

// EndStream records the call and returns EndStreamErr.
func (s *Session) EndStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndStreamCallCount++
	s.Events = append(s.Events, "end")
	if s.CloseOnEndStream && !s.closed {
		s.closed = true
		close(s.PartialsCh)
		close(s.FinalsCh)
	}
	return s.EndStreamErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.Events = append(s.Events, "close")
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// SentBytes returns the total number of bytes passed to SendAudio.
func (s *Session) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SendAudioCalls {
		n += len(c.Chunk)
	}
	return n
}

// EventLog returns a copy of Events. Thread-safe.
func (s *Session) EventLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Events...)
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
