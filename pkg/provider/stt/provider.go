// Package stt defines the Provider interface for streaming speech-to-text
// backends, the sink that conditioned audio is paced into.
//
// An STT provider wraps a real-time transcription service (e.g. Amazon
// Transcribe, Deepgram, or a local Whisper server) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM audio chunks and emits two streams of Transcript
// values: low-latency partials and authoritative finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after EndStream or Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The pipeline sends 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US",
	// "zh-CN"). An empty string uses the provider default.
	Language string

	// Keywords are vocabulary hints for providers that support boosting.
	Keywords []KeywordBoost
}

// SessionHandle represents an open STT streaming session.
//
// The lifecycle is: any number of SendAudio calls, then EndStream to signal
// that no more audio follows, then Close. Partials and Finals keep delivering
// results after EndStream until the provider has flushed; both channels are
// closed once the session is fully finished.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit PCM to the provider. It blocks
	// while the provider applies backpressure. Returns ErrSessionClosed (or a
	// wrapped transport error) once the session can no longer accept audio.
	SendAudio(chunk []byte) error

	// Partials returns a read-only channel of interim Transcript values.
	Partials() <-chan Transcript

	// Finals returns a read-only channel of final Transcript values.
	Finals() <-chan Transcript

	// EndStream tells the provider that the audio stream is complete so it
	// can flush pending results. Calling it more than once is safe.
	EndStream() error

	// Close releases all resources. After Close returns, Partials and Finals
	// are closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming transcription session with the given
	// audio format. The returned SessionHandle is ready to accept audio
	// immediately. The caller owns the handle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
