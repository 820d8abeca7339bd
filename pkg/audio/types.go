// Package audio holds the PCM chunk type that flows through the capture,
// conditioning and dispatch stages, plus the sample conversions they share.
//
// All audio handled here is 16-bit signed little-endian PCM. The pipeline
// default is mono at 16 kHz, which is what streaming transcription services
// expect.
package audio

import (
	"fmt"
	"time"
)

// Pipeline defaults.
const (
	// DefaultSampleRate is the capture and transcription sample rate in Hz.
	DefaultSampleRate = 16000

	// DefaultChannels is the channel count. The pipeline is mono end to end.
	DefaultChannels = 1

	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DefaultFormat returns 16 kHz mono.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}
}

// BytesPerSecond returns the PCM byte rate of f. Zero values fall back to the
// pipeline defaults.
func (f Format) BytesPerSecond() int {
	rate, ch := f.SampleRate, f.Channels
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if ch <= 0 {
		ch = DefaultChannels
	}
	return rate * ch * BytesPerSample
}

// Duration returns the wall-clock length of n PCM bytes in format f.
func (f Format) Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(f.BytesPerSecond())
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Chunk is one buffer of PCM audio read from a capture source. The pipeline
// never mutates Data after a Chunk is sent on a channel; stages that change
// audio produce a new Chunk.
type Chunk struct {
	// Data is 16-bit signed little-endian PCM. Its length is always even.
	Data []byte

	// Seq is the zero-based arrival index within the session.
	Seq uint64

	// Offset is the audio time of the first sample relative to session start.
	Offset time.Duration
}

// Len returns the chunk length in bytes.
func (c Chunk) Len() int { return len(c.Data) }
