// Package capture runs an external ffmpeg process and exposes its decoded
// PCM output as a channel of [audio.Chunk] values.
//
// A [Source] is single-use: it is started once, yields chunks until the
// process ends or the context is cancelled, and is always stopped on the way
// out. No retries happen here; callers that want reconnects build a new
// Source.
package capture

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/MrWong99/streamcaption/pkg/audio"
)

// Kind selects how the input is opened.
type Kind string

const (
	// KindDevice captures from a local microphone through the platform's
	// input driver.
	KindDevice Kind = "device"

	// KindNetwork demuxes and decodes a network stream (HTTP, HLS, MPEG-TS).
	KindNetwork Kind = "network"

	// KindFile decodes a local media file.
	KindFile Kind = "file"
)

// IsValid reports whether k is a known source kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindDevice, KindNetwork, KindFile:
		return true
	}
	return false
}

// Defaults for [Config].
const (
	DefaultBinary      = "ffmpeg"
	DefaultReadSize    = 8 * 1024
	MaxReadSize        = 64 * 1024
	DefaultStopTimeout = 2 * time.Second
)

// Default device identifiers per platform.
const (
	defaultDeviceDarwin  = "0"
	defaultDeviceWindows = "@device_cm_{33D9A762-90C8-11D0-BD43-00A0C911CE86}"
	defaultDeviceLinux   = "default"
)

// Config describes one capture process.
type Config struct {
	// Kind is the source type. Required.
	Kind Kind

	// Input is the device identifier, URL or file path. For devices an empty
	// value selects the platform default.
	Input string

	// Format is the PCM format requested from the process. Zero fields
	// default to 16 kHz mono.
	Format audio.Format

	// ReadSize is the maximum chunk size in bytes. Default: 8 KiB.
	ReadSize int

	// Binary is the ffmpeg executable. Default: "ffmpeg" from PATH.
	Binary string

	// InputFormat overrides the device input driver (e.g. "alsa" instead of
	// "pulse" on Linux). Ignored for network and file sources.
	InputFormat string

	// InputArgs are extra arguments placed before -i.
	InputArgs []string

	// StopTimeout bounds the wait between interrupt and kill. Default: 2s.
	StopTimeout time.Duration

	// GOOS overrides runtime.GOOS when choosing the device driver.
	GOOS string
}

// withDefaults returns a copy of c with zero fields filled in.
func (c Config) withDefaults() Config {
	if c.Format.SampleRate <= 0 {
		c.Format.SampleRate = audio.DefaultSampleRate
	}
	if c.Format.Channels <= 0 {
		c.Format.Channels = audio.DefaultChannels
	}
	if c.ReadSize <= 0 {
		c.ReadSize = DefaultReadSize
	}
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.GOOS == "" {
		c.GOOS = runtime.GOOS
	}
	return c
}

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	var errs []error
	if !c.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("capture: unknown source kind %q", c.Kind))
	}
	if c.Kind != KindDevice && c.Input == "" {
		errs = append(errs, fmt.Errorf("capture: %s source requires an input", c.Kind))
	}
	if c.ReadSize > MaxReadSize || c.ReadSize%2 != 0 {
		errs = append(errs, fmt.Errorf("capture: read size %d must be even and at most %d", c.ReadSize, MaxReadSize))
	}
	return errors.Join(errs...)
}

// Args returns the ffmpeg argument list for c. The output contract is fixed:
// raw 16-bit little-endian PCM at the configured rate and channel count,
// written to stdout.
func Args(c Config) []string {
	c = c.withDefaults()
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, c.InputArgs...)

	switch c.Kind {
	case KindDevice:
		args = append(args, deviceInput(c)...)
	default:
		args = append(args, "-i", c.Input, "-vn")
	}

	return append(args,
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(c.Format.SampleRate),
		"-ac", strconv.Itoa(c.Format.Channels),
		"-f", "s16le",
		"pipe:1",
	)
}

func deviceInput(c Config) []string {
	dev := c.Input
	switch c.GOOS {
	case "darwin":
		if dev == "" {
			dev = defaultDeviceDarwin
		}
		return []string{"-f", orDefault(c.InputFormat, "avfoundation"), "-i", ":" + dev}
	case "windows":
		if dev == "" {
			dev = defaultDeviceWindows
		}
		return []string{"-f", orDefault(c.InputFormat, "dshow"), "-i", "audio=" + dev}
	default:
		if dev == "" {
			dev = defaultDeviceLinux
		}
		return []string{"-f", orDefault(c.InputFormat, "pulse"), "-i", dev}
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
