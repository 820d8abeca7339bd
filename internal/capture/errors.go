package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start on a Source that was started or
	// stopped before.
	ErrAlreadyStarted = errors.New("capture: source already started")
)

// LaunchError reports that the capture process could not be started.
type LaunchError struct {
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("capture: launch %s: %v", e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CaptureError reports that the capture process failed after it started:
// it exited with a non-zero status or its output pipe broke.
type CaptureError struct {
	// ExitCode is the process exit status, or -1 if unknown.
	ExitCode int
	// Stderr is the tail of the process's diagnostic output.
	Stderr string
	Err    error
}

func (e *CaptureError) Error() string {
	msg := fmt.Sprintf("capture: process failed (exit %d): %v", e.ExitCode, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }
