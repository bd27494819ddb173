package audio

import "errors"

// Device errors shared by capture and playback backends.
var (
	// ErrPermissionDenied is returned when the user or OS refuses access to
	// an audio or video device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoDevice is returned when no suitable device is available.
	ErrNoDevice = errors.New("audio: no device available")

	// ErrDevice wraps any other device failure (open, start, read).
	ErrDevice = errors.New("audio: device failure")
)
