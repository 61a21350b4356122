package repositories

import (
	"context"

	"github.com/satriahrh/arunika/client/domain/entities"
)

// AudioCapture abstracts the platform audio capture primitive
type AudioCapture interface {
	// Open starts delivering fixed-size PCM buffers in the given format to
	// onBuffer. The callback runs on the primitive's own delivery goroutine
	// and must not block. The buffer is only valid for the duration of the call.
	// ctx bounds the open call only, not the life of the stream.
	Open(ctx context.Context, format entities.AudioFormat, onBuffer func([]byte)) (CaptureStream, error)
}

// CaptureStream is an open capture handle
type CaptureStream interface {
	// Close stops delivery and releases the device. Once Close returns no
	// further onBuffer calls happen.
	Close() error
}

// PermissionStatus is the microphone permission as reported by the platform
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// MicrophonePermission reports whether capture is allowed
type MicrophonePermission interface {
	Query(ctx context.Context) (PermissionStatus, error)
}
