package audio

import (
	"errors"
)

// Capture failure classes. Both surface synchronously from Initialize and
// leave no partial resource allocated.
var (
	// ErrPermission indicates microphone access was denied by the user or
	// the OS. Not retryable without user action.
	ErrPermission = errors.New("microphone access denied")

	// ErrDevice indicates no usable capture device is available.
	ErrDevice = errors.New("no usable capture device")
)

// Source produces a continuous, ordered sequence of fixed-length audio
// frames. Implementations own the underlying hardware resource exclusively.
//
// The capture source feeds exactly two independent readers (the voice
// activity path and the encoder path); readers receive the same immutable
// frames in capture order.
type Source interface {
	// Initialize acquires the capture device and starts producing frames.
	// Fails with ErrPermission or ErrDevice (possibly wrapped).
	Initialize() error

	// CreateReader registers a new frame reader under the given id and
	// returns its channel. The channel is closed on Release.
	CreateReader(id string) (<-chan Frame, error)

	// RemoveReader unregisters a reader and closes its channel.
	RemoveReader(id string)

	// Release stops capture and frees the device. Idempotent: calling it
	// when nothing is active, or calling it twice, is a no-op.
	Release()
}
