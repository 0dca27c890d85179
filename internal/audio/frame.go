package audio

import (
	"time"
)

// Frame is a fixed-length buffer of normalized mono samples captured from
// the microphone. Frames are immutable once produced: the capture source
// never reuses the sample slice, and consumers must not modify it.
type Frame struct {
	Samples    []float32 // Normalized samples in [-1.0, 1.0]
	SampleRate int       // Samples per second (16000)
	Timestamp  time.Time // When the frame was captured
}

// Duration returns the wall-clock length of audio the frame covers.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
