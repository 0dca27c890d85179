// Package vad classifies captured audio frames as voice or silence and
// detects end-of-utterance boundaries.
package vad

import (
	"fmt"
	"math"
)

// DefaultVoiceThreshold is the energy level (0-100 scale) above which a
// frame counts as voice. Works for near-field speech with typical
// microphone gain; override via config for unusual setups.
const DefaultVoiceThreshold = 4.0

// Result is the classification of a single frame. The numeric level is
// returned alongside the boolean so callers can log it without recomputing.
type Result struct {
	Voice bool    // Whether the frame contains voice
	Level float64 // RMS energy normalized to a 0-100 scale
}

// Detector is the single authoritative voice classifier. It holds the one
// energy threshold; classification itself is pure and stateless, so one
// detector may serve concurrent frames.
type Detector struct {
	threshold float64
}

// NewDetector creates a detector with the given energy threshold on the
// 0-100 scale.
func NewDetector(threshold float64) (*Detector, error) {
	if threshold < 0 || threshold > 100 {
		return nil, fmt.Errorf("voice threshold must be within [0, 100], got %f", threshold)
	}
	return &Detector{threshold: threshold}, nil
}

// Threshold returns the configured energy threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Classify computes the RMS energy of a frame and classifies it. A level
// exactly at the threshold is NOT voice: the comparison is strictly
// greater-than, so an idle signal hovering at the threshold stays silent.
func (d *Detector) Classify(samples []float32) Result {
	level := Level(samples)
	return Result{
		Voice: level > d.threshold,
		Level: level,
	}
}

// Level computes the RMS energy of a frame normalized to 0-100. An empty
// or all-zero frame yields 0.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))

	// A full-scale signal (all samples at ±1.0) maps to 100.
	level := rms * 100
	if level > 100 {
		level = 100
	}
	return level
}
