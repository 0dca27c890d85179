// Package codec converts captured audio frames into the wire format the
// transcription service accepts: 16-bit signed little-endian PCM, base64
// encoded for embedding in a JSON envelope.
package codec

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// Quantize converts a normalized sample to a 16-bit signed integer.
// Out-of-range input is clamped to [-1, 1] first.
func Quantize(sample float32) int16 {
	s := float64(sample)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(math.Round(s * 32767))
}

// EncodeFrame quantizes a frame and packs it little-endian, returning the
// base64 payload. Output length is a fixed linear function of the input
// length. Pure and safe to call concurrently for independent frames.
func EncodeFrame(samples []float32) string {
	buf := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(Quantize(sample)))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFrame reverses EncodeFrame back into normalized samples. Used by
// diagnostics and tests; the live pipeline only encodes.
func DecodeFrame(payload string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}

	samples := make([]float32, len(buf)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(buf[i*2:]))) / 32767
	}
	return samples, nil
}
