package audio

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Exactly one MicSource may hold the microphone at a time. Initializing a
// new source implicitly releases the previous holder.
var (
	activeMu     sync.Mutex
	activeSource *MicSource
)

// CaptureConfig contains the fixed capture constraints. The sample rate and
// channel count are dictated by the transcription service; the frame size
// determines the capture cadence (4096 samples = ~256ms at 16kHz).
type CaptureConfig struct {
	SampleRate      int
	Channels        int
	FrameSamples    int
	DeviceIndex     int // -1 selects the system default input device
	ReaderBufferLen int
}

// MicSource captures microphone audio through PortAudio and fans frames out
// to the pipeline readers. It implements Source.
type MicSource struct {
	config CaptureConfig
	logger *logger.Logger

	mu          sync.Mutex
	stream      *portaudio.Stream
	fanout      *Fanout
	initialized bool
}

// NewMicSource creates a microphone capture source. The device is not
// touched until Initialize.
func NewMicSource(config CaptureConfig, log *logger.Logger) *MicSource {
	return &MicSource{
		config: config,
		logger: log.Named("capture"),
	}
}

// Initialize acquires exclusive access to the microphone and starts the
// capture stream. On any failure the partially acquired resources are torn
// down before returning.
func (s *MicSource) Initialize() error {
	// Take over the device from any previous holder first.
	activeMu.Lock()
	if activeSource != nil && activeSource != s {
		prev := activeSource
		activeMu.Unlock()
		prev.Release()
		activeMu.Lock()
	}
	activeSource = s
	activeMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return classifyCaptureError(err)
	}

	device, err := s.inputDevice()
	if err != nil {
		portaudio.Terminate()
		return err
	}

	s.logger.Info("Acquiring capture device",
		logger.String("device", device.Name),
		logger.Int("sample_rate", s.config.SampleRate),
		logger.Int("frame_samples", s.config.FrameSamples))

	params := portaudio.LowLatencyParameters(device, nil)
	params.Input.Channels = s.config.Channels
	params.SampleRate = float64(s.config.SampleRate)
	params.FramesPerBuffer = s.config.FrameSamples

	fanout := NewFanout(s.config.ReaderBufferLen, s.logger)

	stream, err := portaudio.OpenStream(params, func(in []float32) {
		// Copy out of PortAudio's buffer: it is reused across callbacks,
		// while frames must stay immutable for downstream readers.
		samples := make([]float32, len(in))
		copy(samples, in)
		fanout.Publish(Frame{
			Samples:    samples,
			SampleRate: s.config.SampleRate,
			Timestamp:  time.Now().UTC(),
		})
	})
	if err != nil {
		fanout.Close()
		portaudio.Terminate()
		return classifyCaptureError(err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		fanout.Close()
		portaudio.Terminate()
		return classifyCaptureError(err)
	}

	s.stream = stream
	s.fanout = fanout
	s.initialized = true

	s.logger.Info("Capture started")
	return nil
}

// inputDevice resolves the configured capture device.
func (s *MicSource) inputDevice() (*portaudio.DeviceInfo, error) {
	if s.config.DeviceIndex >= 0 {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDevice, err)
		}
		if s.config.DeviceIndex >= len(devices) {
			return nil, fmt.Errorf("%w: device index %d out of range", ErrDevice, s.config.DeviceIndex)
		}
		device := devices[s.config.DeviceIndex]
		if device.MaxInputChannels < s.config.Channels {
			return nil, fmt.Errorf("%w: device %q has no input channels", ErrDevice, device.Name)
		}
		return device, nil
	}

	device, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}
	return device, nil
}

// CreateReader registers a pipeline reader. Initialize must have succeeded.
func (s *MicSource) CreateReader(id string) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, fmt.Errorf("capture source not initialized")
	}
	return s.fanout.CreateReader(id)
}

// RemoveReader unregisters a pipeline reader.
func (s *MicSource) RemoveReader(id string) {
	s.mu.Lock()
	fanout := s.fanout
	s.mu.Unlock()

	if fanout != nil {
		fanout.RemoveReader(id)
	}
}

// Release stops the capture stream and frees the device. Safe to call from
// any state, any number of times.
func (s *MicSource) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return
	}

	s.logger.Info("Releasing capture device")

	if s.stream != nil {
		// Stop/Close errors during teardown are expected when the device
		// disappeared out from under us; nothing actionable remains.
		_ = s.stream.Stop()
		_ = s.stream.Close()
		s.stream = nil
	}
	if s.fanout != nil {
		s.fanout.Close()
		s.fanout = nil
	}
	portaudio.Terminate()
	s.initialized = false

	activeMu.Lock()
	if activeSource == s {
		activeSource = nil
	}
	activeMu.Unlock()
}

// classifyCaptureError maps a PortAudio failure onto the capture error
// taxonomy. Host APIs report permission denial with inconsistent codes, so
// the message text is the only reliable signal.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") || strings.Contains(msg, "not authorized") {
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	return fmt.Errorf("%w: %v", ErrDevice, err)
}
