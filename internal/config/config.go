package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Default silence-threshold bounds in milliseconds. Values outside this
// range are clamped, never rejected.
const (
	MinSilenceThresholdMs = 500
	MaxSilenceThresholdMs = 5000
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server        ServerConfig        `toml:"server"`        // HTTP server settings
	Logging       LoggingConfig       `toml:"logging"`       // Application logging settings
	Capture       CaptureConfig       `toml:"capture"`       // Microphone capture settings
	VAD           VADConfig           `toml:"vad"`           // Voice activity detection settings
	Transcription TranscriptionConfig `toml:"transcription"` // Streaming transcription settings
	Auth          AuthConfig          `toml:"auth"`          // Token service settings
	Storage       StorageConfig       `toml:"storage"`       // Data persistence settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port             int    `toml:"port"`                  // HTTP port for the control API
	Host             string `toml:"host"`                  // Host address to bind to (e.g., 127.0.0.1 for localhost only)
	ReadTimeoutSecs  int    `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs int    `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout)
	IdleTimeoutSecs  int    `toml:"idle_timeout_seconds"`  // Maximum duration to wait for the next request when keep-alives are enabled
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// CaptureConfig contains microphone capture configuration
type CaptureConfig struct {
	SampleRate      int `toml:"sample_rate"`       // Audio sample rate in Hz (16000 for the transcription service)
	Channels        int `toml:"channels"`          // Number of audio channels (1 for mono)
	FrameSamples    int `toml:"frame_samples"`     // Samples per captured frame (4096 = ~256ms at 16kHz)
	DeviceIndex     int `toml:"device_index"`      // Input device index (-1 = system default)
	ReaderBufferLen int `toml:"reader_buffer_len"` // Frames buffered per pipeline reader before drops
}

// VADConfig contains voice activity detection settings. The voice threshold
// is the single authoritative classification knob; the endpointer only
// configures how long silence must persist.
type VADConfig struct {
	VoiceThreshold    float64 `toml:"voice_threshold"`     // Energy level (0-100 scale) above which a frame counts as voice
	SilenceDurationMs int     `toml:"silence_duration_ms"` // Milliseconds of silence that end an utterance (clamped to 500-5000)
	PollIntervalMs    int     `toml:"poll_interval_ms"`    // How often the endpointer evaluates the silence timer
}

// TranscriptionConfig contains settings for the remote transcription service
type TranscriptionConfig struct {
	Endpoint            string `toml:"endpoint"`              // WebSocket endpoint of the transcription service (ws:// or wss://)
	HandshakeTimeoutSec int    `toml:"handshake_timeout_sec"` // WebSocket handshake timeout in seconds
}

// AuthConfig contains settings for the external token service
type AuthConfig struct {
	TokenURL       string `toml:"token_url"`       // HTTP endpoint that issues bearer tokens
	APIKey         string `toml:"api_key"`         // Static API key presented to the token service
	TimeoutSeconds int    `toml:"timeout_seconds"` // HTTP timeout for token requests
}

// StorageConfig contains data persistence configuration
type StorageConfig struct {
	Type           string `toml:"type"`             // Storage backend type (currently only "sqlite" is supported)
	SQLiteBasePath string `toml:"sqlite_base_path"` // Base path for SQLite database files (filename is generated as voicebridge-YYYY-MM-DD.db)
}

// Load loads the configuration from the specified file path
func Load(path string) (*Config, error) {
	var config Config

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// LoadWithFallback loads configuration from the given path, or searches the
// standard locations (configs/config.toml, then ./config.toml) when path is
// empty.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}

	candidates := []string{
		filepath.Join("configs", "config.toml"),
		"config.toml",
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}

	return nil, fmt.Errorf("no config file found in %v (use -config to specify one)", candidates)
}

// applyDefaults fills in zero values with working defaults so a minimal
// config file is enough to run.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8571
	}
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = 16000
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = 1
	}
	if c.Capture.FrameSamples == 0 {
		c.Capture.FrameSamples = 4096
	}
	if c.Capture.DeviceIndex == 0 {
		c.Capture.DeviceIndex = -1
	}
	if c.Capture.ReaderBufferLen == 0 {
		c.Capture.ReaderBufferLen = 16
	}
	if c.VAD.VoiceThreshold == 0 {
		c.VAD.VoiceThreshold = 4.0
	}
	if c.VAD.SilenceDurationMs == 0 {
		c.VAD.SilenceDurationMs = 1500
	}
	if c.VAD.PollIntervalMs == 0 {
		c.VAD.PollIntervalMs = 500
	}
	if c.Transcription.HandshakeTimeoutSec == 0 {
		c.Transcription.HandshakeTimeoutSec = 45
	}
	if c.Auth.TimeoutSeconds == 0 {
		c.Auth.TimeoutSeconds = 15
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.SQLiteBasePath == "" {
		c.Storage.SQLiteBasePath = "data"
	}
}

// Validate checks the configuration for invalid combinations. Out-of-range
// silence durations are clamped rather than rejected.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Capture.SampleRate != 16000 {
		return fmt.Errorf("unsupported sample rate: %d (the transcription service requires 16000)", c.Capture.SampleRate)
	}
	if c.Capture.Channels != 1 {
		return fmt.Errorf("unsupported channel count: %d (mono only)", c.Capture.Channels)
	}
	if c.Capture.FrameSamples <= 0 {
		return fmt.Errorf("frame_samples must be positive, got %d", c.Capture.FrameSamples)
	}
	if c.VAD.VoiceThreshold < 0 || c.VAD.VoiceThreshold > 100 {
		return fmt.Errorf("voice_threshold must be within [0, 100], got %f", c.VAD.VoiceThreshold)
	}
	if c.VAD.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive, got %d", c.VAD.PollIntervalMs)
	}
	if c.Transcription.Endpoint == "" {
		return fmt.Errorf("transcription endpoint is required")
	}
	if c.Auth.TokenURL == "" {
		return fmt.Errorf("auth token_url is required")
	}
	if c.Storage.Type != "sqlite" {
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}

	c.VAD.SilenceDurationMs = ClampSilenceThreshold(c.VAD.SilenceDurationMs)

	return nil
}

// ClampSilenceThreshold clamps a silence threshold to the supported range.
func ClampSilenceThreshold(ms int) int {
	if ms < MinSilenceThresholdMs {
		return MinSilenceThresholdMs
	}
	if ms > MaxSilenceThresholdMs {
		return MaxSilenceThresholdMs
	}
	return ms
}
