package transcription

import (
	"time"
)

// TranscriptEvent is one increment of transcript text from the service.
// Transient: emitted once per received server message.
type TranscriptEvent struct {
	Text      string    // The transcript text
	IsFinal   bool      // Whether this closes the current utterance
	Timestamp time.Time // When the event was received
}

// Callback types for the listening session. All callbacks are invoked from
// the client's internal goroutines and must not block.
type (
	// TranscriptHandler receives incremental transcript text.
	TranscriptHandler func(text string, isFinal bool)

	// SilenceHandler is invoked when the endpointer detects end of utterance.
	SilenceHandler func()

	// ErrorHandler is the single funnel for all failure kinds.
	ErrorHandler func(err error)
)

// Config holds the transcription client settings.
type Config struct {
	Endpoint            string // WebSocket endpoint (ws:// or wss://)
	HandshakeTimeoutSec int    // Handshake timeout in seconds
	VoiceThreshold      float64
	SilenceDurationMs   int
	PollIntervalMs      int
}

// outboundMessage is the JSON envelope for one encoded audio frame.
type outboundMessage struct {
	Action string `json:"action"`
	Audio  string `json:"audio"`
}

// inboundMessage is the JSON envelope for server events. All fields are
// optional; a message carrying none of them is ignored.
type inboundMessage struct {
	Transcript    *string `json:"transcript,omitempty"`
	IsFinal       *bool   `json:"isFinal,omitempty"`
	VoiceActivity *bool   `json:"voiceActivity,omitempty"`
	Error         *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}
