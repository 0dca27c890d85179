package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kfurukawa/voicebridge/internal/audio"
	"github.com/kfurukawa/voicebridge/internal/config"
	"github.com/kfurukawa/voicebridge/internal/storage/sqlite"
	"github.com/kfurukawa/voicebridge/internal/websocket"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// SourceFactory creates the capture source for a session. The capture layer
// enforces that only one source holds the device at a time.
type SourceFactory func() audio.Source

// Manager manages transcription clients for capture sessions
type Manager struct {
	clients           map[string]*Client
	mu                sync.RWMutex
	wsServer          *websocket.Server
	transcriptStorage *sqlite.TranscriptStorage
	tokens            TokenSource
	newSource         SourceFactory
	config            Config
	thresholdMs       int
	logger            *logger.Logger
}

// NewManager creates a new transcription manager
func NewManager(
	wsServer *websocket.Server,
	transcriptStorage *sqlite.TranscriptStorage,
	tokens TokenSource,
	newSource SourceFactory,
	cfg Config,
	logger *logger.Logger,
) *Manager {
	return &Manager{
		clients:           make(map[string]*Client),
		wsServer:          wsServer,
		transcriptStorage: transcriptStorage,
		tokens:            tokens,
		newSource:         newSource,
		config:            cfg,
		thresholdMs:       cfg.SilenceDurationMs,
		logger:            logger,
	}
}

// StartSession connects a client for the session and starts streaming the
// microphone to the transcription service.
func (m *Manager) StartSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[sessionID]; exists {
		m.logger.Info("Transcription already started for session",
			logger.String("session_id", sessionID))
		return nil
	}

	m.logger.Info("Starting transcription for session",
		logger.String("session_id", sessionID))

	client, err := NewClient(m.config, m.tokens, m.newSource(), m.logger)
	if err != nil {
		return fmt.Errorf("failed to create transcription client: %w", err)
	}
	client.SetSilenceThreshold(m.thresholdMs)

	if err := client.InitializeConnection(ctx, sessionID); err != nil {
		client.Dispose()
		return fmt.Errorf("failed to connect for session %s: %w", sessionID, err)
	}

	onTranscript := func(text string, isFinal bool) {
		m.handleTranscript(sessionID, text, isFinal)
	}
	onSilence := func() {
		m.handleSilence(sessionID)
	}
	onError := func(err error) {
		m.handleError(sessionID, err)
	}

	if err := client.StartListening(onTranscript, onSilence, onError); err != nil {
		client.Dispose()
		return fmt.Errorf("failed to start listening for session %s: %w", sessionID, err)
	}

	m.clients[sessionID] = client

	return nil
}

// StopSession stops transcription for a session
func (m *Manager) StopSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[sessionID]
	if !exists {
		m.logger.Info("No transcription client found for session",
			logger.String("session_id", sessionID))
		return
	}

	m.logger.Info("Stopping transcription for session",
		logger.String("session_id", sessionID))

	client.StopListening()
	client.Dispose()
	delete(m.clients, sessionID)
}

// StopAll stops all transcription clients
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Stopping all transcription clients", logger.Int("count", len(m.clients)))

	for id, client := range m.clients {
		client.StopListening()
		client.Dispose()
		delete(m.clients, id)
	}
}

// Client returns the client for a session, if any.
func (m *Manager) Client(sessionID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[sessionID]
	return client, ok
}

// SetSilenceThreshold updates the silence threshold, clamped to the
// supported range, on every active client and for future sessions.
func (m *Manager) SetSilenceThreshold(ms int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholdMs = config.ClampSilenceThreshold(ms)
	for _, client := range m.clients {
		client.SetSilenceThreshold(m.thresholdMs)
	}
}

// SilenceThreshold returns the currently configured silence threshold in ms.
func (m *Manager) SilenceThreshold() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholdMs
}

// Sessions returns the IDs of the active sessions.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) handleTranscript(sessionID, text string, isFinal bool) {
	now := time.Now().UTC()

	if isFinal && m.transcriptStorage != nil {
		record := &sqlite.TranscriptRecord{
			SessionID: sessionID,
			CreatedAt: now,
			Content:   text,
			IsFinal:   isFinal,
		}
		if _, err := m.transcriptStorage.StoreTranscript(record); err != nil {
			m.logger.Error("Failed to store transcript",
				logger.String("session_id", sessionID),
				logger.Error(err))
		}
	}

	if m.wsServer != nil {
		m.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeTranscript,
			Data: map[string]any{
				"session_id": sessionID,
				"text":       text,
				"is_final":   isFinal,
				"timestamp":  now.Format(time.RFC3339),
			},
		})
	}
}

func (m *Manager) handleSilence(sessionID string) {
	m.logger.Info("Silence detected", logger.String("session_id", sessionID))

	if m.wsServer != nil {
		m.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeSilence,
			Data: map[string]any{
				"session_id": sessionID,
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
			},
		})
	}
}

func (m *Manager) handleError(sessionID string, err error) {
	m.logger.Error("Transcription pipeline error",
		logger.String("session_id", sessionID),
		logger.String("kind", errorKind(err)),
		logger.Error(err))

	if m.wsServer != nil {
		m.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypePipelineError,
			Data: map[string]any{
				"session_id": sessionID,
				"kind":       errorKind(err),
				"error":      err.Error(),
			},
		})
	}
}

// errorKind names the failure class for clients that need to distinguish
// connection setup failures from mid-stream drops and service errors.
func errorKind(err error) string {
	var connErr *ConnError
	var disconnectErr *DisconnectError
	var remoteErr *RemoteError

	switch {
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &disconnectErr):
		return "disconnect"
	case errors.As(err, &remoteErr):
		return "service"
	default:
		return "internal"
	}
}
