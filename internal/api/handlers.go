package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kfurukawa/voicebridge/internal/config"
	"github.com/kfurukawa/voicebridge/internal/storage/sqlite"
	"github.com/kfurukawa/voicebridge/internal/transcription"
	"github.com/kfurukawa/voicebridge/internal/websocket"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Handler contains the API handlers
type Handler struct {
	manager           *transcription.Manager
	config            *config.Config
	logger            *logger.Logger
	wsServer          *websocket.Server
	transcriptStorage *sqlite.TranscriptStorage
	startedAt         time.Time
}

// NewHandler creates a new API handler
func NewHandler(
	manager *transcription.Manager,
	cfg *config.Config,
	log *logger.Logger,
	wsServer *websocket.Server,
	transcriptStorage *sqlite.TranscriptStorage,
) *Handler {
	return &Handler{
		manager:           manager,
		config:            cfg,
		logger:            log.Named("api-handler"),
		wsServer:          wsServer,
		transcriptStorage: transcriptStorage,
		startedAt:         time.Now().UTC(),
	}
}

// GetHealth returns process liveness and active session info
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startedAt).String(),
		"sessions":  h.manager.Sessions(),
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetSessions returns the active capture sessions
func (h *Handler) GetSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.Sessions()

	type sessionStatus struct {
		ID        string `json:"id"`
		State     string `json:"state"`
		Listening bool   `json:"listening"`
	}

	statuses := make([]sessionStatus, 0, len(sessions))
	for _, id := range sessions {
		client, ok := h.manager.Client(id)
		if !ok {
			continue
		}
		statuses = append(statuses, sessionStatus{
			ID:        id,
			State:     client.State().String(),
			Listening: client.IsListening(),
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"count":     len(statuses),
		"sessions":  statuses,
	})
}

// StartSession connects and starts streaming for the session in the URL
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	if err := h.manager.StartSession(r.Context(), sessionID); err != nil {
		h.logger.Error("Failed to start session",
			logger.String("session_id", sessionID),
			logger.Error(err))
		http.Error(w, "Failed to start session: "+err.Error(), http.StatusBadGateway)
		return
	}

	if h.wsServer != nil {
		h.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeSessionStatus,
			Data: map[string]any{
				"session_id": sessionID,
				"status":     "started",
			},
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     "started",
	})
}

// StopSession stops streaming and disconnects the session in the URL.
// Stopping a session that is not running is not an error.
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	h.manager.StopSession(sessionID)

	if h.wsServer != nil {
		h.wsServer.Broadcast(&websocket.Message{
			Type: websocket.MessageTypeSessionStatus,
			Data: map[string]any{
				"session_id": sessionID,
				"status":     "stopped",
			},
		})
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     "stopped",
	})
}

// GetSilenceThreshold returns the configured silence threshold
func (h *Handler) GetSilenceThreshold(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"threshold_ms": h.manager.SilenceThreshold(),
		"min_ms":       config.MinSilenceThresholdMs,
		"max_ms":       config.MaxSilenceThresholdMs,
	})
}

// UpdateSilenceThreshold updates the silence threshold. Out-of-range values
// are clamped, not rejected; the response carries the effective value.
func (h *Handler) UpdateSilenceThreshold(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ThresholdMs int `json:"threshold_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.manager.SetSilenceThreshold(body.ThresholdMs)
	effective := h.manager.SilenceThreshold()

	h.logger.Info("Silence threshold updated",
		logger.Int("requested_ms", body.ThresholdMs),
		logger.Int("effective_ms", effective))

	WriteJSON(w, http.StatusOK, map[string]any{
		"threshold_ms": effective,
	})
}
