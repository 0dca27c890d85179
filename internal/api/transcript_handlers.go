package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kfurukawa/voicebridge/internal/storage/sqlite"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// HandleWebSocket handles WebSocket connections
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("WebSocket connection request received")

	h.wsServer.HandleConnection(w, r)
}

// GetTranscripts returns stored transcripts with pagination. A session_id
// query parameter narrows the result to one session.
func (h *Handler) GetTranscripts(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePaginationParams(r)
	sessionID := r.URL.Query().Get("session_id")

	var since time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			http.Error(w, "Invalid since parameter (use RFC3339)", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	var err error
	var transcripts []*sqlite.TranscriptRecord

	switch {
	case sessionID != "":
		transcripts, err = h.transcriptStorage.GetTranscriptsBySession(sessionID, limit, offset)
	case !since.IsZero():
		transcripts, err = h.transcriptStorage.GetTranscriptsSince(since, limit)
	default:
		transcripts, err = h.transcriptStorage.GetTranscripts(limit, offset)
	}

	if err != nil {
		h.logger.Error("Failed to retrieve transcripts", logger.Error(err))
		http.Error(w, "Failed to retrieve transcripts", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"timestamp":   time.Now(),
		"count":       len(transcripts),
		"transcripts": transcripts,
	}
	if sessionID != "" {
		response["session_id"] = sessionID
	}

	WriteJSON(w, http.StatusOK, response)
}

// Helper functions
func parsePaginationParams(r *http.Request) (int, int) {
	limit := 100 // Default limit
	offset := 0  // Default offset

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
