package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kfurukawa/voicebridge/internal/config"
	"github.com/kfurukawa/voicebridge/internal/storage/sqlite"
	"github.com/kfurukawa/voicebridge/internal/transcription"
	"github.com/kfurukawa/voicebridge/internal/websocket"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Router wires the HTTP API
type Router struct {
	handler *Handler
	logger  *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(
	manager *transcription.Manager,
	cfg *config.Config,
	log *logger.Logger,
	wsServer *websocket.Server,
	transcriptStorage *sqlite.TranscriptStorage,
) *Router {
	return &Router{
		handler: NewHandler(manager, cfg, log, wsServer, transcriptStorage),
		logger:  log.Named("api-router"),
	}
}

// Routes returns the HTTP handler with all routes registered
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", rt.handler.GetHealth)

		r.Get("/transcripts", rt.handler.GetTranscripts)

		r.Route("/endpointer", func(r chi.Router) {
			r.Get("/threshold", rt.handler.GetSilenceThreshold)
			r.Put("/threshold", rt.handler.UpdateSilenceThreshold)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", rt.handler.GetSessions)
			r.Post("/{id}/start", rt.handler.StartSession)
			r.Post("/{id}/stop", rt.handler.StopSession)
		})
	})

	r.Get("/ws", rt.handler.HandleWebSocket)

	return r
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing to do but drop it.
		return
	}
}
