package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kfurukawa/voicebridge/internal/api"
	"github.com/kfurukawa/voicebridge/internal/audio"
	"github.com/kfurukawa/voicebridge/internal/auth"
	"github.com/kfurukawa/voicebridge/internal/config"
	"github.com/kfurukawa/voicebridge/internal/storage/sqlite"
	"github.com/kfurukawa/voicebridge/internal/transcription"
	"github.com/kfurukawa/voicebridge/internal/websocket"
	"github.com/kfurukawa/voicebridge/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	flag.Parse()

	// Load configuration with fallback logic
	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create logger
	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting voicebridge agent",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
	)

	// Generate today's database filename
	today := time.Now().Format("2006-01-02")
	dbFilename := fmt.Sprintf("voicebridge-%s.db", today)
	dbPath := filepath.Join(cfg.Storage.SQLiteBasePath, dbFilename)

	// Ensure the directory exists
	if err := os.MkdirAll(cfg.Storage.SQLiteBasePath, 0755); err != nil {
		log.Error("Failed to create database directory", logger.Error(err), logger.String("path", cfg.Storage.SQLiteBasePath))
		os.Exit(1)
	}

	log.Info("Using daily database", logger.String("path", dbPath))

	db, err := sqlite.Open(dbPath, log)
	if err != nil {
		log.Error("Failed to open SQLite storage", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	// Create transcript storage
	transcriptStorage := sqlite.NewTranscriptStorage(db.GetDB(), log)

	// Create WebSocket server
	wsServer := websocket.NewServer(log)
	go wsServer.Run()

	// Create token client for the transcription service
	tokenClient := auth.NewClient(auth.Config{
		TokenURL:       cfg.Auth.TokenURL,
		APIKey:         cfg.Auth.APIKey,
		TimeoutSeconds: cfg.Auth.TimeoutSeconds,
	}, log)

	// Each session gets a microphone source; the capture layer enforces
	// single ownership of the device.
	captureConfig := audio.CaptureConfig{
		SampleRate:      cfg.Capture.SampleRate,
		Channels:        cfg.Capture.Channels,
		FrameSamples:    cfg.Capture.FrameSamples,
		DeviceIndex:     cfg.Capture.DeviceIndex,
		ReaderBufferLen: cfg.Capture.ReaderBufferLen,
	}
	newSource := func() audio.Source {
		return audio.NewMicSource(captureConfig, log)
	}

	// Create transcription manager
	manager := transcription.NewManager(
		wsServer,
		transcriptStorage,
		tokenClient,
		newSource,
		transcription.Config{
			Endpoint:            cfg.Transcription.Endpoint,
			HandshakeTimeoutSec: cfg.Transcription.HandshakeTimeoutSec,
			VoiceThreshold:      cfg.VAD.VoiceThreshold,
			SilenceDurationMs:   cfg.VAD.SilenceDurationMs,
			PollIntervalMs:      cfg.VAD.PollIntervalMs,
		},
		log,
	)

	// Create API router
	router := api.NewRouter(manager, cfg, log, wsServer, transcriptStorage)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error on startup", logger.String("addr", server.Addr), logger.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down agent...")

	// Stop capture sessions first so the microphone and upstream
	// connections go down before the HTTP surface.
	log.Info("Stopping transcription sessions...")
	manager.StopAll()
	log.Info("Transcription sessions stopped.")

	// Shutdown HTTP server
	log.Info("Shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", logger.Error(err))
	}

	log.Info("Shutdown complete")
}
