package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mossy-p/call-signaling/config"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/handlers"
	"github.com/mossy-p/call-signaling/internal/media"
	"github.com/mossy-p/call-signaling/internal/media/pion"
	"github.com/mossy-p/call-signaling/internal/redis"
	"github.com/mossy-p/call-signaling/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	setupLogging(cfg)

	backend, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to open call store")
	}
	defer redis.Close()
	defer backend.Close()

	factory, err := pion.NewFactory(pion.Options{
		ICEServers: cfg.Media.ICEServers,
		UDPPortMin: cfg.Media.UDPPortMin,
		UDPPortMax: cfg.Media.UDPPortMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up media stack")
	}

	calls := call.NewManager(backend, backend, factory, call.Config{
		SetupTimeout: cfg.Call.SetupTimeout,
	})

	// Setup Gin router
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := handlers.NewCallHandler(calls, backend, func(userID string) (media.Stream, error) {
		stream, err := pion.NewLocalStream(userID + "-" + uuid.New().String())
		if err != nil {
			return nil, err
		}
		return stream, nil
	})
	router := handlers.NewRouter(handler, cfg.JWTSecret, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreBackend).Msg("Starting call signaling server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Server shutdown failed")
	}
	calls.Close()
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.StoreBackend == config.StoreMemory {
		log.Warn().Msg("Using in-process call store; both peers must use this server")
		return store.NewMemoryStore(), nil
	}

	// Connect to Redis
	client, err := redis.Connect(cfg.Redis)
	if err != nil {
		return nil, err
	}
	return store.NewRedisStore(client, cfg.Call.SessionTTL, 0), nil
}
