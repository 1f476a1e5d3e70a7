// Command collabsim runs an in-memory collaborator: the REST surface
// the client core consumes plus the websocket channel endpoint. It
// exists so the collaboration core can be exercised end to end without
// the production backend.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-collab/internal/auth"
	"github.com/spec-kit/ticket-collab/internal/config"
	"github.com/spec-kit/ticket-collab/internal/observability"
	"github.com/spec-kit/ticket-collab/internal/simulator"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	apiAddr := getEnv("SIM_API_ADDR", ":8080")
	channelAddr := getEnv("SIM_CHANNEL_ADDR", ":8081")

	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TTLMin)
	store := simulator.NewStore(logger)
	hub := simulator.NewHub(store, tokens, logger)
	store.SetBroadcaster(hub)

	app := fiber.New()
	simulator.NewAPI(store, tokens, logger).Register(app)

	channelMux := http.NewServeMux()
	channelMux.Handle("/channel", hub)
	channelSrv := &http.Server{Addr: channelAddr, Handler: channelMux}

	go func() {
		if err := app.Listen(apiAddr); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()
	go func() {
		if err := channelSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("channel listen", zap.Error(err))
		}
	}()
	logger.Info("collabsim up",
		zap.String("api", apiAddr),
		zap.String("channel", channelAddr))

	waitForShutdown(logger)

	_ = channelSrv.Close()
	_ = app.Shutdown()
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
