package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/petconnect/chat-relay/internal/logging"
	"github.com/petconnect/chat-relay/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A missing .env file is fine; the environment wins either way.
	_ = godotenv.Load()

	config, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}

	logger, err := logging.New(config.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	policy := server.NewOriginPolicy(config.AllowedOrigins, logger)
	logger.Info("Starting chat relay",
		zap.String("addr", config.Port),
		zap.Strings("allowed_origins", policy.Origins()))

	hub := server.NewHub(config, logger)
	go hub.Run()

	httpServer := server.CreateServer(config.Port, server.SetupRoutes(hub, policy, logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case sig := <-quit:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	if err := server.ShutdownServer(httpServer, config.ShutdownTimeout, logger); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := hub.Shutdown(config.ShutdownTimeout); err != nil {
		logger.Warn("Hub shutdown incomplete", zap.Error(err))
	}
	return nil
}
