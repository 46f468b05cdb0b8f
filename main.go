package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rehoboth/internal/app"
	"rehoboth/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	app.SetupLogger(cfg.LogLevel)

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.StartBackground(ctx); err != nil {
		slog.Error("Failed to start background workers", "error", err)
		application.Close()
		os.Exit(1)
	}

	go func() {
		slog.Info("Starting server", "port", cfg.AppPort, "mpesa_env", cfg.Mpesa.Env)
		if err := application.Fiber.Listen(cfg.AppPort); err != nil {
			slog.Error("Server failed to start", "error", err)
			stop()
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	<-ctx.Done()
	slog.Info("Shutting down server...")

	if err := application.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	slog.Info("Server gracefully stopped")
}
