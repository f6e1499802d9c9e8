package main

import (
	"context"
	"log/slog"
	"os"

	"storefront-edge/internal/app"
	"storefront-edge/internal/config"
	"storefront-edge/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)))

	application, err := app.New(context.Background(), cfg)
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		slog.Error("application run failed", "error", err)
		os.Exit(1)
	}
}
