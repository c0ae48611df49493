package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gatewarden/gatewarden/internal/config"
	"github.com/gatewarden/gatewarden/internal/store"
	"github.com/gatewarden/gatewarden/internal/store/postgres"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.Env)

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database_connect_failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	s := postgres.New(pool)
	log.Info("sweeper_started", "interval", "1h")

	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Immediate run at startup so dev sees a result right away.
	runSweep(ctx, s, log)

	for {
		select {
		case <-ticker.C:
			runSweep(ctx, s, log)
		case <-quit:
			log.Info("sweeper_shutting_down")
			return
		}
	}
}

func runSweep(ctx context.Context, s store.Store, log *slog.Logger) {
	result, err := s.SweepExpired(ctx, time.Now())
	if err != nil {
		log.Error("sweep_failed", "error", err)
		return
	}
	if result.Codes+result.AccessTokens+result.RefreshTokens > 0 {
		log.Info("sweep_completed",
			"codes", result.Codes,
			"access_tokens", result.AccessTokens,
			"refresh_tokens", result.RefreshTokens,
		)
	}
}
