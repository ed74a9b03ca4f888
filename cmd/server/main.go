// Command server runs the Safehold escrow API, its auto-release scheduler
// and the realtime stream.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/safehold/internal/config"
	"github.com/mbd888/safehold/internal/logging"
	"github.com/mbd888/safehold/internal/server"
)

// Set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logging.NewWithWriter(os.Stderr, "info", "text").Error("invalid configuration", "error", err)
		return 2
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	slog.SetDefault(logger)
	logger.Info("safehold starting",
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"provider", cfg.DefaultProvider,
		"currency", cfg.DefaultCurrency,
		"postgres", cfg.DatabaseURL != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		return 1
	}
	logger.Info("safehold stopped")
	return 0
}
