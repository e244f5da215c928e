// Rentescrow - custody and settlement for peer-to-peer rental payments
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/rentescrow/internal/config"
	"github.com/mbd888/rentescrow/internal/logging"
	"github.com/mbd888/rentescrow/internal/server"
	"github.com/mbd888/rentescrow/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting rentescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.ResolvedLogFormat())

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"auto_release_days", cfg.AutoReleaseDays,
		"default_fee_percentage", cfg.DefaultFeePercentage.String(),
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
