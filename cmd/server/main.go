// Tribunal - escrow dispute arbitration for pay-per-call APIs
package main

import (
	"context"
	"os"

	"tribunal/internal/config"
	"tribunal/internal/logging"
	"tribunal/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config says otherwise.
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	format := "text"
	if cfg.IsProduction() {
		format = "json"
	}
	logger = logging.New(cfg.LogLevel, format)

	logger.Info("starting tribunal",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"network", cfg.Network,
		"watcher_enabled", cfg.WatcherEnabled,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
