// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ManuGH/coresched/internal/config"
	"github.com/ManuGH/coresched/internal/daemon"
	"github.com/ManuGH/coresched/internal/health"
	"github.com/ManuGH/coresched/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("coresched %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{Level: *logLevel, Service: "coresched"})
	logger := log.WithComponent("main")

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("startup checks failed")
	}

	app, err := daemon.New(cfg, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build daemon")
	}

	logger.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Msg("coresched starting")

	runErr := app.Run(ctx)
	if closeErr := app.Close(); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("error closing stores")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatal().Err(runErr).Msg("daemon exited with error")
	}
	logger.Info().Msg("coresched stopped")
}
