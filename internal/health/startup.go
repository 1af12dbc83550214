// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/ManuGH/coresched/internal/config"
	"github.com/ManuGH/coresched/internal/log"
	"github.com/ManuGH/coresched/internal/persistence/sqlite"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving. It runs once, before any listener is bound.
func PerformStartupChecks(_ context.Context, cfg config.Settings) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen address check failed: %w", err)
	}
	if err := checkDatabases(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("database check failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("cannot create directory %s: %w", path, err)
	}

	// Probe write permissions with a temp file.
	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("listen address is valid")
	return nil
}

// checkDatabases runs a quick integrity check on any database file that
// already exists. A corrupt file is better caught before the scheduler
// starts writing to it.
func checkDatabases(logger zerolog.Logger, dataDir string) error {
	for _, name := range []string{"scheduler_history.sqlite", "system_stats.sqlite"} {
		path := filepath.Join(dataDir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		problems, err := sqlite.VerifyIntegrity(path, "quick")
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if len(problems) > 0 {
			return fmt.Errorf("%s failed integrity check: %v", name, problems)
		}
		logger.Info().Str("db", name).Msg("database integrity verified")
	}
	return nil
}
