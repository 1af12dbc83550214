// SPDX-License-Identifier: MIT

// Package daemon assembles the scheduler service: storage, sampler,
// engine, reaper, history writer, and the HTTP server, with one
// lifecycle for all of them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/coresched/internal/api"
	"github.com/ManuGH/coresched/internal/apimetrics"
	"github.com/ManuGH/coresched/internal/audit"
	"github.com/ManuGH/coresched/internal/clock"
	"github.com/ManuGH/coresched/internal/config"
	"github.com/ManuGH/coresched/internal/health"
	"github.com/ManuGH/coresched/internal/history"
	"github.com/ManuGH/coresched/internal/log"
	"github.com/ManuGH/coresched/internal/scheduler"
	"github.com/ManuGH/coresched/internal/settings"
	"github.com/ManuGH/coresched/internal/sysmon"
)

// App owns every long-lived component. Tests can construct many
// independent apps; there is no package-level mutable state here.
type App struct {
	cfg    config.Settings
	logger zerolog.Logger

	historyStore *history.Store
	statsStore   *history.StatsStore
	writer       *history.Writer
	collector    *apimetrics.Collector
	sampler      *sysmon.Sampler
	engine       *scheduler.Engine
	reaper       *scheduler.Reaper
	listener     net.Listener
	httpServer   *http.Server
}

// New builds the full component graph. Nothing starts running until
// Run is called; New only opens the databases and the listen socket.
func New(cfg config.Settings, version string) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	historyStore, err := history.Open(filepath.Join(cfg.DataDir, "scheduler_history.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("daemon: open history store: %w", err)
	}
	statsStore, err := history.OpenStatsStore(filepath.Join(cfg.DataDir, "system_stats.sqlite"))
	if err != nil {
		_ = historyStore.Close()
		return nil, fmt.Errorf("daemon: open stats store: %w", err)
	}

	clk := clock.RealClock{}
	writer := history.NewWriter(historyStore, 0)
	collector := apimetrics.NewCollector(cfg.APIWindow, clk)

	sampler := sysmon.New(sysmon.Config{
		Interval:       cfg.SamplerInterval,
		FailClosedBusy: cfg.FailClosedBusy,
		Retention:      time.Duration(cfg.MinuteRetentionHours) * time.Hour,
		DataDir:        cfg.DataDir,
	}, clk, collector, statsStore)

	engine := scheduler.New(scheduler.Config{
		TotalCapacityUnits: cfg.TotalCapacityUnits,
		ReserveUnits:       cfg.ReserveUnits,
		LeaseTTL:           cfg.LeaseTTL,
		HeartbeatGrace:     cfg.HeartbeatGrace,
		RetryBase:          cfg.RetryBase,
		JobEvictAge:        cfg.JobEvictAge,
		JobEvictMax:        cfg.JobEvictMax,
	}, clk, sampler.Busy, scheduler.WithRecorder(writer))

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewDatabaseChecker("history_db", historyStore.DB()))
	healthMgr.RegisterChecker(health.NewSamplerChecker(func() (time.Time, bool) {
		snap := sampler.Latest()
		if snap == nil {
			return time.Time{}, false
		}
		return snap.Timestamp, true
	}, 6*cfg.SamplerInterval))
	healthMgr.RegisterChecker(health.NewWriterChecker(writer.Healthy))

	apiServer := api.New(cfg, api.Deps{
		Engine:    engine,
		Sampler:   sampler,
		History:   historyStore,
		Settings:  settings.New(historyStore.DB()),
		Collector: collector,
		Health:    healthMgr,
		Audit:     audit.NewLogger(),
	})

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		_ = historyStore.Close()
		_ = statsStore.Close()
		return nil, fmt.Errorf("daemon: listen on %s: %w", cfg.ListenAddr, err)
	}

	return &App{
		cfg:          cfg,
		logger:       log.WithComponent("daemon"),
		historyStore: historyStore,
		statsStore:   statsStore,
		writer:       writer,
		collector:    collector,
		sampler:      sampler,
		engine:       engine,
		reaper:       scheduler.NewReaper(engine, cfg.ReaperInterval),
		listener:     listener,
		httpServer: &http.Server{
			Handler:           apiServer.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Engine exposes the scheduler core, mainly for tests.
func (a *App) Engine() *scheduler.Engine { return a.engine }

// Addr returns the bound listen address.
func (a *App) Addr() string { return a.listener.Addr().String() }

// Run starts all subsystems and blocks until ctx is cancelled or one
// of them fails. Shutdown order: drain in-flight HTTP requests, then
// stop the writer so it flushes everything those requests enqueued.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Handlers keep enqueueing records until Shutdown has drained
	// them, so the writer's context is cancelled only after Shutdown
	// returns.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	g.Go(func() error {
		return ignoreCanceled(a.writer.Run(writerCtx))
	})

	g.Go(func() error {
		return ignoreCanceled(a.sampler.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(a.reaper.Run(ctx))
	})
	g.Go(func() error {
		return a.retentionLoop(ctx)
	})

	g.Go(func() error {
		a.logger.Info().
			Str("event", "daemon.listen").
			Str("addr", a.listener.Addr().String()).
			Msg("http server starting")
		err := a.httpServer.Serve(a.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		defer stopWriter()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.logger.Info().Str("event", "daemon.stopped").Msg("all subsystems stopped")
	return err
}

// retentionLoop prunes old history rows once per day. On-demand
// cleanup remains available through the HTTP API.
func (a *App) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			deleted, err := a.historyStore.Cleanup(a.cfg.HistoryRetentionDays)
			if err != nil {
				a.logger.Warn().Err(err).
					Str("event", "daemon.retention_failed").
					Msg("scheduled history cleanup failed")
				continue
			}
			if deleted > 0 {
				a.logger.Info().
					Str("event", "daemon.retention").
					Int64("deleted", deleted).
					Msg("pruned old history rows")
			}
		}
	}
}

// Close releases the listener and the databases. Call after Run has
// returned.
func (a *App) Close() error {
	_ = a.listener.Close() // already closed when Run shut down
	errHistory := a.historyStore.Close()
	errStats := a.statsStore.Close()
	if errHistory != nil {
		return errHistory
	}
	return errStats
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
