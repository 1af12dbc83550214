// SPDX-License-Identifier: MIT

// Package api provides the HTTP boundary of the scheduler daemon.
// Handlers stay thin: decode, call into the core, encode.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/coresched/internal/apimetrics"
	"github.com/ManuGH/coresched/internal/audit"
	"github.com/ManuGH/coresched/internal/config"
	"github.com/ManuGH/coresched/internal/health"
	"github.com/ManuGH/coresched/internal/history"
	"github.com/ManuGH/coresched/internal/scheduler"
	"github.com/ManuGH/coresched/internal/settings"
	"github.com/ManuGH/coresched/internal/sysmon"
)

// Server wires the core components behind the HTTP routes.
type Server struct {
	cfg       config.Settings
	engine    *scheduler.Engine
	sampler   *sysmon.Sampler
	history   *history.Store
	settings  *settings.Store
	collector *apimetrics.Collector
	health    *health.Manager
	aud       *audit.Logger
}

// Deps carries the constructed core components into the server.
type Deps struct {
	Engine    *scheduler.Engine
	Sampler   *sysmon.Sampler
	History   *history.Store
	Settings  *settings.Store
	Collector *apimetrics.Collector
	Health    *health.Manager
	Audit     *audit.Logger
}

// New creates the HTTP server facade.
func New(cfg config.Settings, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		sampler:   deps.Sampler,
		history:   deps.History,
		settings:  deps.Settings,
		collector: deps.Collector,
		health:    deps.Health,
		aud:       deps.Audit,
	}
	if s.aud == nil {
		s.aud = audit.NewLogger()
	}
	return s
}

// Routes builds the router with the canonical middleware stack.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Recoverer first, request ID early for correlation, then metrics
	// and access logging so both see the final status.
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(apimetrics.Middleware(s.collector, s.cfg.ExcludedPaths, s.cfg.TrustProxyHeaders))
	r.Use(AccessLog)
	if s.cfg.RateLimitRPM > 0 {
		r.Use(httprate.Limit(
			s.cfg.RateLimitRPM,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
		))
	}

	r.Route("/scheduler", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Delete("/jobs/{job_id}", s.handleCancelJob)
		r.Post("/leases/request", s.handleRequestLease)
		r.Post("/leases/{lease_id}/heartbeat", s.handleHeartbeat)
		r.Post("/leases/{lease_id}/complete", s.handleComplete)
		r.Get("/status", s.handleStatus)
		r.Get("/history/stats", s.handleHistoryStats)
		r.Post("/history/cleanup", s.handleHistoryCleanup)
	})

	r.Route("/system", func(r chi.Router) {
		r.Get("/stats/current", s.handleStatsCurrent)
		r.Get("/settings", s.handleSettingsList)
		r.Get("/settings/{key}", s.handleSettingsGet)
		r.Put("/settings/{key}", s.handleSettingsPut)
		r.Delete("/settings/{key}", s.handleSettingsDelete)
	})

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
