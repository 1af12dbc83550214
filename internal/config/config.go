// SPDX-License-Identifier: MIT

// Package config holds the typed, env-overridable daemon settings.
package config

import (
	"fmt"
	"time"
)

// Settings is the complete runtime configuration. Every field has a
// conservative default and can be overridden through a CORESCHED_*
// environment variable; there is no untyped passthrough into the core.
type Settings struct {
	// Capacity policy
	TotalCapacityUnits int
	ReserveUnits       int
	RetryBase          time.Duration // denial backoff base at busy<=3
	FailClosedBusy     int           // busy assumed when the sampler has produced nothing yet

	// Lease lifecycle
	LeaseTTL       time.Duration
	HeartbeatGrace time.Duration
	ReaperInterval time.Duration

	// Sampling
	SamplerInterval time.Duration
	APIWindow       time.Duration
	ExcludedPaths   []string // request paths excluded from API metrics

	// Retention
	HistoryRetentionDays int
	MinuteRetentionHours int
	JobEvictAge          time.Duration // terminal jobs older than this leave memory
	JobEvictMax          int           // hard cap on terminal jobs kept in memory

	// HTTP
	ListenAddr        string
	RateLimitRPM      int // requests per minute per client IP, 0 disables
	ShutdownTimeout   time.Duration
	TrustProxyHeaders bool

	// Storage
	DataDir string
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		TotalCapacityUnits:   100,
		ReserveUnits:         0,
		RetryBase:            375 * time.Millisecond,
		FailClosedBusy:       10,
		LeaseTTL:             30 * time.Second,
		HeartbeatGrace:       5 * time.Second,
		ReaperInterval:       time.Second,
		SamplerInterval:      5 * time.Second,
		APIWindow:            60 * time.Second,
		ExcludedPaths:        []string{"/metrics", "/healthz", "/readyz", "/system/stats"},
		HistoryRetentionDays: 30,
		MinuteRetentionHours: 24,
		JobEvictAge:          time.Hour,
		JobEvictMax:          5000,
		ListenAddr:           ":8080",
		RateLimitRPM:         600,
		ShutdownTimeout:      10 * time.Second,
		TrustProxyHeaders:    false,
		DataDir:              "data",
	}
}

// FromEnv builds Settings from defaults plus CORESCHED_* overrides.
func FromEnv() (Settings, error) {
	d := Default()
	s := Settings{
		TotalCapacityUnits:   ParseInt("CORESCHED_TOTAL_CAPACITY_UNITS", d.TotalCapacityUnits),
		ReserveUnits:         ParseInt("CORESCHED_RESERVE_UNITS", d.ReserveUnits),
		RetryBase:            ParseDuration("CORESCHED_RETRY_BASE", d.RetryBase),
		FailClosedBusy:       ParseInt("CORESCHED_FAILCLOSED_BUSY", d.FailClosedBusy),
		LeaseTTL:             ParseDuration("CORESCHED_LEASE_TTL", d.LeaseTTL),
		HeartbeatGrace:       ParseDuration("CORESCHED_HEARTBEAT_GRACE", d.HeartbeatGrace),
		ReaperInterval:       ParseDuration("CORESCHED_REAPER_INTERVAL", d.ReaperInterval),
		SamplerInterval:      ParseDuration("CORESCHED_SAMPLER_INTERVAL", d.SamplerInterval),
		APIWindow:            ParseDuration("CORESCHED_API_WINDOW", d.APIWindow),
		ExcludedPaths:        ParseStringList("CORESCHED_EXCLUDED_PATHS", d.ExcludedPaths),
		HistoryRetentionDays: ParseInt("CORESCHED_HISTORY_RETENTION_DAYS", d.HistoryRetentionDays),
		MinuteRetentionHours: ParseInt("CORESCHED_MINUTE_RETENTION_HOURS", d.MinuteRetentionHours),
		JobEvictAge:          ParseDuration("CORESCHED_JOB_EVICT_AGE", d.JobEvictAge),
		JobEvictMax:          ParseInt("CORESCHED_JOB_EVICT_MAX", d.JobEvictMax),
		ListenAddr:           ParseString("CORESCHED_LISTEN", d.ListenAddr),
		RateLimitRPM:         ParseInt("CORESCHED_RATE_LIMIT_RPM", d.RateLimitRPM),
		ShutdownTimeout:      ParseDuration("CORESCHED_SHUTDOWN_TIMEOUT", d.ShutdownTimeout),
		TrustProxyHeaders:    ParseBool("CORESCHED_TRUST_PROXY_HEADERS", d.TrustProxyHeaders),
		DataDir:              ParseString("CORESCHED_DATA_DIR", d.DataDir),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the scheduler cannot run with.
func (s Settings) Validate() error {
	if s.TotalCapacityUnits <= 0 {
		return fmt.Errorf("config: total_capacity_units must be > 0, got %d", s.TotalCapacityUnits)
	}
	if s.ReserveUnits < 0 {
		return fmt.Errorf("config: reserve_units must be >= 0, got %d", s.ReserveUnits)
	}
	if s.ReserveUnits >= s.TotalCapacityUnits {
		return fmt.Errorf("config: reserve_units %d must be below total_capacity_units %d", s.ReserveUnits, s.TotalCapacityUnits)
	}
	if s.LeaseTTL <= 0 {
		return fmt.Errorf("config: lease_ttl must be > 0, got %v", s.LeaseTTL)
	}
	if s.HeartbeatGrace < 0 {
		return fmt.Errorf("config: heartbeat_grace must be >= 0, got %v", s.HeartbeatGrace)
	}
	if s.SamplerInterval <= 0 {
		return fmt.Errorf("config: sampler_interval must be > 0, got %v", s.SamplerInterval)
	}
	if s.APIWindow <= 0 {
		return fmt.Errorf("config: api_window must be > 0, got %v", s.APIWindow)
	}
	if s.FailClosedBusy < 0 || s.FailClosedBusy > 10 {
		return fmt.Errorf("config: failclosed_busy must be in [0,10], got %d", s.FailClosedBusy)
	}
	if s.HistoryRetentionDays <= 0 {
		return fmt.Errorf("config: history_retention_days must be > 0, got %d", s.HistoryRetentionDays)
	}
	if s.MinuteRetentionHours <= 0 {
		return fmt.Errorf("config: minute_retention_hours must be > 0, got %d", s.MinuteRetentionHours)
	}
	return nil
}
