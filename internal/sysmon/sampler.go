// SPDX-License-Identifier: MIT

package sysmon

import (
	"context"
	"encoding/json"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/coresched/internal/apimetrics"
	"github.com/ManuGH/coresched/internal/clock"
	"github.com/ManuGH/coresched/internal/log"
)

// MinuteStore persists minute-aligned snapshots.
type MinuteStore interface {
	InsertMinute(ts int64, busy float64, snapshot []byte) error
	PruneBefore(cutoff int64) error
}

// Snapshot is one complete health observation.
type Snapshot struct {
	Timestamp  time.Time           `json:"timestamp"`
	BusyRating float64             `json:"busy_rating"`
	Host       HostStats           `json:"host"`
	API        apimetrics.Snapshot `json:"api"`
	Signals    map[string]float64  `json:"signals"`
	Quiet      QuietAssessment     `json:"quiet"`
}

// Config tunes the sampler.
type Config struct {
	Interval       time.Duration
	Breakpoints    Breakpoints
	FailClosedBusy int           // busy reported before the first snapshot exists
	Retention      time.Duration // minute-sample retention
	DataDir        string        // disk usage target
	ProcRoot       string        // "" means /proc; tests point it at fixtures
	TopN           int
}

// Sampler produces snapshots on a fixed cadence and caches the latest
// one for the request path. No request ever triggers a collection.
type Sampler struct {
	cfg    Config
	clk    clock.Clock
	api    *apimetrics.Collector
	store  MinuteStore
	reader *hostReader
	logger zerolog.Logger

	latest     atomic.Pointer[Snapshot]
	lastMinute int64
}

// New creates a sampler. store may be nil to disable minute persistence.
func New(cfg Config, clk clock.Clock, api *apimetrics.Collector, store MinuteStore) *Sampler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 10
	}
	if cfg.FailClosedBusy <= 0 || cfg.FailClosedBusy > 10 {
		cfg.FailClosedBusy = 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Breakpoints == (Breakpoints{}) {
		cfg.Breakpoints = DefaultBreakpoints()
	}
	return &Sampler{
		cfg:    cfg,
		clk:    clk,
		api:    api,
		store:  store,
		reader: newHostReader(cfg.ProcRoot, cfg.DataDir),
		logger: log.WithComponent("sysmon"),
		// no write for the partial minute the daemon starts in
		lastMinute: clk.Now().Unix() / 60,
	}
}

// Latest returns the most recent snapshot, or nil before the first tick.
func (s *Sampler) Latest() *Snapshot {
	return s.latest.Load()
}

// Busy returns the current busy rating. Before the first snapshot it
// reports the fail-closed value.
func (s *Sampler) Busy() float64 {
	if snap := s.latest.Load(); snap != nil {
		return snap.BusyRating
	}
	return float64(s.cfg.FailClosedBusy)
}

// Run samples until ctx is cancelled. The tick in flight when
// cancellation arrives completes before Run returns.
func (s *Sampler) Run(ctx context.Context) error {
	// Immediate sample to avoid a startup gap.
	s.SampleOnce()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sampler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce performs one tick: collect, rate, publish, and persist the
// minute sample when a minute boundary has been crossed.
func (s *Sampler) SampleOnce() *Snapshot {
	now := s.clk.Now()

	host, in := s.reader.collect(now)
	var apiSnap apimetrics.Snapshot
	if s.api != nil {
		apiSnap = s.api.Snapshot(s.cfg.TopN)
		in.APIP95MS = Reading{Value: apiSnap.LatencyP95MS, At: now, OK: true}
		in.APIInflight = Reading{Value: float64(apiSnap.Inflight), At: now, OK: true}
		in.APIErrorRate = Reading{Value: apiSnap.ErrorRate, At: now, OK: true}
		in.APIRPS = Reading{Value: apiSnap.RPS, At: now, OK: true}
	}

	busy, signals := BusyRating(in, s.cfg.Breakpoints, now)
	busy = math.Round(busy*100) / 100

	snap := &Snapshot{
		Timestamp:  now,
		BusyRating: busy,
		Host:       host,
		API:        apiSnap,
		Signals:    signals,
		Quiet:      ComputeQuietAssessment(busy),
	}
	s.latest.Store(snap)

	busyRatingGauge.Set(busy)
	quietScoreGauge.Set(float64(snap.Quiet.QuietScore))
	for name, v := range signals {
		signalRatingGauge.WithLabelValues(name).Set(v)
	}
	samplerTicks.Inc()

	s.persistMinute(now, snap)
	return snap
}

// persistMinute writes one row at the first tick of each new minute and
// prunes expired rows on every write.
func (s *Sampler) persistMinute(now time.Time, snap *Snapshot) {
	if s.store == nil {
		return
	}
	minute := now.Unix() / 60
	if minute <= s.lastMinute {
		return
	}
	s.lastMinute = minute

	blob, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error().Err(err).Msg("minute snapshot marshal failed")
		return
	}
	ts := minute * 60
	if err := s.store.InsertMinute(ts, snap.BusyRating, blob); err != nil {
		minuteWriteErrors.Inc()
		s.logger.Error().Err(err).Int64("ts", ts).Msg("minute sample write failed")
		return
	}
	cutoff := now.Add(-s.cfg.Retention).Unix()
	if err := s.store.PruneBefore(cutoff); err != nil {
		s.logger.Warn().Err(err).Msg("minute sample prune failed")
	}
}
