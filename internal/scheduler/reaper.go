// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/coresched/internal/log"
)

// Reaper drives the periodic expiry sweep. The engine also expires
// inline on every operation; the reaper guarantees progress when no
// requests arrive.
type Reaper struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
}

// NewReaper creates a reaper for the engine.
func NewReaper(engine *Engine, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{
		engine:   engine,
		interval: interval,
		logger:   log.WithComponent("reaper"),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return ctx.Err()
		case <-ticker.C:
			if n := r.engine.SweepOnce(); n > 0 {
				r.logger.Debug().Int("expired", n).Msg("swept expired leases")
			}
		}
	}
}
