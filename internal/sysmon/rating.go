// SPDX-License-Identifier: MIT

// Package sysmon samples host and API health and derives the busy
// rating that gates scheduler admission.
package sysmon

import (
	"fmt"
	"time"
)

// maxRating is the fail-closed value a missing or stale signal reports.
const maxRating = 10.0

// staleAfter is how old a signal may be before it is treated as missing.
const staleAfter = 30 * time.Second

// Ramp maps a raw signal onto [0,10] with a two-breakpoint linear
// function: values at or below Lo rate 0, at or above Hi rate 10.
type Ramp struct {
	Lo float64
	Hi float64
}

// Rate applies the ramp, clamped to [0,10].
func (r Ramp) Rate(x float64) float64 {
	if r.Hi <= r.Lo {
		return 0
	}
	f := (x - r.Lo) / (r.Hi - r.Lo)
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f * maxRating
}

// Breakpoints holds the per-signal ramps.
type Breakpoints struct {
	CPU       Ramp // CPU busy fraction
	Mem       Ramp // memory used fraction
	Load      Ramp // load1 / logical cores
	P95       Ramp // API p95 latency, ms
	Inflight  Ramp // API inflight requests
	ErrorRate Ramp // API error fraction
	RPS       Ramp // API requests per second
}

// DefaultBreakpoints returns the conservative defaults.
func DefaultBreakpoints() Breakpoints {
	return Breakpoints{
		CPU:       Ramp{Lo: 0.10, Hi: 0.90},
		Mem:       Ramp{Lo: 0.70, Hi: 0.95},
		Load:      Ramp{Lo: 0.2, Hi: 1.2},
		P95:       Ramp{Lo: 50, Hi: 800},
		Inflight:  Ramp{Lo: 1, Hi: 20},
		ErrorRate: Ramp{Lo: 0.01, Hi: 0.20},
		RPS:       Ramp{Lo: 0.5, Hi: 25},
	}
}

// Reading is one observed signal value with its observation time.
// OK=false means the collector could not produce the value.
type Reading struct {
	Value float64
	At    time.Time
	OK    bool
}

// Inputs carries every signal feeding the busy rating.
type Inputs struct {
	CPUFraction  Reading
	MemFraction  Reading
	Load1PerCore Reading
	APIP95MS     Reading
	APIInflight  Reading
	APIErrorRate Reading
	APIRPS       Reading
}

// BusyRating derives the composite rating: the maximum over all signal
// ratings, so a single stressed signal dominates. Missing or stale
// signals rate 10 (fail closed). The result is clamped to [0,10].
func BusyRating(in Inputs, bp Breakpoints, now time.Time) (float64, map[string]float64) {
	signals := map[string]float64{
		"cpu":        rate(in.CPUFraction, bp.CPU, now),
		"mem":        rate(in.MemFraction, bp.Mem, now),
		"load":       rate(in.Load1PerCore, bp.Load, now),
		"p95":        rate(in.APIP95MS, bp.P95, now),
		"inflight":   rate(in.APIInflight, bp.Inflight, now),
		"error_rate": rate(in.APIErrorRate, bp.ErrorRate, now),
		"rps":        rate(in.APIRPS, bp.RPS, now),
	}
	var busy float64
	for _, v := range signals {
		if v > busy {
			busy = v
		}
	}
	if busy > maxRating {
		busy = maxRating
	}
	return busy, signals
}

func rate(r Reading, ramp Ramp, now time.Time) float64 {
	if !r.OK || now.Sub(r.At) > staleAfter {
		return maxRating
	}
	return ramp.Rate(r.Value)
}

// QuietAssessment is the coarse human-facing pressure summary.
type QuietAssessment struct {
	QuietScore int      `json:"quiet_score"`
	State      string   `json:"state"`
	Reasons    []string `json:"reasons"`
}

// ComputeQuietAssessment maps the busy rating onto a 0..100 quiet score
// and a named state.
func ComputeQuietAssessment(busy float64) QuietAssessment {
	if busy < 0 {
		busy = 0
	}
	if busy > 10 {
		busy = 10
	}
	var state string
	switch {
	case busy <= 2:
		state = "quiet"
	case busy <= 5:
		state = "normal"
	case busy <= 7:
		state = "busy"
	default:
		state = "panic"
	}
	return QuietAssessment{
		QuietScore: int(100 - busy*10 + 0.5),
		State:      state,
		Reasons:    []string{fmt.Sprintf("busy_rating=%.2f", busy)},
	}
}
