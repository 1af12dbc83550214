// SPDX-License-Identifier: MIT

// Package capacity maps the busy rating to a usable share of the
// capacity budget. Pure functions; the scheduler calls them under its
// own lock on every lease request.
package capacity

import (
	"math"
	"math/rand"
	"time"
)

// busyToPercent is the fixed conservative curve. Any one-point rise in
// busy never increases the usable share (monotone non-increasing).
var busyToPercent = [11]float64{
	1.00, // 0
	1.00, // 1
	1.00, // 2
	0.80, // 3
	0.65, // 4
	0.50, // 5
	0.35, // 6
	0.25, // 7
	0.15, // 8
	0.10, // 9
	0.00, // 10
}

const maxRetryAfter = 30 * time.Second

// ClampBusy rounds a raw rating to the nearest integer bucket in [0,10].
func ClampBusy(busy float64) int {
	b := int(math.Round(busy))
	if b < 0 {
		return 0
	}
	if b > 10 {
		return 10
	}
	return b
}

// UsableUnits computes floor(total * percent[busy]) - reserve, floored at 0.
func UsableUnits(busy int, total, reserve int) int {
	if busy < 0 {
		busy = 0
	}
	if busy > 10 {
		busy = 10
	}
	usable := int(math.Floor(float64(total)*busyToPercent[busy])) - reserve
	if usable < 0 {
		return 0
	}
	return usable
}

// RetryAfter derives the denial backoff from pressure:
// base * 2^max(0, busy-3), capped at 30s, with +-10% jitter.
// rnd may be nil, in which case the global source is used.
func RetryAfter(busy int, base time.Duration, rnd *rand.Rand) time.Duration {
	if base <= 0 {
		base = 375 * time.Millisecond
	}
	shift := busy - 3
	if shift < 0 {
		shift = 0
	}
	d := base << uint(shift)
	if d > maxRetryAfter || d <= 0 {
		d = maxRetryAfter
	}
	var f float64
	if rnd != nil {
		f = rnd.Float64()
	} else {
		f = rand.Float64()
	}
	jitter := 1.0 + (f*2-1)*0.10
	return time.Duration(float64(d) * jitter)
}
