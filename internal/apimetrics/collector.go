// SPDX-License-Identifier: MIT

// Package apimetrics keeps a rolling window of per-request observations
// and aggregates them into the API half of the health snapshot.
package apimetrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/coresched/internal/clock"
)

// Event is one observed request.
type Event struct {
	At         time.Time
	Path       string
	Client     string
	Status     int
	DurationMS float64
}

// Snapshot is the aggregate over the current window.
type Snapshot struct {
	WindowSeconds float64     `json:"window_s"`
	Requests      int         `json:"requests"`
	RPS           float64     `json:"rps"`
	Inflight      int64       `json:"inflight"`
	LatencyAvgMS  float64     `json:"latency_ms_avg"`
	LatencyP95MS  float64     `json:"latency_ms_p95"`
	ErrorRate     float64     `json:"error_rate"`
	TopPaths      []KeyCount  `json:"top_paths"`
	TopClients    []KeyCount  `json:"top_clients"`
	GeneratedAt   time.Time   `json:"generated_at"`
}

// KeyCount is a ranked entry in a top-N list.
type KeyCount struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Collector is safe for concurrent use. Writers take a short mutex per
// request; inflight is a bare atomic so Begin/End never contend.
type Collector struct {
	window time.Duration
	clk    clock.Clock

	inflight atomic.Int64

	mu     sync.Mutex
	events []Event
}

// NewCollector creates a collector with the given window size.
func NewCollector(window time.Duration, clk clock.Clock) *Collector {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Collector{window: window, clk: clk}
}

// Begin marks a request as inflight.
func (c *Collector) Begin() { c.inflight.Add(1) }

// End marks a request as finished, whether it succeeded or panicked.
func (c *Collector) End() { c.inflight.Add(-1) }

// Inflight returns the number of requests currently being handled.
func (c *Collector) Inflight() int64 { return c.inflight.Load() }

// Record appends one finished request and drops entries that have
// fallen out of the window.
func (c *Collector) Record(path, client string, status int, duration time.Duration) {
	now := c.clk.Now()
	ev := Event{
		At:         now,
		Path:       path,
		Client:     client,
		Status:     status,
		DurationMS: float64(duration) / float64(time.Millisecond),
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.pruneLocked(now)
	c.mu.Unlock()
}

func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.window)
	i := 0
	for i < len(c.events) && !c.events[i].At.After(cutoff) {
		i++
	}
	if i > 0 {
		c.events = append(c.events[:0], c.events[i:]...)
	}
}

// Snapshot aggregates the current window. topN bounds the ranked lists.
func (c *Collector) Snapshot(topN int) Snapshot {
	now := c.clk.Now()

	c.mu.Lock()
	c.pruneLocked(now)
	events := make([]Event, len(c.events))
	copy(events, c.events)
	c.mu.Unlock()

	s := Snapshot{
		WindowSeconds: c.window.Seconds(),
		Requests:      len(events),
		Inflight:      c.inflight.Load(),
		GeneratedAt:   now,
	}
	if c.window > 0 {
		s.RPS = float64(len(events)) / c.window.Seconds()
	}
	if len(events) == 0 {
		return s
	}

	durations := make([]float64, 0, len(events))
	pathCounts := make(map[string]int)
	clientCounts := make(map[string]int)
	var sum float64
	var errors int
	for _, ev := range events {
		durations = append(durations, ev.DurationMS)
		sum += ev.DurationMS
		if ev.Status >= 400 {
			errors++
		}
		pathCounts[ev.Path]++
		if ev.Client != "" {
			clientCounts[ev.Client]++
		}
	}
	sort.Float64s(durations)
	s.LatencyAvgMS = sum / float64(len(durations))
	s.LatencyP95MS = durations[p95Index(len(durations))]
	s.ErrorRate = float64(errors) / float64(len(events))
	s.TopPaths = topEntries(pathCounts, topN)
	s.TopClients = topEntries(clientCounts, topN)
	return s
}

// p95Index picks the sorted index round(0.95*(n-1)).
func p95Index(n int) int {
	if n <= 1 {
		return 0
	}
	return int(math.Round(0.95 * float64(n-1)))
}

func topEntries(counts map[string]int, n int) []KeyCount {
	if n <= 0 || len(counts) == 0 {
		return nil
	}
	out := make([]KeyCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, KeyCount{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
