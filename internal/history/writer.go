// SPDX-License-Identifier: MIT

package history

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/ManuGH/coresched/internal/log"
	"github.com/ManuGH/coresched/internal/scheduler"
)

var (
	writeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coresched_history_write_errors_total",
		Help: "History writes that failed after all retries",
	})

	droppedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coresched_history_dropped_records_total",
		Help: "History records dropped because the writer queue was full",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coresched_history_queue_depth",
		Help: "Records waiting for the history writer",
	})
)

const (
	defaultBuffer = 1024
	writeRetries  = 3
	retryBackoff  = 100 * time.Millisecond
)

// record is one queued write: exactly one of job or event is set.
type record struct {
	job   *scheduler.JobRecord
	event *scheduler.EventRecord
}

// Writer implements scheduler.Recorder over a bounded channel. The
// scheduler enqueues under its lock without blocking; a single
// goroutine drains to SQLite. A full queue drops records (the in-memory
// store still holds the truth until eviction); storage errors are
// retried and surfaced through Healthy, never back to the scheduler.
type Writer struct {
	store  *Store
	ch     chan record
	logger zerolog.Logger

	lastErr atomic.Pointer[error]
}

// NewWriter creates a writer over the store. buffer <= 0 picks the default.
func NewWriter(store *Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Writer{
		store:  store,
		ch:     make(chan record, buffer),
		logger: log.WithComponent("history"),
	}
}

// RecordJob enqueues a job projection without blocking.
func (w *Writer) RecordJob(rec scheduler.JobRecord) {
	w.enqueue(record{job: &rec})
}

// RecordEvent enqueues an event row without blocking.
func (w *Writer) RecordEvent(ev scheduler.EventRecord) {
	w.enqueue(record{event: &ev})
}

func (w *Writer) enqueue(r record) {
	select {
	case w.ch <- r:
		queueDepth.Set(float64(len(w.ch)))
	default:
		droppedRecords.Inc()
		w.logger.Warn().Msg("history queue full, dropping record")
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is
// already queued before returning.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush()
			w.logger.Info().Msg("history writer stopped")
			return ctx.Err()
		case r := <-w.ch:
			w.write(r)
			queueDepth.Set(float64(len(w.ch)))
		}
	}
}

// flush empties the queue synchronously.
func (w *Writer) flush() {
	for {
		select {
		case r := <-w.ch:
			w.write(r)
		default:
			queueDepth.Set(0)
			return
		}
	}
}

// write performs one durable write with bounded retries. Storage
// errors never propagate to the scheduler.
func (w *Writer) write(r record) {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff << uint(attempt-1))
		}
		err = w.writeOnce(r)
		if err == nil {
			w.lastErr.Store(nil)
			return
		}
	}
	writeErrors.Inc()
	wrapped := fmt.Errorf("%w: %v", scheduler.ErrStorage, err)
	w.lastErr.Store(&wrapped)
	w.logger.Error().Err(err).Msg("history write failed after retries")
}

func (w *Writer) writeOnce(r record) error {
	switch {
	case r.job != nil:
		return w.store.UpsertJob(*r.job)
	case r.event != nil:
		return w.store.AppendEvent(*r.event)
	}
	return nil
}

// Healthy returns the last unrecovered storage error, wrapped as
// scheduler.ErrStorage, or nil.
func (w *Writer) Healthy() error {
	if p := w.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}
