// SPDX-License-Identifier: MIT

package scheduler

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/coresched/internal/audit"
	"github.com/ManuGH/coresched/internal/capacity"
	"github.com/ManuGH/coresched/internal/clock"
	"github.com/ManuGH/coresched/internal/log"
)

const (
	minRequestedUnits = 1
	maxRequestedUnits = 100
)

// BusyFunc returns the current busy rating. The sampler provides it;
// before the first sample it must fail closed.
type BusyFunc func() float64

// Config tunes the engine.
type Config struct {
	TotalCapacityUnits int
	ReserveUnits       int
	LeaseTTL           time.Duration
	HeartbeatGrace     time.Duration
	RetryBase          time.Duration
	JobEvictAge        time.Duration
	JobEvictMax        int
}

// Engine mediates all scheduler operations behind one coarse mutex.
// Nothing inside the critical section performs I/O; history records go
// out through the non-blocking Recorder.
type Engine struct {
	mu    sync.Mutex
	cfg   Config
	store *jobStore
	clk   clock.Clock
	busy  BusyFunc
	rec   Recorder
	aud   *audit.Logger
	rnd   *rand.Rand

	logger zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the history recorder.
func WithRecorder(rec Recorder) Option {
	return func(e *Engine) { e.rec = rec }
}

// WithRand injects a deterministic jitter source for tests.
func WithRand(rnd *rand.Rand) Option {
	return func(e *Engine) { e.rnd = rnd }
}

// New creates an engine. busy must not be nil.
func New(cfg Config, clk clock.Clock, busy BusyFunc, opts ...Option) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.TotalCapacityUnits <= 0 {
		cfg.TotalCapacityUnits = 100
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 375 * time.Millisecond
	}
	e := &Engine{
		cfg:    cfg,
		store:  newJobStore(),
		clk:    clk,
		busy:   busy,
		aud:    audit.NewLogger(),
		logger: log.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit validates and enqueues a job intent. A matching live
// idempotency key returns the existing job; a key collision with a
// materially different request is an ErrIdempotencyConflict.
func (e *Engine) Submit(req SubmitRequest) (Job, error) {
	if req.RequestedUnits < minRequestedUnits || req.RequestedUnits > maxRequestedUnits {
		return Job{}, fmt.Errorf("%w: requested_units %d outside [%d,%d]",
			ErrInvalidArguments, req.RequestedUnits, minRequestedUnits, maxRequestedUnits)
	}
	if req.RequestedUnits > e.cfg.TotalCapacityUnits {
		return Job{}, fmt.Errorf("%w: requested_units %d exceeds total capacity %d",
			ErrInvalidArguments, req.RequestedUnits, e.cfg.TotalCapacityUnits)
	}
	if !ValidPriority(req.Priority) {
		return Job{}, fmt.Errorf("%w: unknown priority %q", ErrInvalidArguments, req.Priority)
	}
	if req.Type == "" {
		req.Type = "generic"
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	e.expireLocked(now)

	if req.IdempotencyKey != "" {
		if existingID, ok := e.store.idempotency[req.IdempotencyKey]; ok {
			if existing, ok := e.store.jobs[existingID]; ok {
				if existing.AddonID != req.AddonID || existing.Type != req.Type ||
					existing.Priority != req.Priority || existing.RequestedUnits != req.RequestedUnits {
					return Job{}, fmt.Errorf("%w: key %q already bound to job %s",
						ErrIdempotencyConflict, req.IdempotencyKey, existingID)
				}
				return *existing, nil
			}
		}
	}

	job := &Job{
		JobID:          clock.NewID(),
		AddonID:        req.AddonID,
		Type:           req.Type,
		Priority:       req.Priority,
		RequestedUnits: req.RequestedUnits,
		Unique:         req.Unique,
		IdempotencyKey: req.IdempotencyKey,
		State:          StateQueued,
		Payload:        req.Payload,
		Tags:           req.Tags,
		MaxRuntimeS:    req.MaxRuntimeS,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.store.jobs[job.JobID] = job
	if job.IdempotencyKey != "" {
		e.store.idempotency[job.IdempotencyKey] = job.JobID
	}
	e.store.enqueue(job)

	submitsTotal.Inc()
	e.updateGaugesLocked()
	e.aud.Log(audit.Event{
		Timestamp: now,
		Type:      audit.EventJobSubmitted,
		Actor:     job.AddonID,
		JobID:     job.JobID,
		Details:   map[string]string{"priority": string(job.Priority)},
	})
	e.recordEventLocked(now, "job", job.JobID, string(audit.EventJobSubmitted))
	return *job, nil
}

// RequestLease is the pull primitive. It either grants the best
// eligible job or returns a structured denial; errors are reserved for
// invalid requests.
func (e *Engine) RequestLease(workerID string, maxUnits int) (*Grant, *Denial, error) {
	if workerID == "" {
		return nil, nil, fmt.Errorf("%w: worker_id required", ErrInvalidArguments)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	e.expireLocked(now)

	busy := capacity.ClampBusy(e.busy())
	usable := capacity.UsableUnits(busy, e.cfg.TotalCapacityUnits, e.cfg.ReserveUnits)
	leased := e.store.leasedUnits()
	available := usable - leased

	if available <= 0 {
		d := e.denyLocked("no_capacity",
			fmt.Sprintf("no_capacity (busy=%d, usable=%d, leased=%d)", busy, usable, leased), busy)
		return nil, d, nil
	}

	limit := available
	if maxUnits > 0 && maxUnits < limit {
		limit = maxUnits
	}

	tooBig := 0
	for _, p := range priorityOrder {
		job := e.store.peekQueued(p)
		if job == nil {
			continue
		}
		// too big: the candidate keeps its place at the head of its
		// class; lower classes may still fit
		if job.RequestedUnits > limit {
			if tooBig == 0 {
				tooBig = job.RequestedUnits
			}
			continue
		}
		if job.Unique && e.store.workerHoldsLease(workerID) {
			continue
		}
		return e.grantLocked(job, workerID, now), nil, nil
	}

	if tooBig > 0 {
		// capacity pressure, not an empty queue: back off proportionally
		d := e.denyLocked("no_capacity",
			fmt.Sprintf("no_capacity (next job needs %d, available=%d, busy=%d)", tooBig, available, busy), busy)
		return nil, d, nil
	}
	d := e.denyLocked("no_eligible_jobs", "no_eligible_jobs", 0)
	return nil, d, nil
}

// grantLocked dequeues the job and issues its lease.
func (e *Engine) grantLocked(job *Job, workerID string, now time.Time) *Grant {
	e.store.dequeueHead(job.Priority)

	lease := &Lease{
		LeaseID:       clock.NewID(),
		JobID:         job.JobID,
		WorkerID:      workerID,
		CapacityUnits: job.RequestedUnits,
		IssuedAt:      now,
		ExpiresAt:     now.Add(e.cfg.LeaseTTL + e.cfg.HeartbeatGrace),
		LastHeartbeat: now,
	}
	e.store.addLease(lease)

	job.State = StateLeased
	job.LeaseID = lease.LeaseID
	leasedAt := now
	job.LeasedAt = &leasedAt
	job.UpdatedAt = now

	if total := e.store.leasedUnits(); total > e.cfg.TotalCapacityUnits {
		panic(fmt.Sprintf("scheduler invariant violated: leased units %d exceed total %d",
			total, e.cfg.TotalCapacityUnits))
	}

	e.logger.Debug().
		Str(log.FieldJobID, job.JobID).
		Str(log.FieldLeaseID, lease.LeaseID).
		Str(log.FieldWorkerID, workerID).
		Int("units", lease.CapacityUnits).
		Msg("lease granted")

	grantsTotal.Inc()
	e.updateGaugesLocked()
	e.aud.Log(audit.Event{
		Timestamp: now,
		Type:      audit.EventLeaseGranted,
		Actor:     workerID,
		JobID:     job.JobID,
		LeaseID:   lease.LeaseID,
		Details:   map[string]string{"units": fmt.Sprintf("%d", lease.CapacityUnits)},
	})
	e.recordJobLocked(job, lease)
	e.recordEventLocked(now, "lease", lease.LeaseID, string(audit.EventLeaseGranted))
	return &Grant{Lease: *lease, Job: *job}
}

func (e *Engine) denyLocked(reason, detail string, busy int) *Denial {
	denialsTotal.WithLabelValues(reason).Inc()
	return &Denial{
		Reason:       detail,
		RetryAfterMS: capacity.RetryAfter(busy, e.cfg.RetryBase, e.rnd).Milliseconds(),
	}
}

// Heartbeat extends a lease. The first successful heartbeat on a
// leased job promotes it to running.
func (e *Engine) Heartbeat(leaseID, workerID string) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	e.expireLocked(now)

	lease, ok := e.store.leases[leaseID]
	if !ok {
		if _, gone := e.store.tombstones[leaseID]; gone {
			return time.Time{}, fmt.Errorf("%w: lease %s", ErrLeaseInactive, leaseID)
		}
		return time.Time{}, fmt.Errorf("%w: lease %s", ErrLeaseNotFound, leaseID)
	}
	if lease.WorkerID != workerID {
		return time.Time{}, fmt.Errorf("%w: lease %s", ErrWorkerMismatch, leaseID)
	}

	lease.LastHeartbeat = now
	lease.ExpiresAt = now.Add(e.cfg.LeaseTTL + e.cfg.HeartbeatGrace)

	if job, ok := e.store.jobs[lease.JobID]; ok {
		if job.State == StateLeased {
			job.State = StateRunning
			startedAt := now
			job.StartedAt = &startedAt
			e.recordJobLocked(job, lease)
		}
		job.UpdatedAt = now
	}
	return lease.ExpiresAt, nil
}

// Complete finalizes a lease. Unknown or already-removed leases return
// nil so late reconfirmations are harmless.
func (e *Engine) Complete(leaseID, workerID, status string, result []byte, jobErr string) error {
	if status != string(StateCompleted) && status != string(StateFailed) {
		return fmt.Errorf("%w: status %q", ErrInvalidArguments, status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	e.expireLocked(now)

	lease, ok := e.store.leases[leaseID]
	if !ok {
		return nil
	}
	if lease.WorkerID != workerID {
		return fmt.Errorf("%w: lease %s", ErrWorkerMismatch, leaseID)
	}

	// remove the lease first, then mutate the job
	e.store.removeLease(lease, "released", now)

	if job, ok := e.store.jobs[lease.JobID]; ok {
		job.State = JobState(status)
		job.UpdatedAt = now
		finishedAt := now
		job.FinishedAt = &finishedAt
		job.Result = result
		job.Error = jobErr
		e.recordJobLocked(job, lease)
	}

	completionsTotal.WithLabelValues(status).Inc()
	e.updateGaugesLocked()
	e.aud.Log(audit.Event{
		Timestamp: now,
		Type:      audit.EventLeaseReleased,
		Actor:     workerID,
		JobID:     lease.JobID,
		LeaseID:   leaseID,
		Details:   map[string]string{"status": status},
	})
	e.recordEventLocked(now, "lease", leaseID, string(audit.EventLeaseReleased))
	return nil
}

// CancelQueued removes a job that has not been leased yet.
func (e *Engine) CancelQueued(jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	e.expireLocked(now)

	job, ok := e.store.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %s", ErrJobNotFound, jobID)
	}
	if job.State != StateQueued {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, jobID, job.State)
	}

	e.store.removeQueued(job)
	if job.IdempotencyKey != "" {
		delete(e.store.idempotency, job.IdempotencyKey)
	}
	delete(e.store.jobs, jobID)

	e.updateGaugesLocked()
	e.aud.Log(audit.Event{
		Timestamp: now,
		Type:      audit.EventJobCancelled,
		JobID:     jobID,
	})
	e.recordEventLocked(now, "job", jobID, string(audit.EventJobCancelled))
	return nil
}

// Snapshot reports the current capacity and queue view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	e.expireLocked(now)

	busy := capacity.ClampBusy(e.busy())
	usable := capacity.UsableUnits(busy, e.cfg.TotalCapacityUnits, e.cfg.ReserveUnits)
	leased := e.store.leasedUnits()
	available := usable - leased
	if available < 0 {
		available = 0
	}
	return Snapshot{
		BusyRating:             busy,
		TotalCapacityUnits:     e.cfg.TotalCapacityUnits,
		UsableCapacityUnits:    usable,
		LeasedCapacityUnits:    leased,
		AvailableCapacityUnits: available,
		QueueDepths:            e.store.queueDepths(),
		ActiveLeases:           len(e.store.leases),
	}
}

// GetJob returns a copy of one job.
func (e *Engine) GetJob(jobID string) (Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job, ok := e.store.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("%w: job %s", ErrJobNotFound, jobID)
	}
	return *job, nil
}

// ListJobs returns jobs newest-first, optionally filtered by state.
func (e *Engine) ListJobs(limit int, state JobState) []Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	jobs := make([]Job, 0, len(e.store.jobs))
	for _, job := range e.store.jobs {
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].JobID < jobs[j].JobID
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// SweepOnce runs one reaper pass: expiry plus terminal-job eviction.
// It returns the number of leases expired.
func (e *Engine) SweepOnce() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()
	n := e.expireLocked(now)
	e.store.evictTerminal(now, e.cfg.JobEvictAge, e.cfg.JobEvictMax)
	e.updateGaugesLocked()
	return n
}

// expireLocked removes leases past expires_at and jobs past their max
// runtime. Runs at the head of every operation so capacity accounting
// is always current.
func (e *Engine) expireLocked(now time.Time) int {
	var doomed []*Lease
	for _, lease := range e.store.leases {
		if !lease.ExpiresAt.After(now) {
			doomed = append(doomed, lease)
			continue
		}
		if job, ok := e.store.jobs[lease.JobID]; ok && job.MaxRuntimeS > 0 {
			if now.Sub(lease.IssuedAt) > time.Duration(job.MaxRuntimeS)*time.Second {
				doomed = append(doomed, lease)
			}
		}
	}
	for _, lease := range doomed {
		e.store.removeLease(lease, "expired", now)
		if job, ok := e.store.jobs[lease.JobID]; ok && (job.State == StateLeased || job.State == StateRunning) {
			job.State = StateExpired
			job.UpdatedAt = now
			finishedAt := now
			job.FinishedAt = &finishedAt
			e.recordJobLocked(job, lease)
		}
		expiredTotal.Inc()
		e.logger.Info().
			Str(log.FieldLeaseID, lease.LeaseID).
			Str(log.FieldJobID, lease.JobID).
			Str(log.FieldWorkerID, lease.WorkerID).
			Msg("lease expired")
		e.aud.Log(audit.Event{
			Timestamp: now,
			Type:      audit.EventLeaseExpired,
			Actor:     lease.WorkerID,
			JobID:     lease.JobID,
			LeaseID:   lease.LeaseID,
		})
		e.recordEventLocked(now, "lease", lease.LeaseID, string(audit.EventLeaseExpired))
	}
	if len(doomed) > 0 {
		e.updateGaugesLocked()
	}
	return len(doomed)
}

func (e *Engine) recordJobLocked(job *Job, lease *Lease) {
	if e.rec == nil {
		return
	}
	rec := JobRecord{
		JobID:          job.JobID,
		AddonID:        job.AddonID,
		Type:           job.Type,
		Priority:       string(job.Priority),
		RequestedUnits: job.RequestedUnits,
		Unique:         job.Unique,
		State:          string(job.State),
		Payload:        job.Payload,
		Tags:           job.Tags,
		IdempotencyKey: job.IdempotencyKey,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
		LeasedAt:       job.LeasedAt,
		StartedAt:      job.StartedAt,
		FinishedAt:     job.FinishedAt,
		Error:          job.Error,
		Result:         job.Result,
	}
	if lease != nil {
		rec.LeaseID = lease.LeaseID
		rec.WorkerID = lease.WorkerID
	}
	e.rec.RecordJob(rec)
}

func (e *Engine) recordEventLocked(now time.Time, kind, id, eventType string) {
	if e.rec == nil {
		return
	}
	e.rec.RecordEvent(EventRecord{TS: now, EntityKind: kind, EntityID: id, Type: eventType})
}

func (e *Engine) updateGaugesLocked() {
	leasedUnitsGauge.Set(float64(e.store.leasedUnits()))
	activeLeasesGauge.Set(float64(len(e.store.leases)))
	for p, n := range e.store.queueDepths() {
		queueDepthGauge.WithLabelValues(p).Set(float64(n))
	}
}
