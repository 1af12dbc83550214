// SPDX-License-Identifier: MIT

package scheduler

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/coresched/internal/clock"
)

type testRig struct {
	engine *Engine
	clk    *clock.MockClock
	busy   float64
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	if cfg.TotalCapacityUnits == 0 {
		cfg.TotalCapacityUnits = 100
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	rig := &testRig{clk: clock.NewMockClock(time.Unix(1_700_000_000, 0))}
	rig.engine = New(cfg, rig.clk, func() float64 { return rig.busy },
		WithRand(rand.New(rand.NewSource(42))))
	return rig
}

func (r *testRig) submit(t *testing.T, units int, priority Priority) Job {
	t.Helper()
	job, err := r.engine.Submit(SubmitRequest{
		AddonID:        "addon-a",
		Type:           "work",
		Priority:       priority,
		RequestedUnits: units,
	})
	require.NoError(t, err)
	return job
}

func (r *testRig) lease(t *testing.T, worker string) *Grant {
	t.Helper()
	grant, denial, err := r.engine.RequestLease(worker, 0)
	require.NoError(t, err)
	require.Nil(t, denial, "expected a grant, got denial: %+v", denial)
	require.NotNil(t, grant)
	return grant
}

func TestSubmit_Validation(t *testing.T) {
	rig := newTestRig(t, Config{})

	_, err := rig.engine.Submit(SubmitRequest{Priority: PriorityNormal, RequestedUnits: 0})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = rig.engine.Submit(SubmitRequest{Priority: PriorityNormal, RequestedUnits: 101})
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = rig.engine.Submit(SubmitRequest{Priority: "urgent", RequestedUnits: 10})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestSubmit_UnitsAboveTotalRejected(t *testing.T) {
	rig := newTestRig(t, Config{TotalCapacityUnits: 50})
	_, err := rig.engine.Submit(SubmitRequest{Priority: PriorityNormal, RequestedUnits: 60})
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestSubmit_IdempotencyReturnsExistingJob(t *testing.T) {
	rig := newTestRig(t, Config{})
	req := SubmitRequest{
		AddonID: "addon-a", Type: "work",
		Priority: PriorityNormal, RequestedUnits: 10, IdempotencyKey: "k1",
	}
	first, err := rig.engine.Submit(req)
	require.NoError(t, err)
	second, err := rig.engine.Submit(req)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, 1, rig.engine.Snapshot().QueueDepths["normal"])
}

func TestSubmit_IdempotencyConflict(t *testing.T) {
	rig := newTestRig(t, Config{})
	req := SubmitRequest{Priority: PriorityNormal, RequestedUnits: 10, IdempotencyKey: "k1"}
	_, err := rig.engine.Submit(req)
	require.NoError(t, err)

	req.RequestedUnits = 20
	_, err = rig.engine.Submit(req)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestRequestLease_CapacityDeny(t *testing.T) {
	rig := newTestRig(t, Config{TotalCapacityUnits: 100, RetryBase: 375 * time.Millisecond})
	rig.busy = 5 // usable = 50

	for i := 0; i < 3; i++ {
		rig.submit(t, 20, PriorityNormal)
	}

	rig.lease(t, "w1")
	rig.lease(t, "w2")

	// third job needs 20 but only 10 remain under the usable cap
	grant, denial, err := rig.engine.RequestLease("w3", 0)
	require.NoError(t, err)
	require.Nil(t, grant)
	require.NotNil(t, denial)
	assert.Contains(t, denial.Reason, "no_capacity")

	// busy=5 backoff centers on 1500ms
	assert.InDelta(t, 1500, float64(denial.RetryAfterMS), 1500*0.15)

	snap := rig.engine.Snapshot()
	assert.Equal(t, 40, snap.LeasedCapacityUnits)
	assert.Equal(t, 50, snap.UsableCapacityUnits)
}

func TestRequestLease_PriorityOrder(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityLow)
	high := rig.submit(t, 10, PriorityHigh)

	grant := rig.lease(t, "w1")
	assert.Equal(t, high.JobID, grant.Job.JobID)
}

func TestRequestLease_FIFOWithinClass(t *testing.T) {
	rig := newTestRig(t, Config{})
	first := rig.submit(t, 10, PriorityNormal)
	rig.clk.Advance(time.Second)
	rig.submit(t, 10, PriorityNormal)

	grant := rig.lease(t, "w1")
	assert.Equal(t, first.JobID, grant.Job.JobID)
}

func TestRequestLease_SkipTooBigKeepsFront(t *testing.T) {
	rig := newTestRig(t, Config{TotalCapacityUnits: 100})
	rig.busy = 5 // usable = 50
	big := rig.submit(t, 80, PriorityHigh)
	small := rig.submit(t, 10, PriorityNormal)

	// the high candidate does not fit; the normal class is next
	grant := rig.lease(t, "w1")
	assert.Equal(t, small.JobID, grant.Job.JobID)

	// pressure gone: the skipped candidate is still at the front
	rig.busy = 0
	grant = rig.lease(t, "w2")
	assert.Equal(t, big.JobID, grant.Job.JobID)
}

func TestRequestLease_MaxUnitsCap(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 30, PriorityNormal)

	_, denial, err := rig.engine.RequestLease("w1", 10)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.Contains(t, denial.Reason, "no_capacity")
}

func TestRequestLease_UniquePerWorker(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityNormal)
	grantA := rig.lease(t, "W")

	unique, err := rig.engine.Submit(SubmitRequest{
		Priority: PriorityNormal, RequestedUnits: 10, Unique: true,
	})
	require.NoError(t, err)

	// W already holds a lease, so the unique job is not eligible for it
	_, denial, err := rig.engine.RequestLease("W", 0)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.Contains(t, denial.Reason, "no_eligible_jobs")

	// a second worker takes it
	grantB := rig.lease(t, "W2")
	assert.Equal(t, unique.JobID, grantB.Job.JobID)
	assert.NotEqual(t, grantA.Lease.LeaseID, grantB.Lease.LeaseID)
}

func TestRequestLease_EmptyQueues(t *testing.T) {
	rig := newTestRig(t, Config{})
	_, denial, err := rig.engine.RequestLease("w1", 0)
	require.NoError(t, err)
	require.NotNil(t, denial)
	assert.Equal(t, "no_eligible_jobs", denial.Reason)
	assert.Greater(t, denial.RetryAfterMS, int64(0))
}

func TestRequestLease_InvalidWorker(t *testing.T) {
	rig := newTestRig(t, Config{})
	_, _, err := rig.engine.RequestLease("", 0)
	assert.ErrorIs(t, err, ErrInvalidArguments)
}

func TestHeartbeat_PromotesToRunningOnce(t *testing.T) {
	rig := newTestRig(t, Config{LeaseTTL: 30 * time.Second, HeartbeatGrace: 5 * time.Second})
	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")
	assert.Equal(t, StateLeased, grant.Job.State)

	rig.clk.Advance(2 * time.Second)
	expires, err := rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
	require.NoError(t, err)
	assert.Equal(t, rig.clk.Now().Add(35*time.Second), expires)

	job, err := rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)
	require.NotNil(t, job.StartedAt)
	firstStart := *job.StartedAt

	rig.clk.Advance(2 * time.Second)
	_, err = rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
	require.NoError(t, err)
	job, err = rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)
	assert.Equal(t, firstStart, *job.StartedAt, "started_at must not move on later heartbeats")
}

func TestHeartbeat_Errors(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")

	_, err := rig.engine.Heartbeat("nope", "w1")
	assert.ErrorIs(t, err, ErrLeaseNotFound)

	_, err = rig.engine.Heartbeat(grant.Lease.LeaseID, "w2")
	assert.ErrorIs(t, err, ErrWorkerMismatch)
}

func TestComplete_RoundTrip(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 20, PriorityNormal)
	grant := rig.lease(t, "w1")
	_, err := rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
	require.NoError(t, err)

	err = rig.engine.Complete(grant.Lease.LeaseID, "w1", "completed", []byte(`{"n":1}`), "")
	require.NoError(t, err)

	job, err := rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	assert.JSONEq(t, `{"n":1}`, string(job.Result))
	require.NotNil(t, job.FinishedAt)

	snap := rig.engine.Snapshot()
	assert.Equal(t, 0, snap.LeasedCapacityUnits)
	assert.Equal(t, 0, snap.ActiveLeases)
}

func TestComplete_Idempotent(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")

	require.NoError(t, rig.engine.Complete(grant.Lease.LeaseID, "w1", "completed", nil, ""))
	// late reconfirmation of a removed lease is ok
	require.NoError(t, rig.engine.Complete(grant.Lease.LeaseID, "w1", "completed", nil, ""))
	// even a totally unknown lease is ok
	require.NoError(t, rig.engine.Complete("never-existed", "w1", "completed", nil, ""))

	job, err := rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
}

func TestComplete_Failed(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")

	require.NoError(t, rig.engine.Complete(grant.Lease.LeaseID, "w1", "failed", nil, "disk full"))
	job, err := rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, job.State)
	assert.Equal(t, "disk full", job.Error)
}

func TestComplete_Errors(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")

	err := rig.engine.Complete(grant.Lease.LeaseID, "w1", "exploded", nil, "")
	assert.ErrorIs(t, err, ErrInvalidArguments)

	err = rig.engine.Complete(grant.Lease.LeaseID, "w2", "completed", nil, "")
	assert.ErrorIs(t, err, ErrWorkerMismatch)
}

func TestReaper_ExpiresSilentLease(t *testing.T) {
	rig := newTestRig(t, Config{LeaseTTL: 30 * time.Second, HeartbeatGrace: 5 * time.Second})
	rig.submit(t, 20, PriorityNormal)
	grant := rig.lease(t, "w1")

	rig.clk.Advance(36 * time.Second)
	n := rig.engine.SweepOnce()
	assert.Equal(t, 1, n)

	job, err := rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, job.State)

	snap := rig.engine.Snapshot()
	assert.Equal(t, 0, snap.LeasedCapacityUnits)
	assert.Equal(t, 0, snap.ActiveLeases)

	// the lease cannot come back
	_, err = rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
	assert.ErrorIs(t, err, ErrLeaseInactive)
	assert.NoError(t, rig.engine.Complete(grant.Lease.LeaseID, "w1", "completed", nil, ""))
	job, err = rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, job.State, "no resurrection after expiry")
}

func TestMaxRuntimeExpiry(t *testing.T) {
	rig := newTestRig(t, Config{LeaseTTL: 30 * time.Second})
	_, err := rig.engine.Submit(SubmitRequest{
		Priority: PriorityNormal, RequestedUnits: 10, MaxRuntimeS: 10,
	})
	require.NoError(t, err)
	grant := rig.lease(t, "w1")

	// heartbeats keep the lease alive but not past max runtime
	for i := 0; i < 5; i++ {
		rig.clk.Advance(2 * time.Second)
		_, err := rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
		require.NoError(t, err)
	}
	rig.clk.Advance(time.Second + time.Millisecond)
	_, err = rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
	assert.ErrorIs(t, err, ErrLeaseInactive)

	job, err := rig.engine.GetJob(grant.Job.JobID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, job.State)
}

func TestFailClosed_NoMetrics(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.busy = 10 // sampler has nothing, fail-closed value
	rig.submit(t, 1, PriorityHigh)

	grant, denial, err := rig.engine.RequestLease("w1", 0)
	require.NoError(t, err)
	assert.Nil(t, grant)
	require.NotNil(t, denial)
	assert.Contains(t, denial.Reason, "no_capacity")
	assert.Equal(t, 0, rig.engine.Snapshot().UsableCapacityUnits)
}

func TestCancelQueued(t *testing.T) {
	rig := newTestRig(t, Config{})
	job, err := rig.engine.Submit(SubmitRequest{
		Priority: PriorityNormal, RequestedUnits: 10, IdempotencyKey: "k1",
	})
	require.NoError(t, err)

	require.NoError(t, rig.engine.CancelQueued(job.JobID))
	_, err = rig.engine.GetJob(job.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, 0, rig.engine.Snapshot().QueueDepths["normal"])

	// the key is free again
	again, err := rig.engine.Submit(SubmitRequest{
		Priority: PriorityNormal, RequestedUnits: 10, IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.NotEqual(t, job.JobID, again.JobID)
}

func TestCancelQueued_Errors(t *testing.T) {
	rig := newTestRig(t, Config{})
	assert.ErrorIs(t, rig.engine.CancelQueued("nope"), ErrJobNotFound)

	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")
	assert.ErrorIs(t, rig.engine.CancelQueued(grant.Job.JobID), ErrNotCancellable)
}

func TestLeasedJobNotInQueue(t *testing.T) {
	rig := newTestRig(t, Config{})
	rig.submit(t, 10, PriorityNormal)
	rig.lease(t, "w1")

	snap := rig.engine.Snapshot()
	for class, depth := range snap.QueueDepths {
		assert.Zero(t, depth, "class %s", class)
	}
}

func TestLeasedUnitsNeverExceedTotal(t *testing.T) {
	rig := newTestRig(t, Config{TotalCapacityUnits: 100})
	for i := 0; i < 20; i++ {
		rig.submit(t, 30, PriorityNormal)
	}
	granted := 0
	for i := 0; i < 20; i++ {
		grant, _, err := rig.engine.RequestLease("w", 0)
		require.NoError(t, err)
		if grant == nil {
			break
		}
		granted++
	}
	assert.Equal(t, 3, granted) // 3 * 30 = 90, a fourth would exceed 100
	assert.LessOrEqual(t, rig.engine.Snapshot().LeasedCapacityUnits, 100)
}

func TestTerminalJobEviction(t *testing.T) {
	rig := newTestRig(t, Config{JobEvictAge: time.Hour, JobEvictMax: 5000})
	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")
	require.NoError(t, rig.engine.Complete(grant.Lease.LeaseID, "w1", "completed", nil, ""))

	rig.clk.Advance(61 * time.Minute)
	rig.engine.SweepOnce()

	_, err := rig.engine.GetJob(grant.Job.JobID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListJobs_NewestFirstAndFiltered(t *testing.T) {
	rig := newTestRig(t, Config{})
	a := rig.submit(t, 10, PriorityNormal)
	rig.clk.Advance(time.Second)
	b := rig.submit(t, 10, PriorityNormal)

	jobs := rig.engine.ListJobs(10, "")
	require.Len(t, jobs, 2)
	assert.Equal(t, b.JobID, jobs[0].JobID)
	assert.Equal(t, a.JobID, jobs[1].JobID)

	rig.lease(t, "w1")
	queued := rig.engine.ListJobs(10, StateQueued)
	require.Len(t, queued, 1)
	assert.Equal(t, b.JobID, queued[0].JobID)

	assert.Len(t, rig.engine.ListJobs(1, ""), 1)
}

func TestRecorder_ReceivesLifecycleRecords(t *testing.T) {
	rec := &captureRecorder{}
	rig := newTestRig(t, Config{})
	rig.engine.rec = rec

	rig.submit(t, 10, PriorityNormal)
	grant := rig.lease(t, "w1")
	_, err := rig.engine.Heartbeat(grant.Lease.LeaseID, "w1")
	require.NoError(t, err)
	require.NoError(t, rig.engine.Complete(grant.Lease.LeaseID, "w1", "completed", nil, ""))

	// leased, running, completed projections in order
	require.Len(t, rec.jobs, 3)
	assert.Equal(t, "leased", rec.jobs[0].State)
	assert.Equal(t, "running", rec.jobs[1].State)
	assert.Equal(t, "completed", rec.jobs[2].State)
	assert.Equal(t, "w1", rec.jobs[2].WorkerID)

	var types []string
	for _, ev := range rec.events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"JOB_SUBMITTED", "LEASE_GRANTED", "LEASE_RELEASED"}, types)
}

type captureRecorder struct {
	jobs   []JobRecord
	events []EventRecord
}

func (c *captureRecorder) RecordJob(rec JobRecord)    { c.jobs = append(c.jobs, rec) }
func (c *captureRecorder) RecordEvent(ev EventRecord) { c.events = append(c.events, ev) }

func TestErrorKindsAreDistinct(t *testing.T) {
	kinds := []error{
		ErrInvalidArguments, ErrIdempotencyConflict, ErrJobNotFound,
		ErrNotCancellable, ErrLeaseNotFound, ErrWorkerMismatch,
		ErrLeaseInactive, ErrStorage,
	}
	for i, a := range kinds {
		for j, b := range kinds {
			if i != j {
				assert.False(t, errors.Is(a, b))
			}
		}
	}
}
