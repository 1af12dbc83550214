// SPDX-License-Identifier: MIT

package scheduler

import (
	"sort"
	"time"
)

// tombstone remembers how a removed lease ended so late heartbeats can
// be answered precisely (inactive vs never existed).
type tombstone struct {
	state string // "released" or "expired"
	at    time.Time
}

// jobStore holds all in-memory scheduler state. It is not safe for
// concurrent use; the engine serializes access through its mutex.
type jobStore struct {
	jobs         map[string]*Job
	idempotency  map[string]string // idempotency_key -> job_id
	queues       map[Priority][]string
	leases       map[string]*Lease
	workerLeases map[string]map[string]struct{} // worker_id -> lease_ids
	tombstones   map[string]tombstone           // lease_id -> how it ended
}

func newJobStore() *jobStore {
	queues := make(map[Priority][]string, len(priorityOrder))
	for _, p := range priorityOrder {
		queues[p] = nil
	}
	return &jobStore{
		jobs:         make(map[string]*Job),
		idempotency:  make(map[string]string),
		queues:       queues,
		leases:       make(map[string]*Lease),
		workerLeases: make(map[string]map[string]struct{}),
		tombstones:   make(map[string]tombstone),
	}
}

// enqueue appends the job to the tail of its priority queue.
func (s *jobStore) enqueue(job *Job) {
	s.queues[job.Priority] = append(s.queues[job.Priority], job.JobID)
}

// peekQueued returns the oldest still-queued job of the class, dropping
// stale entries (cancelled or otherwise no longer queued) from the head.
func (s *jobStore) peekQueued(p Priority) *Job {
	q := s.queues[p]
	for len(q) > 0 {
		job, ok := s.jobs[q[0]]
		if ok && job.State == StateQueued {
			s.queues[p] = q
			return job
		}
		q = q[1:]
	}
	s.queues[p] = q
	return nil
}

// dequeueHead removes the head of the class queue. Callers peek first.
func (s *jobStore) dequeueHead(p Priority) {
	if q := s.queues[p]; len(q) > 0 {
		s.queues[p] = q[1:]
	}
}

// removeQueued deletes one job id from its class queue.
func (s *jobStore) removeQueued(job *Job) {
	q := s.queues[job.Priority]
	for i, id := range q {
		if id == job.JobID {
			s.queues[job.Priority] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// queueDepths counts live queued jobs per class.
func (s *jobStore) queueDepths() map[string]int {
	depths := make(map[string]int, len(priorityOrder))
	for _, p := range priorityOrder {
		n := 0
		for _, id := range s.queues[p] {
			if job, ok := s.jobs[id]; ok && job.State == StateQueued {
				n++
			}
		}
		depths[string(p)] = n
	}
	return depths
}

// addLease indexes a new lease.
func (s *jobStore) addLease(l *Lease) {
	s.leases[l.LeaseID] = l
	set, ok := s.workerLeases[l.WorkerID]
	if !ok {
		set = make(map[string]struct{})
		s.workerLeases[l.WorkerID] = set
	}
	set[l.LeaseID] = struct{}{}
}

// removeLease drops a lease from all indexes and leaves a tombstone.
func (s *jobStore) removeLease(l *Lease, state string, now time.Time) {
	delete(s.leases, l.LeaseID)
	if set, ok := s.workerLeases[l.WorkerID]; ok {
		delete(set, l.LeaseID)
		if len(set) == 0 {
			delete(s.workerLeases, l.WorkerID)
		}
	}
	s.tombstones[l.LeaseID] = tombstone{state: state, at: now}
}

// workerHoldsLease reports whether the worker has any active lease.
func (s *jobStore) workerHoldsLease(workerID string) bool {
	return len(s.workerLeases[workerID]) > 0
}

// leasedUnits sums capacity units over all active leases.
func (s *jobStore) leasedUnits() int {
	total := 0
	for _, l := range s.leases {
		total += l.CapacityUnits
	}
	return total
}

// evictTerminal drops terminal jobs older than maxAge and, beyond
// maxCount, the oldest ones. Their idempotency keys and lease
// tombstones are released with them.
func (s *jobStore) evictTerminal(now time.Time, maxAge time.Duration, maxCount int) int {
	type aged struct {
		id string
		at time.Time
	}
	var terminal []aged
	for id, job := range s.jobs {
		if !job.State.Terminal() {
			continue
		}
		at := job.UpdatedAt
		if job.FinishedAt != nil {
			at = *job.FinishedAt
		}
		terminal = append(terminal, aged{id: id, at: at})
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].at.Before(terminal[j].at) })

	evicted := 0
	keep := len(terminal)
	for _, t := range terminal {
		tooOld := maxAge > 0 && now.Sub(t.at) > maxAge
		overCap := maxCount > 0 && keep > maxCount
		if !tooOld && !overCap {
			break
		}
		s.evictJob(t.id)
		keep--
		evicted++
	}

	// tombstones age out alongside terminal jobs
	for id, t := range s.tombstones {
		if maxAge > 0 && now.Sub(t.at) > maxAge {
			delete(s.tombstones, id)
		}
	}
	return evicted
}

func (s *jobStore) evictJob(id string) {
	job, ok := s.jobs[id]
	if !ok {
		return
	}
	if job.IdempotencyKey != "" && s.idempotency[job.IdempotencyKey] == id {
		delete(s.idempotency, job.IdempotencyKey)
	}
	if job.LeaseID != "" {
		delete(s.tombstones, job.LeaseID)
	}
	delete(s.jobs, id)
}
