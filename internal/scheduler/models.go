// SPDX-License-Identifier: MIT

// Package scheduler implements the capacity-aware pull scheduler: job
// submission, lease grants, heartbeats, completion, and expiry.
package scheduler

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateLeased    JobState = "leased"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateExpired   JobState = "expired"
)

// Terminal reports whether the state has no outgoing transitions.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	}
	return false
}

// Priority is the dispatch class of a job. Classes are strictly
// ordered: high before normal before low before background.
type Priority string

const (
	PriorityHigh       Priority = "high"
	PriorityNormal     Priority = "normal"
	PriorityLow        Priority = "low"
	PriorityBackground Priority = "background"
)

// priorityOrder is the scan order for lease dispatch.
var priorityOrder = [...]Priority{PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

// ValidPriority reports whether p names a known class.
func ValidPriority(p Priority) bool {
	for _, known := range priorityOrder {
		if p == known {
			return true
		}
	}
	return false
}

// Job is one unit of intended work. Payload and Result are opaque to
// the scheduler.
type Job struct {
	JobID          string          `json:"job_id"`
	AddonID        string          `json:"addon_id"`
	Type           string          `json:"type"`
	Priority       Priority        `json:"priority"`
	RequestedUnits int             `json:"requested_units"`
	Unique         bool            `json:"unique"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	State          JobState        `json:"state"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	MaxRuntimeS    int             `json:"max_runtime_s,omitempty"`
	LeaseID        string          `json:"lease_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LeasedAt       *time.Time      `json:"leased_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Lease is a time-bounded permission to execute exactly one job.
type Lease struct {
	LeaseID       string    `json:"lease_id"`
	JobID         string    `json:"job_id"`
	WorkerID      string    `json:"worker_id"`
	CapacityUnits int       `json:"capacity_units"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// SubmitRequest carries the caller-supplied job intent.
type SubmitRequest struct {
	AddonID        string
	Type           string
	Priority       Priority
	RequestedUnits int
	Unique         bool
	Payload        json.RawMessage
	IdempotencyKey string
	Tags           []string
	MaxRuntimeS    int
}

// Grant is a successful lease request.
type Grant struct {
	Lease Lease `json:"lease"`
	Job   Job   `json:"job"`
}

// Denial is an expected, structured refusal of a lease request.
type Denial struct {
	Reason       string `json:"reason"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

// Snapshot is the scheduler status view.
type Snapshot struct {
	BusyRating             int            `json:"busy_rating"`
	TotalCapacityUnits     int            `json:"total_capacity_units"`
	UsableCapacityUnits    int            `json:"usable_capacity_units"`
	LeasedCapacityUnits    int            `json:"leased_capacity_units"`
	AvailableCapacityUnits int            `json:"available_capacity_units"`
	QueueDepths            map[string]int `json:"queue_depths"`
	ActiveLeases           int            `json:"active_leases"`
}

// JobRecord is the denormalized history projection handed to the
// history writer. The scheduler never blocks on it.
type JobRecord struct {
	JobID          string
	AddonID        string
	Type           string
	Priority       string
	RequestedUnits int
	Unique         bool
	State          string
	Payload        json.RawMessage
	Tags           []string
	IdempotencyKey string
	LeaseID        string
	WorkerID       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LeasedAt       *time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Error          string
	Result         json.RawMessage
}

// EventRecord is one append-only row for the job_events table.
type EventRecord struct {
	TS         time.Time
	EntityKind string
	EntityID   string
	Type       string
	Data       json.RawMessage
}

// Recorder receives history records. Implementations must not block;
// the scheduler calls these under its lock.
type Recorder interface {
	RecordJob(rec JobRecord)
	RecordEvent(ev EventRecord)
}
