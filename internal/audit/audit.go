// SPDX-License-Identifier: MIT

// Package audit provides structured audit logging for scheduler state
// changes. It follows the WHO/WHAT/WHEN pattern: every event names the
// actor, the entity, and the outcome.
package audit

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/coresched/internal/log"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Job lifecycle events
	EventJobSubmitted EventType = "JOB_SUBMITTED"
	EventJobCancelled EventType = "JOB_CANCELLED"

	// Lease lifecycle events
	EventLeaseGranted  EventType = "LEASE_GRANTED"
	EventLeaseReleased EventType = "LEASE_RELEASED"
	EventLeaseExpired  EventType = "LEASE_EXPIRED"

	// Administration events
	EventSettingsUpdated EventType = "SETTINGS_UPDATED"
	EventSettingsDeleted EventType = "SETTINGS_DELETED"
	EventHistoryCleanup  EventType = "HISTORY_CLEANUP"
)

// Event is one structured audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	Actor     string            `json:"actor"` // WHO: worker ID, client, or "system"
	JobID     string            `json:"job_id,omitempty"`
	LeaseID   string            `json:"lease_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger writes audit events through the structured log.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger with a dedicated "audit" component.
func NewLogger() *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()
	return &Logger{logger: auditLogger}
}

// Log writes one audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor)

	if event.JobID != "" {
		logEvent = logEvent.Str(log.FieldJobID, event.JobID)
	}
	if event.LeaseID != "" {
		logEvent = logEvent.Str(log.FieldLeaseID, event.LeaseID)
	}
	for key, value := range event.Details {
		logEvent = logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}
