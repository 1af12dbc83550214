// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldJobID     = "job_id"
	FieldLeaseID   = "lease_id"
	FieldWorkerID  = "worker_id"
	FieldAddonID   = "addon_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Capacity fields
	FieldBusy      = "busy"
	FieldUsable    = "usable_units"
	FieldLeased    = "leased_units"
	FieldAvailable = "available_units"
)
