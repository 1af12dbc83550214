// SPDX-License-Identifier: MIT

package scheduler

import "errors"

// The finite error kinds the scheduler recognizes. Admission refusals
// (no capacity, no eligible jobs) are Denial values, not errors.
// ErrStorage never propagates through an operation; the history writer
// wraps it into its health signal after retries are exhausted.
var (
	ErrInvalidArguments    = errors.New("invalid_arguments")
	ErrIdempotencyConflict = errors.New("idempotency_conflict")
	ErrJobNotFound         = errors.New("job_not_found")
	ErrNotCancellable      = errors.New("not_cancellable")
	ErrLeaseNotFound       = errors.New("lease_not_found")
	ErrWorkerMismatch      = errors.New("worker_mismatch")
	ErrLeaseInactive       = errors.New("lease_inactive")
	ErrStorage             = errors.New("storage_error")
)
