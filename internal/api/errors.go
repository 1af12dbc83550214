// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/coresched/internal/log"
	"github.com/ManuGH/coresched/internal/scheduler"
	"github.com/ManuGH/coresched/internal/settings"
)

// errorEnvelope is the single error response shape.
type errorEnvelope struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEnvelope(w http.ResponseWriter, status int, detail, code string) {
	writeJSON(w, status, errorEnvelope{Detail: detail, Code: code})
}

// writeError maps core error kinds onto HTTP status codes. Only this
// adapter knows about status codes; the core deals in error kinds.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, scheduler.ErrInvalidArguments):
		status, code = http.StatusBadRequest, "invalid_arguments"
	case errors.Is(err, scheduler.ErrJobNotFound):
		status, code = http.StatusNotFound, "job_not_found"
	case errors.Is(err, scheduler.ErrLeaseNotFound):
		status, code = http.StatusNotFound, "lease_not_found"
	case errors.Is(err, settings.ErrNotFound):
		status, code = http.StatusNotFound, "setting_not_found"
	case errors.Is(err, scheduler.ErrWorkerMismatch):
		status, code = http.StatusForbidden, "worker_mismatch"
	case errors.Is(err, scheduler.ErrLeaseInactive):
		status, code = http.StatusConflict, "lease_inactive"
	case errors.Is(err, scheduler.ErrIdempotencyConflict):
		status, code = http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, scheduler.ErrNotCancellable):
		status, code = http.StatusConflict, "not_cancellable"
	default:
		status, code = http.StatusInternalServerError, "internal_error"
		logger := log.WithComponentFromContext(r.Context(), "http")
		logger.Error().Err(err).
			Str("event", "http.internal_error").
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	writeEnvelope(w, status, err.Error(), code)
}

// writeBadRequest rejects malformed input before it reaches the core.
func writeBadRequest(w http.ResponseWriter, detail string) {
	writeEnvelope(w, http.StatusBadRequest, detail, "invalid_arguments")
}
