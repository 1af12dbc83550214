// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/coresched/internal/scheduler"
)

// submitRequest is the wire shape of a job submission.
type submitRequest struct {
	AddonID        string          `json:"addon_id"`
	Type           string          `json:"type"`
	Priority       string          `json:"priority"`
	RequestedUnits int             `json:"requested_units"`
	Unique         bool            `json:"unique"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	MaxRuntimeS    int             `json:"max_runtime_s,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Priority == "" {
		req.Priority = string(scheduler.PriorityNormal)
	}

	job, err := s.engine.Submit(scheduler.SubmitRequest{
		AddonID:        req.AddonID,
		Type:           req.Type,
		Priority:       scheduler.Priority(req.Priority),
		RequestedUnits: req.RequestedUnits,
		Unique:         req.Unique,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Tags:           req.Tags,
		MaxRuntimeS:    req.MaxRuntimeS,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// leaseRequest is the wire shape of a worker's pull.
type leaseRequest struct {
	WorkerID string `json:"worker_id"`
	MaxUnits int    `json:"max_units,omitempty"`
}

// denialResponse is the structured refusal. Refusals are expected
// outcomes and travel as 200, not as errors.
type denialResponse struct {
	Denied       bool   `json:"denied"`
	Reason       string `json:"reason"`
	RetryAfterMS int64  `json:"retry_after_ms"`
}

func (s *Server) handleRequestLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	grant, denial, err := s.engine.RequestLease(req.WorkerID, req.MaxUnits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if denial != nil {
		writeJSON(w, http.StatusOK, denialResponse{
			Denied:       true,
			Reason:       denial.Reason,
			RetryAfterMS: denial.RetryAfterMS,
		})
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "lease_id")

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	expiresAt, err := s.engine.Heartbeat(leaseID, req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"lease_id":   leaseID,
		"expires_at": expiresAt,
	})
}

type completeRequest struct {
	WorkerID string          `json:"worker_id"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "lease_id")

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.engine.Complete(leaseID, req.WorkerID, req.Status, req.Result, req.Error); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	state := scheduler.JobState(r.URL.Query().Get("state"))

	jobs := s.engine.ListJobs(limit, state)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	if err := s.engine.CancelQueued(jobID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    jobID,
		"cancelled": true,
	})
}
