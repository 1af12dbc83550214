// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/coresched/internal/audit"
	"github.com/ManuGH/coresched/internal/settings"
)

// handleStatsCurrent serves the cached sampler snapshot. A request
// never triggers a collection; before the first sample lands this is
// a 503 so callers can tell "not ready" from "quiet".
func (s *Server) handleStatsCurrent(w http.ResponseWriter, r *http.Request) {
	snap := s.sampler.Latest()
	if snap == nil {
		writeEnvelope(w, http.StatusServiceUnavailable, "no sample collected yet", "not_ready")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}

	stats, err := s.history.Stats(days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistoryCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.HistoryRetentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}

	deleted, err := s.history.Cleanup(days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.aud.Log(audit.Event{
		Type:  audit.EventHistoryCleanup,
		Actor: "api",
		Details: map[string]string{
			"days":    strconv.Itoa(days),
			"deleted": strconv.FormatInt(deleted, 10),
		},
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.GetAll()
	if err != nil {
		writeError(w, r, err)
		return
	}
	// empty list, not null
	if all == nil {
		all = []settings.Setting{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": all})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	setting, err := s.settings.Get(key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeBadRequest(w, "cannot read body")
		return
	}
	if !json.Valid(body) {
		writeBadRequest(w, "body must be valid JSON")
		return
	}

	setting, err := s.settings.Set(key, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.aud.Log(audit.Event{
		Type:    audit.EventSettingsUpdated,
		Actor:   "api",
		Details: map[string]string{"key": key},
	})
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handleSettingsDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.settings.Delete(key); err != nil {
		writeError(w, r, err)
		return
	}
	s.aud.Log(audit.Event{
		Type:    audit.EventSettingsDeleted,
		Actor:   "api",
		Details: map[string]string{"key": key},
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": key})
}
