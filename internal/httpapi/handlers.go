// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"net/http"
	"strconv"

	"github.com/kraklabs/cie/internal/store"
)

// handleListJobs serves GET /api/jobs with the filters §6 lists:
// project, branch, status, dry_run, limit, offset.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{
		Project: q.Get("project"),
		Branch:  q.Get("branch"),
		Status:  q.Get("status"),
	}

	if raw := q.Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "dry_run must be true or false")
			return
		}
		filter.DryRun = &v
	}
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = v
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeJSONError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = v
	}

	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleGetJob serves GET /api/jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobLogs serves GET /api/jobs/{id}/logs: the step sequence for a
// job, ordered per §5's ordering guarantee.
func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.deps.Store.GetJob(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	steps, err := s.deps.Store.ListSteps(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// handleProjects serves GET /api/projects: per-project rollups.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.deps.Store.ListProjectSummaries(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": summaries})
}

// handleStats serves GET /api/stats: global counts, dry-runs excluded
// from the success rate per §6/§8 scenario 6.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleStatus serves GET /api/status: server liveness plus a short tail
// of recent jobs, for a quick "is anything stuck" glance.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := s.deps.Store.ListJobs(r.Context(), store.JobFilter{Limit: 10})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	draining := false
	if s.deps.Draining != nil {
		draining = s.deps.Draining()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"draining":    draining,
		"recent_jobs": recent,
	})
}

// handleConfigCurrent serves GET /api/config/current: the raw TOML text
// of the active snapshot, plus its source path.
func (s *Server) handleConfigCurrent(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Config.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      snap.Path,
		"raw":       snap.Raw,
		"loaded_at": snap.LoadedAt,
		"reason":    snap.Reason,
	})
}

// handleReload serves POST /api/reload and /reload: triggers a
// configuration reload, waiting for the gate per §4.6, and reports
// success or a parse error — never an HTTP error status, per §6's table.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Config.Reload(); err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "error", "message": err.Error()})
		return
	}
	if raw := s.deps.Config.Current().Raw; raw != "" {
		_ = s.deps.Store.InsertConfigSnapshot(r.Context(), raw, string(s.deps.Config.Current().Reason))
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
