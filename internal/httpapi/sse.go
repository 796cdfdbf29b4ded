// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ssePingInterval bounds how long a stream goes quiet before a comment
// frame keeps intermediate proxies from closing it, per §6.
const ssePingInterval = 15 * time.Second

// handleStreamJobs serves GET /api/stream/jobs: a live feed of job
// lifecycle transitions over Server-Sent Events.
func (s *Server) handleStreamJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := s.deps.Bus.SubscribeJobs()
	defer unsubscribe()

	prepareSSE(w)
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-ch:
			if !writeSSEEvent(w, "job", evt) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleStreamLogs serves GET /api/stream/logs: a live feed of step
// output chunks as they're captured, optionally narrowed to one job via
// the job_id query parameter.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	jobID := r.URL.Query().Get("job_id")

	ch, unsubscribe := s.deps.Bus.SubscribeLogChunks()
	defer unsubscribe()

	prepareSSE(w)
	flusher.Flush()

	ticker := time.NewTicker(ssePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk := <-ch:
			if jobID != "" && chunk.JobID != jobID {
				continue
			}
			if !writeSSEEvent(w, "log", chunk) {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func prepareSSE(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err == nil
}
