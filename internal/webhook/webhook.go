// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package webhook implements webhook admission: the single HTTP entry
// point that turns a forge's push notification into a dispatched
// pipeline job, per §4.7's ten-step admission sequence. Grounded on
// other_examples/thomasvincent-github-runners-infra's handler.go for the
// header names, payload shape, and step ordering, adapted from a
// workflow-job webhook to a push webhook and from go-github's all-secrets
// ValidatePayload helper to a hand-rolled, per-project-optional verifier.
package webhook

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kraklabs/cie/internal/config"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/metrics"
	"github.com/kraklabs/cie/internal/pipeline"
	"github.com/kraklabs/cie/internal/ratelimit"
	"github.com/kraklabs/cie/internal/store"
)

// eventTypeHeader and signatureHeader are the forge's header names (§6
// "including X-GitHub-Event and X-Hub-Signature-256 header names").
const (
	eventTypeHeader = "X-GitHub-Event"
	signatureHeader = "X-Hub-Signature-256"
	dryRunHeader    = "X-Dry-Run"

	// maxBodyBytes bounds a webhook delivery's body; large enough for any
	// realistic push payload, small enough that a malicious sender can't
	// use this endpoint to exhaust memory.
	maxBodyBytes = 5 << 20
)

// Handler serves POST /webhook.
type Handler struct {
	Config    *config.Manager
	RateLimit *ratelimit.Limiter
	Store     *store.Store
	Bus       *events.Bus
	Executor  *pipeline.Executor
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// ServeHTTP implements §4.7's ten-step admission sequence in order.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. method
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// 2. event type
	switch r.Header.Get(eventTypeHeader) {
	case "push":
		// continue below
	case "ping":
		w.WriteHeader(http.StatusNoContent)
		return
	case "":
		http.Error(w, "missing event type header", http.StatusBadRequest)
		return
	default:
		http.Error(w, "unknown event type", http.StatusBadRequest)
		return
	}

	// 3. dry-run indicator
	dryRun := r.URL.Query().Get("dry_run") == "true" || r.Header.Get(dryRunHeader) == "true"

	// 4. raw body, byte-exact for signature verification
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "body too large or unreadable", http.StatusBadRequest)
		return
	}

	// 5. decode payload, extract branch from ref
	payload, branch, err := decodePushPayload(body)
	if err != nil {
		h.Metrics.RecordAdmission("bad_payload")
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	// 6. locate project
	snapshot := h.Config.Current()
	project, ok := snapshot.ByName(payload.Repository.Name)
	if !ok {
		h.Metrics.RecordAdmission("unknown_project")
		http.Error(w, "unknown project", http.StatusNotFound)
		return
	}

	// 7. branch filter
	if !project.HasBranch(branch) {
		h.Metrics.RecordAdmission("filtered_branch")
		http.Error(w, "branch not configured", http.StatusNoContent)
		return
	}

	// 8. signature
	if project.WithWebhookSecret {
		if !verifySignature(r.Header.Get(signatureHeader), body, project.WebhookSecret) {
			h.Metrics.RecordAdmission("bad_signature")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// 9. rate limit
	limit := project.RateLimitRequests
	window := time.Duration(project.RateLimitWindowSeconds) * time.Second
	if allowed, retryAfter := h.RateLimit.Allow(project.Name, limit, window, time.Now()); !allowed {
		h.Metrics.RecordAdmission("rate_limited")
		h.Metrics.RecordRateLimited()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	// 10. create job, publish event, dispatch, respond
	ctx := r.Context()
	jobID, err := h.Store.CreateJob(ctx, store.NewJob{
		ProjectName:   project.Name,
		Branch:        branch,
		CommitSHA:     payload.HeadCommit.ID,
		CommitMessage: payload.HeadCommit.Message,
		AuthorName:    payload.HeadCommit.Author.Name,
		AuthorEmail:   payload.HeadCommit.Author.Email,
		PusherName:    payload.Pusher.Name,
		RepositoryURL: payload.Repository.URL,
		DryRun:        dryRun,
	})
	if err != nil {
		h.logger().Error("create job failed", "project", project.Name, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h.Metrics.RecordAdmission("accepted")

	h.Bus.PublishJob(events.JobEvent{
		Type:        events.JobCreated,
		JobID:       jobID,
		ProjectName: project.Name,
		Branch:      branch,
		Timestamp:   time.Now(),
	})

	h.Executor.Dispatch(pipeline.Job{
		ID:      jobID,
		Project: project,
		Branch:  branch,
		DryRun:  dryRun,
		Webhook: pipeline.WebhookContext{
			CommitSHA:     payload.HeadCommit.ID,
			CommitMessage: payload.HeadCommit.Message,
			AuthorName:    payload.HeadCommit.Author.Name,
			AuthorEmail:   payload.HeadCommit.Author.Email,
			PusherName:    payload.Pusher.Name,
			RepositoryURL: payload.Repository.URL,
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": jobID})
}
