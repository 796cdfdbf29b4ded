// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi implements the HTTP surface described in §6: the REST
// API over jobs/projects/stats/config, the SSE streams over the event
// bus, the /metrics endpoint, and the embedded dashboard. Routing uses a
// single *http.ServeMux with one handler method per route and Go 1.22's
// method-and-wildcard mux patterns in place of inline method checks.
package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kraklabs/cie/internal/config"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/gate"
	"github.com/kraklabs/cie/internal/metrics"
	"github.com/kraklabs/cie/internal/store"
	"github.com/kraklabs/cie/internal/webhook"
)

// Deps collects every collaborator the HTTP surface reaches into. All
// fields are shared, clone-cheap handles per §9; Server never owns their
// lifecycle.
type Deps struct {
	Config   *config.Manager
	Store    *store.Store
	Bus      *events.Bus
	Gate     *gate.Gate
	Webhook  *webhook.Handler
	Metrics  *metrics.Metrics
	Draining func() bool
}

// Server builds the runner's HTTP surface.
type Server struct {
	deps Deps
}

// New returns a Server ready to build its mux.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Mux builds and returns the routed handler for the whole HTTP surface.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/webhook", s.deps.Webhook)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/jobs/{id}/logs", s.handleJobLogs)
	mux.HandleFunc("GET /api/projects", s.handleProjects)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/config/current", s.handleConfigCurrent)
	mux.HandleFunc("POST /api/reload", s.handleReload)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("GET /api/stream/jobs", s.handleStreamJobs)
	mux.HandleFunc("GET /api/stream/logs", s.handleStreamLogs)

	if s.deps.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	mux.Handle("/", dashboardHandler())

	return mux
}
