// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie/internal/config"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/gate"
	"github.com/kraklabs/cie/internal/metrics"
	"github.com/kraklabs/cie/internal/pipeline"
	"github.com/kraklabs/cie/internal/ratelimit"
	"github.com/kraklabs/cie/internal/store"
	"github.com/kraklabs/cie/internal/webhook"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	body := `
[[project]]
name = "my-app"
repo_path = "` + t.TempDir() + `"
branches = ["main"]
run_script = "exit 0"
`
	path := filepath.Join(t.TempDir(), "cicd_config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	mgr, err := config.NewManager(path)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "cicd_data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	ex := pipeline.NewExecutor(st, bus, gate.New())
	m := metrics.New()
	wh := &webhook.Handler{
		Config: mgr, RateLimit: ratelimit.New(), Store: st, Bus: bus, Executor: ex, Metrics: m,
	}

	srv := New(Deps{
		Config: mgr, Store: st, Bus: bus, Gate: gate.New(), Webhook: wh, Metrics: m,
		Draining: func() bool { return false },
	})
	return srv, st
}

func TestListJobsReturnsCreatedJob(t *testing.T) {
	srv, st := newTestServer(t)

	id, err := st.CreateJob(t.Context(), store.NewJob{ProjectName: "my-app", Branch: "main"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	var jobs []store.Job
	require.NoError(t, json.Unmarshal(body["jobs"], &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].ID)
}

func TestListJobsRejectsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=-1", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/does-not-exist", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobLogsReturnsSteps(t *testing.T) {
	srv, st := newTestServer(t)

	id, err := st.CreateJob(t.Context(), store.NewJob{ProjectName: "my-app", Branch: "main"})
	require.NoError(t, err)
	_, err = st.CreateStep(t.Context(), id, 1, store.StepGitFetch, "git fetch --all --prune", time.Now())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+id+"/logs", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	var steps []store.StepLog
	require.NoError(t, json.Unmarshal(body["steps"], &steps))
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepGitFetch, steps[0].LogType)
}

func TestStatusReportsDraining(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.deps.Draining = func() bool { return true }

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["draining"])
}

func TestReloadReportsSuccessWithHTTPOK(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/reload", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["status"])
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestDashboardServesIndexAtRoot(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	srv.Mux().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cicd-runner")
}
