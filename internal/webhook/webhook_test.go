// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/cie/internal/config"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/gate"
	"github.com/kraklabs/cie/internal/pipeline"
	"github.com/kraklabs/cie/internal/ratelimit"
	"github.com/kraklabs/cie/internal/store"
)

func newTestHandler(t *testing.T, extraTOML string) *Handler {
	t.Helper()
	body := `
[[project]]
name = "my-app"
repo_path = "` + t.TempDir() + `"
branches = ["main"]
run_script = "exit 0"
` + extraTOML

	path := filepath.Join(t.TempDir(), "cicd_config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	mgr, err := config.NewManager(path)
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "cicd_data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	ex := pipeline.NewExecutor(st, bus, gate.New())

	return &Handler{
		Config:    mgr,
		RateLimit: ratelimit.New(),
		Store:     st,
		Bus:       bus,
		Executor:  ex,
	}
}

func pushBody(repoName, ref string) []byte {
	payload := map[string]any{
		"ref": ref,
		"repository": map[string]any{
			"name": repoName,
			"url":  "https://git.example.com/" + repoName,
		},
		"head_commit": map[string]any{
			"id":      "abc1234",
			"message": "fix things",
			"author":  map[string]any{"name": "Ada", "email": "ada@example.com"},
		},
		"pusher": map[string]any{"name": "ada"},
	}
	b, _ := json.Marshal(payload)
	return b
}

func postWebhook(h *Handler, event string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if event != "" {
		req.Header.Set(eventTypeHeader, event)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookAdmitsConfiguredProjectAndBranch(t *testing.T) {
	h := newTestHandler(t, "")
	rec := postWebhook(h, "push", pushBody("my-app", "refs/heads/main"), nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["job_id"])
}

func TestWebhookRejectsWrongMethod(t *testing.T) {
	h := newTestHandler(t, "")
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookIgnoresPing(t *testing.T) {
	h := newTestHandler(t, "")
	rec := postWebhook(h, "ping", []byte("{}"), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebhookRejectsUnknownEventType(t *testing.T) {
	h := newTestHandler(t, "")
	rec := postWebhook(h, "issues", []byte("{}"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsTagRef(t *testing.T) {
	h := newTestHandler(t, "")
	rec := postWebhook(h, "push", pushBody("my-app", "refs/tags/v1"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookRejectsUnknownProject(t *testing.T) {
	h := newTestHandler(t, "")
	rec := postWebhook(h, "push", pushBody("not-configured", "refs/heads/main"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookFiltersUnconfiguredBranch(t *testing.T) {
	h := newTestHandler(t, "")
	rec := postWebhook(h, "push", pushBody("my-app", "refs/heads/staging"), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWebhookEnforcesSignatureWhenEnabled(t *testing.T) {
	h := newTestHandler(t, `
with_webhook_secret = true
webhook_secret = "s3cret"
`)
	body := pushBody("my-app", "refs/heads/main")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	goodSig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	rec := postWebhook(h, "push", body, map[string]string{signatureHeader: goodSig})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	flipped := "0"
	if goodSig[len(goodSig)-1] == '0' {
		flipped = "1"
	}
	badSig := goodSig[:len(goodSig)-1] + flipped
	rec = postWebhook(h, "push", body, map[string]string{signatureHeader: badSig})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postWebhook(h, "push", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookRateLimitsSecondRequest(t *testing.T) {
	h := newTestHandler(t, `
rate_limit_requests = 1
rate_limit_window_seconds = 60
`)
	body := pushBody("my-app", "refs/heads/main")

	first := postWebhook(h, "push", body, nil)
	assert.Equal(t, http.StatusAccepted, first.Code)

	second := postWebhook(h, "push", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	retryAfter := second.Header().Get("Retry-After")
	assert.NotEmpty(t, retryAfter)
}

func TestWebhookHonorsDryRunIndicator(t *testing.T) {
	h := newTestHandler(t, "")
	req := httptest.NewRequest(http.MethodPost, "/webhook?dry_run=true", bytes.NewReader(pushBody("my-app", "refs/heads/main")))
	req.Header.Set(eventTypeHeader, "push")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	job, err := h.Store.GetJob(req.Context(), resp["job_id"])
	require.NoError(t, err)
	assert.True(t, job.DryRun)
}
