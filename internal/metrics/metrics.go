// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics wires the runner's operational counters into
// github.com/prometheus/client_golang, exposed over HTTP via promhttp.
// Every method is safe to call on a nil *Metrics so callers that don't
// care about metrics (most tests) can leave the field unset.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every counter/histogram this runner exposes at /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	webhookAdmissions *prometheus.CounterVec
	rateLimitRejects  prometheus.Counter
	jobsTerminal      *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
}

// New creates and registers the full metric set against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		webhookAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cicd_webhook_admissions_total",
			Help: "Webhook deliveries by outcome (accepted, filtered_branch, unknown_project, bad_signature, bad_payload, rate_limited).",
		}, []string{"outcome"}),
		rateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cicd_rate_limit_rejections_total",
			Help: "Webhook deliveries rejected by the per-project rate limiter.",
		}),
		jobsTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cicd_jobs_terminal_total",
			Help: "Jobs reaching a terminal state, by status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cicd_step_duration_seconds",
			Help:    "Step execution duration by step type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"step_type"}),
	}

	reg.MustRegister(m.webhookAdmissions, m.rateLimitRejects, m.jobsTerminal, m.stepDuration)
	return m
}

// RecordAdmission increments the webhook-admission counter for outcome.
func (m *Metrics) RecordAdmission(outcome string) {
	if m == nil {
		return
	}
	m.webhookAdmissions.WithLabelValues(outcome).Inc()
}

// RecordRateLimited increments the rate-limit rejection counter.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejects.Inc()
}

// RecordJobTerminal increments the terminal-job counter for status.
func (m *Metrics) RecordJobTerminal(status string) {
	if m == nil {
		return
	}
	m.jobsTerminal.WithLabelValues(status).Inc()
}

// RecordStepDuration observes a step's wall-clock duration in seconds.
func (m *Metrics) RecordStepDuration(stepType string, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(stepType).Observe(seconds)
}
