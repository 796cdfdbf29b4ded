// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit implements a per-project sliding-window admission
// filter, grounded on other_examples/thomasvincent-github-runners-infra's
// internal/webhook/handler.go rate limiter shape: a mutex-guarded map
// from key to a pruned slice of arrival timestamps.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limiter tracks admission timestamps per project name.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
}

// New returns an empty, ready-to-use Limiter. State is purely in-memory
// and does not survive a process restart, matching §4.2.
func New() *Limiter {
	return &Limiter{buckets: make(map[string][]time.Time)}
}

// Allow implements §4.2's three-step check for project, evaluated at now:
// drop timestamps older than now-window, reject if the remaining count is
// already at limit, otherwise record now and admit. On rejection it
// returns the number of whole seconds until the oldest timestamp ages out
// of the window.
func (l *Limiter) Allow(project string, limit int, window time.Duration, now time.Time) (allowed bool, retryAfterSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-window)
	timestamps := l.buckets[project]

	kept := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		oldest := kept[0]
		retryAfter := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		l.buckets[project] = kept
		return false, retryAfter
	}

	kept = append(kept, now)
	l.buckets[project] = kept
	return true, 0
}
