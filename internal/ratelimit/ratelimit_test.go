// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"testing"
	"time"
)

func TestAllowAdmitsUpToLimit(t *testing.T) {
	l := New()
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("proj", 3, time.Minute, now)
		if !ok {
			t.Fatalf("expected admission %d to succeed", i)
		}
	}

	ok, retryAfter := l.Allow("proj", 3, time.Minute, now)
	if ok {
		t.Fatal("expected fourth admission to be rejected")
	}
	if retryAfter < 1 || retryAfter > 60 {
		t.Fatalf("retryAfter out of range: %d", retryAfter)
	}
}

func TestAllowSlidesWindowForward(t *testing.T) {
	l := New()
	now := time.Now()

	ok, _ := l.Allow("proj", 1, time.Minute, now)
	if !ok {
		t.Fatal("expected first admission to succeed")
	}

	ok, _ = l.Allow("proj", 1, time.Minute, now.Add(2*time.Second))
	if ok {
		t.Fatal("expected second admission within window to be rejected")
	}

	ok, _ = l.Allow("proj", 1, time.Minute, now.Add(61*time.Second))
	if !ok {
		t.Fatal("expected admission after window expiry to succeed")
	}
}

func TestAllowKeepsProjectsIndependent(t *testing.T) {
	l := New()
	now := time.Now()

	ok, _ := l.Allow("a", 1, time.Minute, now)
	if !ok {
		t.Fatal("expected project a to be admitted")
	}
	ok, _ = l.Allow("b", 1, time.Minute, now)
	if !ok {
		t.Fatal("expected project b to be admitted independently of a")
	}
}
