// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gate implements the execution gate: a single fair
// mutex held by the pipeline for the duration of one job, or by the
// configuration reloader for the duration of a reload, guaranteeing at
// most one job runs at a time and that a reload never races a running
// pipeline. Modeled as a ticket queue (a buffered channel of tokens handed
// out in FIFO order) rather than sync.Mutex, whose fairness is an
// implementation detail a FIFO-ordering guarantee shouldn't depend on.
package gate

import "context"

// Gate is a single-holder, FIFO-fair lock.
type Gate struct {
	tickets chan struct{}
}

// New returns an unlocked Gate.
func New() *Gate {
	g := &Gate{tickets: make(chan struct{}, 1)}
	g.tickets <- struct{}{}
	return g
}

// Acquire blocks until the gate is held or ctx is done, in the order
// Acquire was called (channel receive order on a buffered channel of
// size 1 is FIFO across blocked goroutines in the Go runtime).
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case <-g.tickets:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns the ticket. Calling Release without a matching Acquire
// is a programmer error: the channel already holds its one ticket, so
// that Release call blocks.
func (g *Gate) Release() {
	g.tickets <- struct{}{}
}
