// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/store"
)

// stepWriter is the io.Writer assigned to both stdout and stderr of a
// child process: per §4.5 the two streams are merged in arrival order
// into one byte stream per step on a best-effort basis, which assigning
// the same writer to both achieves naturally. Each Write appends to the
// step's buffer, the job's shared buffer, and publishes a log-chunk event,
// all without ever returning an error to the child (a storage hiccup
// must never stall or fail the process whose output is being captured).
type stepWriter struct {
	store    *store.Store
	bus      *events.Bus
	jobID    string
	stepID   int64
	stepType store.StepType

	jobCapped atomic.Bool
	lastErr   atomic.Value // error
}

func (w *stepWriter) Write(p []byte) (int, error) {
	chunk := string(p)

	// Output capture always uses a background context: a child's trailing
	// bytes are worth persisting even after the job's own context has been
	// canceled by a shutdown deadline.
	if _, err := w.store.AppendStepOutput(context.Background(), w.stepID, chunk); err != nil {
		log.Printf("[WARN] append step output: %v", err)
		w.lastErr.Store(err)
	}

	if !w.jobCapped.Load() {
		truncated, err := w.store.AppendJobOutput(context.Background(), w.jobID, chunk)
		if err != nil {
			log.Printf("[WARN] append job output: %v", err)
			w.lastErr.Store(err)
		} else if truncated {
			w.jobCapped.Store(true)
		}
	}

	w.bus.PublishLogChunk(events.LogChunkEvent{
		JobID:     w.jobID,
		StepType:  string(w.stepType),
		Chunk:     chunk,
		Timestamp: time.Now(),
	})

	return len(p), nil
}

// Err returns the most recent storage error encountered while writing, if
// any, so the caller can decide whether to fail the job on a persistent
// StorageError per §7.
func (w *stepWriter) Err() error {
	if v := w.lastErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}
