// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce absorbs a burst of writes to the config file (editors
// that write-then-rename, for instance) into a single reload.
const watchDebounce = 2 * time.Second

// Manager owns the current Snapshot and coordinates reloads. It is the
// clone-cheap handle shared between the HTTP layer and the worker that §9
// calls for: readers call Current(), which never blocks, and a reload
// installs a new Snapshot atomically so an in-flight job keeps the
// snapshot it started with.
type Manager struct {
	path string
	cur  atomic.Pointer[Snapshot]

	// beforeReload, when set, is invoked at the start of every Reload (not
	// at startup) and returns a release function called once the reload
	// attempt is finished. The pipeline gate uses this to serialize reloads
	// against in-flight jobs (see internal/gate).
	beforeReload func() (release func())
}

// NewManager loads path once with reason=startup and returns a Manager
// wrapping the result. The caller is expected to treat a load failure at
// startup as fatal.
func NewManager(path string) (*Manager, error) {
	snap, err := Load(path, ReasonStartup)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cur.Store(snap)
	return m, nil
}

// SetGate installs a hook invoked before every reload; it must return a
// release function called once the reload attempt (success or failure) is
// finished. internal/gate.Gate.Acquire/Release is wired in here so a
// reload blocks until the current job, if any, has finished.
func (m *Manager) SetGate(before func() (release func())) {
	m.beforeReload = before
}

// Current returns the active snapshot. Safe for concurrent use; never
// blocks.
func (m *Manager) Current() *Snapshot {
	return m.cur.Load()
}

// Reload re-reads and validates the configuration file, installing the
// result as the new current snapshot only on success. It honors any gate
// installed via SetGate, so a reload waits for the in-flight job (if any)
// before re-reading the file, and the job itself never observes a
// half-installed configuration.
func (m *Manager) Reload() error {
	if m.beforeReload != nil {
		release := m.beforeReload()
		defer release()
	}

	snap, err := Load(m.path, ReasonReload)
	if err != nil {
		return err
	}
	m.cur.Store(snap)
	return nil
}

// WatchForChanges watches the configuration file on disk and calls
// Reload whenever it changes, debounced by watchDebounce. It runs until
// stop is closed. Reload errors are logged, not returned, matching the
// fire-and-forget nature of a file-system-triggered reload versus the
// explicit HTTP trigger which does report errors to its caller.
func (m *Manager) WatchForChanges(stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[WARN] config file watch disabled: %v", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(m.path); err != nil {
		log.Printf("[WARN] cannot watch config file %s: %v", m.path, err)
		return
	}

	var debounce *time.Timer
	for {
		select {
		case <-stop:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				if err := m.Reload(); err != nil {
					log.Printf("[WARN] config auto-reload failed: %v", err)
					return
				}
				log.Printf("[INFO] configuration reloaded from %s", m.path)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[WARN] config watch error: %v", err)
		}
	}
}
