// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/kraklabs/cie/internal/config"
	appErrors "github.com/kraklabs/cie/internal/errors"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/gate"
	"github.com/kraklabs/cie/internal/httpapi"
	"github.com/kraklabs/cie/internal/metrics"
	"github.com/kraklabs/cie/internal/pipeline"
	"github.com/kraklabs/cie/internal/ratelimit"
	"github.com/kraklabs/cie/internal/store"
	"github.com/kraklabs/cie/internal/ui"
	"github.com/kraklabs/cie/internal/webhook"
)

const defaultDrainTimeout = 60 * time.Second

func runServe(g globalFlags) {
	mgr, err := config.NewManager(g.configPath)
	if err != nil {
		appErrors.FatalError(err)
		return
	}

	dataDir := os.Getenv("CICD_DATA_DIR")
	if dataDir == "" {
		dataDir = "."
	}
	st, err := store.Open(filepath.Join(dataDir, "cicd_data.db"))
	if err != nil {
		appErrors.FatalError(err)
		return
	}
	defer st.Close()

	bus := events.NewBus()
	g2 := gate.New()
	m := metrics.New()

	executor := pipeline.NewExecutor(st, bus, g2)
	executor.Metrics = m

	// A configuration reload waits for the gate so it never races a
	// running job, mirroring the pipeline's own acquire/release pair.
	mgr.SetGate(func() (release func()) {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDrainTimeout)
		if err := g2.Acquire(ctx); err != nil {
			cancel()
			ui.Warn(g.quiet, "config reload proceeding without the gate: %v", err)
			return func() {}
		}
		return func() {
			g2.Release()
			cancel()
		}
	})

	whHandler := &webhook.Handler{
		Config:    mgr,
		RateLimit: ratelimit.New(),
		Store:     st,
		Bus:       bus,
		Executor:  executor,
		Metrics:   m,
	}

	draining := false
	srv := httpapi.New(httpapi.Deps{
		Config:   mgr,
		Store:    st,
		Bus:      bus,
		Gate:     g2,
		Webhook:  whHandler,
		Metrics:  m,
		Draining: func() bool { return draining },
	})

	stopWatch := make(chan struct{})
	go mgr.WatchForChanges(stopWatch)
	defer close(stopWatch)

	addr := os.Getenv("CICD_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		draining = true
		ui.Info(1, g.quiet, "shutting down: draining in-flight job (deadline %s)", drainTimeout())

		httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelHTTP()
		_ = httpServer.Shutdown(httpShutdownCtx)

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout())
		defer cancelDrain()
		executor.Shutdown(drainCtx)
	}()

	ui.Banner(
		fmt.Sprintf("cicd-runner listening on %s", addr),
		fmt.Sprintf("config: %s (%d project(s))", g.configPath, len(mgr.Current().Projects)),
		fmt.Sprintf("data dir: %s", dataDir),
	)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		appErrors.FatalError(appErrors.NewInternalError("server error", err.Error(), "", err))
	}
}

func drainTimeout() time.Duration {
	if raw := os.Getenv("CICD_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultDrainTimeout
}
