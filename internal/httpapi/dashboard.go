// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed dashboard/index.html dashboard/style.css dashboard/app.js
var dashboardFS embed.FS

// dashboardHandler serves the embedded single-page dashboard: the root
// path returns index.html, everything else is served from the embedded
// tree under its own /dashboard/ prefix.
func dashboardHandler() http.Handler {
	sub, err := fs.Sub(dashboardFS, "dashboard")
	if err != nil {
		panic(err)
	}
	assets := http.FileServer(http.FS(sub))

	mux := http.NewServeMux()
	mux.Handle("/dashboard/", http.StripPrefix("/dashboard/", assets))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		data, err := dashboardFS.ReadFile("dashboard/index.html")
		if err != nil {
			http.Error(w, "dashboard unavailable", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(data)
	})
	return mux
}
