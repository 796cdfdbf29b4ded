// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cicd_config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndResetToRemote(t *testing.T) {
	path := writeConfig(t, `
[[project]]
name = "my-app"
repo_path = "/srv/my-app"
branches = ["main"]
run_script = "./deploy.sh"
`)

	snap, err := Load(path, ReasonStartup)
	require.NoError(t, err)
	require.Len(t, snap.Projects, 1)

	p := snap.Projects[0]
	assert.Equal(t, "my-app", p.Name)
	assert.True(t, p.ResetToRemote)
	assert.Equal(t, defaultRateLimitRequests, p.RateLimitRequests)
	assert.Equal(t, defaultRateLimitWindowSeconds, p.RateLimitWindowSeconds)
}

func TestLoadRejectsDuplicateNames(t *testing.T) {
	path := writeConfig(t, `
[[project]]
name = "dup"
repo_path = "/srv/a"
branches = ["main"]

[[project]]
name = "dup"
repo_path = "/srv/b"
branches = ["main"]
`)

	_, err := Load(path, ReasonStartup)
	require.Error(t, err)
}

func TestLoadRejectsEmptyBranches(t *testing.T) {
	path := writeConfig(t, `
[[project]]
name = "a"
repo_path = "/srv/a"
branches = []
`)

	_, err := Load(path, ReasonStartup)
	require.Error(t, err)
}

func TestLoadRejectsRelativeRepoPath(t *testing.T) {
	path := writeConfig(t, `
[[project]]
name = "a"
repo_path = "relative/path"
branches = ["main"]
`)

	_, err := Load(path, ReasonStartup)
	require.Error(t, err)
}

func TestLoadRejectsSecretEnabledWithoutSecret(t *testing.T) {
	path := writeConfig(t, `
[[project]]
name = "a"
repo_path = "/srv/a"
branches = ["main"]
with_webhook_secret = true
`)

	_, err := Load(path, ReasonStartup)
	require.Error(t, err)
}

func TestScriptForPrefersBranchOverride(t *testing.T) {
	p := Project{
		RunScript:     "./default.sh",
		BranchScripts: map[string]string{"staging": "./staging.sh"},
	}
	assert.Equal(t, "./staging.sh", p.ScriptFor("staging"))
	assert.Equal(t, "./default.sh", p.ScriptFor("main"))
}
