// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kraklabs/cie/internal/config"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/gate"
	"github.com/kraklabs/cie/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cicd_data.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	g := gate.New()
	ex := NewExecutor(st, bus, g)
	ex.StepTimeout = 10 * time.Second
	return ex, st
}

// initTestRepo creates a bare-minimum git repository, with a local bare
// repository as its origin remote, so git_fetch/reset/switch/pull have
// something real to operate against.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	origin := t.TempDir()
	run("init", "--bare", origin)
	run("remote", "add", "origin", origin)
	run("push", "origin", "main")
	return dir
}

func testProject(repoPath string) config.Project {
	return config.Project{
		Name:          "demo",
		RepoPath:      repoPath,
		Branches:      []string{"main"},
		RunScript:     "exit 0",
		ResetToRemote: false,
	}
}

func TestRunRealSuccessRecordsNoPostHooksWhenUnconfigured(t *testing.T) {
	ex, st := newTestExecutor(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	id, err := st.CreateJob(ctx, store.NewJob{ProjectName: "demo", Branch: "main"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job := Job{ID: id, Project: testProject(repo), Branch: "main"}
	if err := ex.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobSuccess {
		t.Fatalf("expected success, got %s (err=%s)", got.Status, got.ErrorMessage)
	}

	steps, err := st.ListSteps(ctx, id)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	for _, s := range steps {
		if s.LogType == store.StepPostSuccess || s.LogType == store.StepPostFailure || s.LogType == store.StepPostAlways {
			t.Fatalf("expected no post-hook steps when unconfigured, found %s", s.LogType)
		}
	}
	var sawMain bool
	for _, s := range steps {
		if s.LogType == store.StepMainScript {
			sawMain = true
			if s.ExitCode == nil || *s.ExitCode != 0 {
				t.Fatalf("expected main_script exit code 0, got %v", s.ExitCode)
			}
		}
	}
	if !sawMain {
		t.Fatal("expected a main_script step")
	}
}

func TestRunRealFailureSkipsMainScriptAfterGitFailure(t *testing.T) {
	ex, st := newTestExecutor(t)
	ctx := context.Background()

	project := testProject("/nonexistent/repo/path")
	id, err := st.CreateJob(ctx, store.NewJob{ProjectName: "demo", Branch: "main"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job := Job{ID: id, Project: project, Branch: "main"}
	if err := ex.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	steps, err := st.ListSteps(ctx, id)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	var mainStatus store.StepStatus
	for _, s := range steps {
		if s.LogType == store.StepMainScript {
			mainStatus = s.Status
		}
	}
	if mainStatus != store.StepSkipped {
		t.Fatalf("expected main_script skipped after git failure, got %s", mainStatus)
	}
}

func TestRunDryRecordsSkippedStepsAndSucceeds(t *testing.T) {
	ex, st := newTestExecutor(t)
	repo := initTestRepo(t)
	ctx := context.Background()

	project := testProject(repo)
	project.PostSuccess = "echo done"

	id, err := st.CreateJob(ctx, store.NewJob{ProjectName: "demo", Branch: "main", DryRun: true})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job := Job{ID: id, Project: project, Branch: "main", DryRun: true}
	if err := ex.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobSuccess {
		t.Fatalf("expected dry run to always succeed, got %s", got.Status)
	}

	steps, err := st.ListSteps(ctx, id)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) == 0 {
		t.Fatal("expected a recorded step sequence")
	}
	for i, s := range steps {
		if s.Status != store.StepSkipped {
			t.Fatalf("step %d (%s) expected skipped, got %s", i, s.LogType, s.Status)
		}
		if s.Command == "" {
			t.Fatalf("step %d (%s) expected a recorded command", i, s.LogType)
		}
	}
	var sawPostSuccess bool
	for _, s := range steps {
		if s.LogType == store.StepPostSuccess {
			sawPostSuccess = true
		}
		if s.LogType == store.StepPostFailure {
			t.Fatal("dry run must never record post_failure")
		}
	}
	if !sawPostSuccess {
		t.Fatal("expected post_success to appear since it is configured")
	}
}

func TestRunRealRespectsStepTimeout(t *testing.T) {
	ex, st := newTestExecutor(t)
	ex.StepTimeout = 200 * time.Millisecond
	repo := initTestRepo(t)
	ctx := context.Background()

	project := testProject(repo)
	project.RunScript = "sleep 5"

	id, err := st.CreateJob(ctx, store.NewJob{ProjectName: "demo", Branch: "main"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	job := Job{ID: id, Project: project, Branch: "main"}
	start := time.Now()
	if err := ex.Run(ctx, job); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("expected timeout to cut the run short, took %s", elapsed)
	}

	got, err := st.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("expected timed-out main_script to fail the job, got %s", got.Status)
	}
}

func TestShutdownForceTerminatesInFlightJob(t *testing.T) {
	ex, st := newTestExecutor(t)
	ex.StepTimeout = time.Minute
	repo := initTestRepo(t)

	project := testProject(repo)
	project.RunScript = "sleep 30"

	id, err := st.CreateJob(context.Background(), store.NewJob{ProjectName: "demo", Branch: "main"})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ex.Dispatch(Job{ID: id, Project: project, Branch: "main"})
	time.Sleep(200 * time.Millisecond) // let main_script actually start

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		ex.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return after its deadline; in-flight job was not force-terminated")
	}

	got, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("expected force-terminated job to be recorded failed, got %s", got.Status)
	}
}
