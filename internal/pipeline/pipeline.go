// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline implements the pipeline executor: the state
// machine that drives one job from gate acquisition through git
// synchronization, the user's build script, and its lifecycle hooks,
// capturing child output into the job store and publishing live chunks on
// the event bus. Grounded on the exec.CommandContext idiom common to git
// and shell tooling (buffered output, wrapped context-cancellation
// errors), other_examples/buildkite-agent's job_runner.go output-streaming
// shape, and other_examples/tombee-conductor's draining/cancellation
// pattern.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kraklabs/cie/internal/config"
	appErrors "github.com/kraklabs/cie/internal/errors"
	"github.com/kraklabs/cie/internal/events"
	"github.com/kraklabs/cie/internal/gate"
	"github.com/kraklabs/cie/internal/metrics"
	"github.com/kraklabs/cie/internal/store"
)

// DefaultStepTimeout is the recommended per-step wall-clock deadline
// (§4.5 leaves the exact value to the implementation).
const DefaultStepTimeout = 30 * time.Minute

// killGrace is how long a step is given to exit after SIGTERM before
// SIGKILL, per §4.5.
const killGrace = 5 * time.Second

// WebhookContext carries the optional fields extracted from the inbound
// push payload that flow into job metadata and child-process environment.
type WebhookContext struct {
	CommitSHA     string
	CommitMessage string
	AuthorName    string
	AuthorEmail   string
	PusherName    string
	RepositoryURL string
}

// Job is one unit of work handed to the executor.
type Job struct {
	ID      string
	Project config.Project
	Branch  string
	DryRun  bool
	Webhook WebhookContext
}

// Executor drives jobs through the pipeline one at a time via Gate.
type Executor struct {
	Store       *store.Store
	Bus         *events.Bus
	Gate        *gate.Gate
	Metrics     *metrics.Metrics
	StepTimeout time.Duration

	draining atomic.Bool
	inFlight sync.WaitGroup

	mu         sync.Mutex
	cancelCurr context.CancelFunc
}

// NewExecutor returns an Executor with the recommended default timeout.
func NewExecutor(st *store.Store, bus *events.Bus, g *gate.Gate) *Executor {
	return &Executor{Store: st, Bus: bus, Gate: g, StepTimeout: DefaultStepTimeout}
}

// Drain marks the executor as shutting down: Run refuses any job not
// already past gate acquisition.
func (e *Executor) Drain() {
	e.draining.Store(true)
}

// Shutdown drains the executor and waits for the in-flight job, if any,
// to reach a terminal state. If ctx is done first, it cancels that job's
// run context, which propagates into spawnAndWait's select and force-
// terminates its child process tree via SIGTERM/SIGKILL, per §5's drain
// deadline. It still blocks until the job actually exits, since a step's
// own timeout-and-kill sequence takes a few seconds to complete.
func (e *Executor) Shutdown(ctx context.Context) {
	e.Drain()

	done := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	e.mu.Lock()
	cancel := e.cancelCurr
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// Run executes job to completion, returning only on catastrophic setup
// failure (gate acquisition canceled, draining). Pipeline-internal
// failures never surface here: per §7 they are recorded on the job/step
// rows and published on the bus, and Run still returns nil.
func (e *Executor) Run(ctx context.Context, job Job) error {
	if e.draining.Load() {
		return appErrors.NewShuttingDownError()
	}
	if err := e.Gate.Acquire(ctx); err != nil {
		return err
	}
	defer e.Gate.Release()
	if e.draining.Load() {
		return appErrors.NewShuttingDownError()
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancelCurr = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.cancelCurr = nil
		e.mu.Unlock()
		cancel()
	}()
	ctx = runCtx

	defer func() {
		if r := recover(); r != nil {
			_ = e.Store.FinalizeJob(context.Background(), job.ID, store.JobFailed, time.Now(),
				fmt.Sprintf("worker panic: %v", r))
			e.Bus.PublishJob(events.JobEvent{
				Type: events.JobFailed, JobID: job.ID, ProjectName: job.Project.Name,
				Branch: job.Branch, Timestamp: time.Now(),
			})
		}
	}()

	now := time.Now()
	if err := e.Store.MarkRunning(context.Background(), job.ID, now); err != nil {
		_ = e.Store.FinalizeJob(context.Background(), job.ID, store.JobFailed, time.Now(), err.Error())
		return nil
	}
	e.Bus.PublishJob(events.JobEvent{
		Type: events.JobRunning, JobID: job.ID, ProjectName: job.Project.Name,
		Branch: job.Branch, Timestamp: now,
	})

	var result jobResult
	if job.DryRun {
		result = e.runDry(ctx, job)
	} else {
		result = e.runReal(ctx, job)
	}

	finalStatus := store.JobSuccess
	eventType := events.JobSuccess
	if result.failed {
		finalStatus = store.JobFailed
		eventType = events.JobFailed
	}

	if err := e.Store.FinalizeJob(context.Background(), job.ID, finalStatus, time.Now(), result.errMessage); err != nil {
		finalStatus = store.JobFailed
		eventType = events.JobFailed
	}

	e.Bus.PublishJob(events.JobEvent{
		Type: eventType, JobID: job.ID, ProjectName: job.Project.Name,
		Branch: job.Branch, Timestamp: time.Now(),
	})
	e.Metrics.RecordJobTerminal(string(finalStatus))

	return nil
}

// Dispatch hands job to the single worker: a goroutine that blocks on the
// gate like any other acquisition attempt, so concurrent Dispatch calls
// still serialize in FIFO order of arrival (§4.6/§5 "single worker, blocks
// on the gate") without a separate queue data structure. The admission path
// (internal/webhook) calls this and returns immediately; it never waits
// for Run to finish.
func (e *Executor) Dispatch(job Job) {
	e.inFlight.Add(1)
	go func() {
		defer e.inFlight.Done()
		_ = e.Run(context.Background(), job)
	}()
}

// jobResult accumulates the outcome of driving a job's step sequence.
type jobResult struct {
	failed     bool
	errMessage string
}

// plannedStep is one entry in the fixed sequence described by §4.5,
// together with whether it is actually part of this job's run (the
// "optional descriptor" shape §9 recommends over virtual dispatch).
type plannedStep struct {
	Type     store.StepType
	Included bool
	Build    func(ctx context.Context, job Job, env []string) *exec.Cmd
	Command  string
}

// prefixSteps returns the portion of the fixed sequence that precedes the
// hook steps: git synchronization, the optional pre_script, and
// main_script. Included reflects project configuration (reset_to_remote,
// whether pre_script is set). Both the real and dry-run drivers share
// this builder so their step sequence and commands are identical up to
// that point, per §8's round-trip property.
func prefixSteps(job Job) []plannedStep {
	p := job.Project
	branch := job.Branch
	mainScript := p.ScriptFor(branch)

	return []plannedStep{
		{
			Type:     store.StepGitFetch,
			Included: true,
			Command:  "git fetch --all --prune",
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return gitCmd(ctx, job.Project.RepoPath, env, "fetch", "--all", "--prune")
			},
		},
		{
			Type:     store.StepGitReset,
			Included: p.ResetToRemote,
			Command:  fmt.Sprintf("git reset --hard origin/%s", branch),
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return gitCmd(ctx, job.Project.RepoPath, env, "reset", "--hard", "origin/"+branch)
			},
		},
		{
			Type:     store.StepGitSwitch,
			Included: true,
			Command:  fmt.Sprintf("git switch %s", branch),
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return gitCmd(ctx, job.Project.RepoPath, env, "switch", branch)
			},
		},
		{
			Type:     store.StepGitPull,
			Included: true,
			Command:  fmt.Sprintf("git pull origin %s", branch),
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return gitCmd(ctx, job.Project.RepoPath, env, "pull", "origin", branch)
			},
		},
		{
			Type:     store.StepPreScript,
			Included: p.PreScript != "",
			Command:  p.PreScript,
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return shCmd(ctx, job.Project.RepoPath, env, p.PreScript)
			},
		},
		{
			Type:     store.StepMainScript,
			Included: true,
			Command:  mainScript,
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return shCmd(ctx, job.Project.RepoPath, env, mainScript)
			},
		},
	}
}

// hookSteps returns the tail of the fixed sequence: post_success xor
// post_failure depending on mainSucceeded, followed by post_always.
// The dry-run driver always calls this with mainSucceeded=true, since a
// dry run assumes the success path and never spawns post_failure (§8's
// round-trip property reads "same sequence as a real job with the same
// payload" against that job's successful outcome).
func hookSteps(job Job, mainSucceeded bool) []plannedStep {
	p := job.Project
	var steps []plannedStep

	if mainSucceeded {
		steps = append(steps, plannedStep{
			Type:     store.StepPostSuccess,
			Included: p.PostSuccess != "",
			Command:  p.PostSuccess,
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return shCmd(ctx, job.Project.RepoPath, env, p.PostSuccess)
			},
		})
	} else {
		steps = append(steps, plannedStep{
			Type:     store.StepPostFailure,
			Included: p.PostFailure != "",
			Command:  p.PostFailure,
			Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
				return shCmd(ctx, job.Project.RepoPath, env, p.PostFailure)
			},
		})
	}

	steps = append(steps, plannedStep{
		Type:     store.StepPostAlways,
		Included: p.PostAlways != "",
		Command:  p.PostAlways,
		Build: func(ctx context.Context, job Job, env []string) *exec.Cmd {
			return shCmd(ctx, job.Project.RepoPath, env, p.PostAlways)
		},
	})

	return steps
}

// baseEnv builds the child environment for every step: the runner's own
// environment (PATH, HOME, and whatever else a build script expects),
// plus the injected CICD_* variables from §4.5. mainExitCode is appended
// by the caller only for steps after the main script.
func baseEnv(job Job) []string {
	return append(os.Environ(),
		"CICD_PROJECT_NAME="+job.Project.Name,
		"CICD_BRANCH="+job.Branch,
		"CICD_COMMIT_SHA="+job.Webhook.CommitSHA,
		"CICD_COMMIT_AUTHOR="+job.Webhook.AuthorName,
		"CICD_JOB_ID="+job.ID,
		"CICD_REPO_PATH="+job.Project.RepoPath,
	)
}
