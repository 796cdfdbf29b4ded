// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	appErrors "github.com/kraklabs/cie/internal/errors"
	"github.com/kraklabs/cie/internal/store"
)

// unknownExitCode is reported to hook steps via CICD_MAIN_SCRIPT_EXIT_CODE
// when main_script never ran because an earlier git step or pre_script
// failed.
const unknownExitCode = -1

// runReal drives the actual step sequence: git synchronization, the
// optional pre_script, main_script, then the outcome-dependent hooks.
// A failure in any git step or in pre_script halts the rest of the prefix
// (the remaining prefix steps, main_script included, are recorded as
// skipped, never run); a main_script failure only fails the job, since
// there is nothing left in the prefix to skip.
func (e *Executor) runReal(ctx context.Context, job Job) jobResult {
	seq := 0
	result := jobResult{}

	env := baseEnv(job)
	haltedInPrefix := false
	mainRan := false
	mainExitCode := unknownExitCode

	for _, s := range prefixSteps(job) {
		if !s.Included {
			continue
		}
		seq++

		if haltedInPrefix {
			e.recordSkipped(ctx, job, seq, s)
			continue
		}

		exitCode, stepErr := e.runChildStep(ctx, job, seq, s, env)
		if s.Type == store.StepMainScript {
			mainRan = true
			mainExitCode = exitCode
		}
		if stepErr != nil || exitCode != 0 {
			result.failed = true
			if result.errMessage == "" {
				result.errMessage = describeFailure(s.Type, exitCode, stepErr)
			}
			if s.Type != store.StepMainScript {
				haltedInPrefix = true
			}
		}
	}

	mainSucceeded := mainRan && mainExitCode == 0
	hookEnv := append(append([]string{}, env...), mainExitCodeEnv(mainExitCode))

	for _, s := range hookSteps(job, mainSucceeded) {
		if !s.Included {
			continue
		}
		seq++

		exitCode, stepErr := e.runChildStep(ctx, job, seq, s, hookEnv)
		if stepErr != nil || exitCode != 0 {
			result.failed = true
			if result.errMessage == "" {
				result.errMessage = describeFailure(s.Type, exitCode, stepErr)
			}
		}
	}

	return result
}

// runDry records the same step sequence and commands a real run with this
// payload would produce, each finalized immediately as skipped, and never
// fails the job: §8's round-trip property pairs a dry run against a real
// run's successful outcome, so hookSteps is always asked for the
// post_success branch.
func (e *Executor) runDry(ctx context.Context, job Job) jobResult {
	seq := 0
	all := append(prefixSteps(job), hookSteps(job, true)...)
	for _, s := range all {
		if !s.Included {
			continue
		}
		seq++
		e.recordSkipped(ctx, job, seq, s)
	}
	return jobResult{}
}

// recordSkipped persists a step that is part of this job's plan but never
// executed, either because dry-run mode never spawns anything or because
// an earlier git-step failure halted the prefix.
func (e *Executor) recordSkipped(_ context.Context, job Job, seq int, s plannedStep) {
	_, _ = e.Store.CreateSkippedStep(context.Background(), job.ID, seq, s.Type, s.Command)
}

// runChildStep creates the step row, spawns the child, and waits for it
// under a per-step timeout, escalating SIGTERM to SIGKILL across the
// process group it owns. git_switch gets one special case: a failed
// `git switch <branch>` is retried as `git checkout <branch>` before the
// step is finalized, so older git clients or a branch that only exists
// remotely don't fail the whole job over a form git itself deprecated.
func (e *Executor) runChildStep(ctx context.Context, job Job, seq int, s plannedStep, env []string) (int, error) {
	started := time.Now()
	stepID, err := e.Store.CreateStep(context.Background(), job.ID, seq, s.Type, s.Command, started)
	if err != nil {
		return -1, err
	}

	code, runErr := e.spawnAndWait(ctx, job, stepID, s.Type, s.Build(ctx, job, env))

	if s.Type == store.StepGitSwitch && code != 0 {
		fallback := gitCmd(ctx, job.Project.RepoPath, env, "checkout", job.Branch)
		code, runErr = e.spawnAndWait(ctx, job, stepID, s.Type, fallback)
	}

	return code, runErr
}

// spawnAndWait starts cmd, streams its merged output into stepID's and
// the job's buffers, and enforces e.StepTimeout. It finalizes the step row
// itself so the git_switch fallback above can call it twice against the
// same stepID and have the second call's outcome stick.
func (e *Executor) spawnAndWait(ctx context.Context, job Job, stepID int64, stepType store.StepType, cmd *exec.Cmd) (int, error) {
	spawnedAt := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout())
	defer cancel()

	writer := &stepWriter{store: e.Store, bus: e.Bus, jobID: job.ID, stepID: stepID, stepType: stepType}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		spawnErr := appErrors.NewSpawnError("cannot start step", cmd.Path, err)
		_ = e.Store.FinalizeStep(context.Background(), stepID, store.StepFailed, intPtr(-1), time.Now())
		return -1, spawnErr
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-stepCtx.Done():
		terminateProcessGroup(cmd, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(killGrace):
			terminateProcessGroup(cmd, syscall.SIGKILL)
			waitErr = <-done
		}
	}

	code := exitCodeOf(waitErr)
	status := store.StepSuccess
	if code != 0 {
		status = store.StepFailed
	}
	if err := e.Store.FinalizeStep(context.Background(), stepID, status, intPtr(code), time.Now()); err != nil {
		return code, err
	}
	e.Metrics.RecordStepDuration(string(stepType), time.Since(spawnedAt).Seconds())

	if writerErr := writer.Err(); writerErr != nil {
		return code, writerErr
	}

	return code, nil
}

func intPtr(v int) *int {
	return &v
}

// exitCodeOf extracts a step's exit status from cmd.Wait's error. A
// process killed by a signal reports the signal's number as its exit
// code, per §4.5's timeout-handling note.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return int(ws.Signal())
			}
			return ws.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

func describeFailure(stepType store.StepType, exitCode int, err error) string {
	if appErr, ok := appErrors.As(err); ok {
		return fmt.Sprintf("%s: %s", stepType, appErr.Title)
	}
	return fmt.Sprintf("%s exited with code %d", stepType, exitCode)
}

func (e *Executor) stepTimeout() time.Duration {
	if e.StepTimeout > 0 {
		return e.StepTimeout
	}
	return DefaultStepTimeout
}
