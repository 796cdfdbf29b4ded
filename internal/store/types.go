// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store implements the job store: durable persistence of
// jobs, step logs, and configuration snapshots in a local embedded
// relational database. Grounded on other_examples/RevCBH-choo's
// internal/daemon/db package shape (a thin *sql.DB wrapper with one method
// per operation, every call taking a context), backed by
// modernc.org/sqlite (pure Go, no cgo). Concurrency is left to
// database/sql's connection pool and SQLite's WAL mode; the package holds
// no mutex of its own.
package store

import "time"

// JobStatus enumerates §3's job status values.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobSuccess JobStatus = "success"
	JobFailed  JobStatus = "failed"
)

// StepStatus enumerates §3's step status values.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepType enumerates §3's step log_type values.
type StepType string

const (
	StepGitFetch    StepType = "git_fetch"
	StepGitReset    StepType = "git_reset"
	StepGitSwitch   StepType = "git_switch"
	StepGitPull     StepType = "git_pull"
	StepPreScript   StepType = "pre_script"
	StepMainScript  StepType = "main_script"
	StepPostSuccess StepType = "post_success"
	StepPostFailure StepType = "post_failure"
	StepPostAlways  StepType = "post_always"
)

// Job mirrors the jobs table.
type Job struct {
	ID              string
	ProjectName     string
	Branch          string
	Status          JobStatus
	CommitSHA       string
	CommitMessage   string
	AuthorName      string
	AuthorEmail     string
	PusherName      string
	RepositoryURL   string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMS      *int64
	Output          string
	OutputTruncated bool
	ErrorMessage    string
	CreatedAt       time.Time
	DryRun          bool
}

// NewJob carries the fields needed to create a job row; everything else
// is populated by the store (id, created_at, status=queued).
type NewJob struct {
	ProjectName   string
	Branch        string
	CommitSHA     string
	CommitMessage string
	AuthorName    string
	AuthorEmail   string
	PusherName    string
	RepositoryURL string
	DryRun        bool
}

// StepLog mirrors the job_logs table.
type StepLog struct {
	ID              int64
	JobID           string
	Sequence        int
	LogType         StepType
	Command         string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMS      *int64
	ExitCode        *int
	Output          string
	OutputTruncated bool
	Status          StepStatus
}

// JobFilter narrows ListJobs; zero values mean "no filter" for that field.
type JobFilter struct {
	Project string
	Branch  string
	Status  string
	DryRun  *bool
	Limit   int
	Offset  int
}

// Stats is the aggregate payload for /api/stats.
type Stats struct {
	TotalJobs     int            `json:"total_jobs"`
	RunningJobs   int            `json:"running_jobs"`
	SuccessJobs   int            `json:"success_jobs"`
	FailedJobs    int            `json:"failed_jobs"`
	SuccessRate   float64        `json:"success_rate"`
	CountsByState map[string]int `json:"counts_by_status"`
}

// ProjectSummary is one row of /api/projects.
type ProjectSummary struct {
	ProjectName string     `json:"project_name"`
	TotalJobs   int        `json:"total_jobs"`
	SuccessRate float64    `json:"success_rate"`
	LastJobAt   *time.Time `json:"last_job_at,omitempty"`
	LastStatus  string     `json:"last_status,omitempty"`
}
