// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
	"github.com/oklog/ulid/v2"

	appErrors "github.com/kraklabs/cie/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// Output caps recommended by §4.5, applied by AppendStepOutput and
// AppendJobOutput. The pipeline executor does not read them; it keeps
// reading a child's output and learns of job-level truncation from
// AppendJobOutput's result.
const (
	PerStepOutputCap = 1 << 20 // 1 MiB
	PerJobOutputCap  = 4 << 20 // 4 MiB
)

// Store wraps a *sql.DB and is the sole source of truth for post-hoc
// queries (§4.3). It is safe for concurrent use; database/sql pools its
// own connections, and WAL mode lets API readers proceed without blocking
// the worker's writes for longer than a single row operation.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, applies
// the embedded schema, and tunes pragmas for a single-writer/many-reader
// workload.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, appErrors.NewStorageError("cannot open database", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, appErrors.NewStorageError("cannot configure database", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, appErrors.NewStorageError("cannot apply schema", path, err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a new job row with status=queued and a freshly
// generated, time-ordered id, per §3.
func (s *Store) CreateJob(ctx context.Context, j NewJob) (string, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, project_name, branch, status, commit_sha, commit_message,
			author_name, author_email, pusher_name, repository_url,
			output, output_truncated, created_at, dry_run
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, ?)
	`, id, j.ProjectName, j.Branch, string(JobQueued), nullable(j.CommitSHA), nullable(j.CommitMessage),
		nullable(j.AuthorName), nullable(j.AuthorEmail), nullable(j.PusherName), nullable(j.RepositoryURL),
		now.Format(time.RFC3339), boolToInt(j.DryRun))
	if err != nil {
		return "", appErrors.NewStorageError("cannot create job", j.ProjectName, err)
	}
	return id, nil
}

// MarkRunning transitions a job to running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ?
	`, string(JobRunning), startedAt.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return appErrors.NewStorageError("cannot mark job running", id, err)
	}
	return nil
}

// FinalizeJob transitions a job to a terminal status, computing
// duration_ms from the previously recorded started_at.
func (s *Store) FinalizeJob(ctx context.Context, id string, status JobStatus, completedAt time.Time, errMsg string) error {
	row := s.db.QueryRowContext(ctx, `SELECT started_at FROM jobs WHERE id = ?`, id)
	var startedAtText sql.NullString
	if err := row.Scan(&startedAtText); err != nil {
		return appErrors.NewStorageError("cannot finalize job", id, err)
	}

	var durationMS *int64
	if startedAtText.Valid {
		if startedAt, err := time.Parse(time.RFC3339, startedAtText.String); err == nil {
			d := completedAt.Sub(startedAt).Milliseconds()
			durationMS = &d
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, duration_ms = ?, error_message = ? WHERE id = ?
	`, string(status), completedAt.UTC().Format(time.RFC3339Nano), durationMS, nullable(errMsg), id)
	if err != nil {
		return appErrors.NewStorageError("cannot finalize job", id, err)
	}
	return nil
}

// AppendJobOutput appends chunk to the job's combined output, capping the
// total at PerJobOutputCap and setting output_truncated once the cap is
// reached. Further bytes are silently discarded after that point (§4.5).
func (s *Store) AppendJobOutput(ctx context.Context, id string, chunk string) (truncated bool, err error) {
	return appendCappedOutput(ctx, s.db, "jobs", "id", id, chunk, PerJobOutputCap)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_name, branch, status, commit_sha, commit_message,
		       author_name, author_email, pusher_name, repository_url,
		       started_at, completed_at, duration_ms, output, output_truncated,
		       error_message, created_at, dry_run
		FROM jobs WHERE id = ?
	`, id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, appErrors.NewStorageError("cannot read job", id, err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	query := `
		SELECT id, project_name, branch, status, commit_sha, commit_message,
		       author_name, author_email, pusher_name, repository_url,
		       started_at, completed_at, duration_ms, output, output_truncated,
		       error_message, created_at, dry_run
		FROM jobs WHERE 1=1
	`
	var args []any
	if filter.Project != "" {
		query += " AND project_name = ?"
		args = append(args, filter.Project)
	}
	if filter.Branch != "" {
		query += " AND branch = ?"
		args = append(args, filter.Branch)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.DryRun != nil {
		query += " AND dry_run = ?"
		args = append(args, boolToInt(*filter.DryRun))
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, appErrors.NewStorageError("cannot list jobs", "", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, appErrors.NewStorageError("cannot scan job row", "", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows so scanJob serves both
// GetJob and ListJobs.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status string
	var commitSHA, commitMessage, authorName, authorEmail, pusherName, repoURL, errMsg sql.NullString
	var startedAt, completedAt sql.NullString
	var durationMS sql.NullInt64
	var truncated, dryRun int
	var createdAt string

	if err := row.Scan(
		&j.ID, &j.ProjectName, &j.Branch, &status, &commitSHA, &commitMessage,
		&authorName, &authorEmail, &pusherName, &repoURL,
		&startedAt, &completedAt, &durationMS, &j.Output, &truncated,
		&errMsg, &createdAt, &dryRun,
	); err != nil {
		return nil, err
	}

	j.Status = JobStatus(status)
	j.CommitSHA = commitSHA.String
	j.CommitMessage = commitMessage.String
	j.AuthorName = authorName.String
	j.AuthorEmail = authorEmail.String
	j.PusherName = pusherName.String
	j.RepositoryURL = repoURL.String
	j.ErrorMessage = errMsg.String
	j.OutputTruncated = truncated != 0
	j.DryRun = dryRun != 0

	if createdAt != "" {
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			j.CreatedAt = t
		}
	}
	if startedAt.Valid {
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			j.StartedAt = &t
		}
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			j.CompletedAt = &t
		}
	}
	if durationMS.Valid {
		j.DurationMS = &durationMS.Int64
	}

	return &j, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func appendCappedOutput(ctx context.Context, db *sql.DB, table, idColumn, id, chunk string, limit int) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, appErrors.NewStorageError("cannot append output", id, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT output, output_truncated FROM %s WHERE %s = ?`, table, idColumn), id)
	var current string
	var alreadyTruncated int
	if err := row.Scan(&current, &alreadyTruncated); err != nil {
		return false, appErrors.NewStorageError("cannot append output", id, err)
	}

	if alreadyTruncated != 0 {
		return true, tx.Commit()
	}

	newOutput := current + chunk
	truncated := false
	if len(newOutput) > limit {
		newOutput = newOutput[:limit]
		truncated = true
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET output = ?, output_truncated = ? WHERE %s = ?`, table, idColumn),
		newOutput, boolToInt(truncated), id)
	if err != nil {
		return false, appErrors.NewStorageError("cannot append output", id, err)
	}

	return truncated, tx.Commit()
}
