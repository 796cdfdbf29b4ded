// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"time"

	appErrors "github.com/kraklabs/cie/internal/errors"
)

// CreateStep inserts a step log row in the running state, sequence
// strictly increasing and dense within its job per §5's ordering
// guarantee. The caller (internal/pipeline) is responsible for supplying
// the next dense sequence number; the UNIQUE(job_id, sequence) constraint
// turns a bug there into a loud failure instead of silent corruption.
func (s *Store) CreateStep(ctx context.Context, jobID string, sequence int, logType StepType, command string, startedAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, sequence, log_type, command, started_at, output, output_truncated, status)
		VALUES (?, ?, ?, ?, ?, '', 0, ?)
	`, jobID, sequence, string(logType), command, startedAt.UTC().Format(time.RFC3339), string(StepRunning))
	if err != nil {
		return 0, appErrors.NewStorageError("cannot create step", jobID, err)
	}
	return res.LastInsertId()
}

// CreateSkippedStep records a step that was never run (dry-run mode, or a
// prefix step left unrun after an earlier step failed), finalized
// immediately.
func (s *Store) CreateSkippedStep(ctx context.Context, jobID string, sequence int, logType StepType, command string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, sequence, log_type, command, started_at, completed_at, duration_ms, output, output_truncated, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', 0, ?)
	`, jobID, sequence, string(logType), command, now, now, string(StepSkipped))
	if err != nil {
		return 0, appErrors.NewStorageError("cannot create skipped step", jobID, err)
	}
	return res.LastInsertId()
}

// AppendStepOutput appends chunk to a step's captured output, capping at
// PerStepOutputCap.
func (s *Store) AppendStepOutput(ctx context.Context, stepID int64, chunk string) (truncated bool, err error) {
	return appendCappedOutputByRowID(ctx, s.db, stepID, chunk, PerStepOutputCap)
}

// FinalizeStep marks a step terminal: status, exit code (the pipeline
// passes -1 for a step whose process could not be started), and
// completed_at. duration_ms is
// computed from the row's own started_at.
func (s *Store) FinalizeStep(ctx context.Context, stepID int64, status StepStatus, exitCode *int, completedAt time.Time) error {
	row := s.db.QueryRowContext(ctx, `SELECT started_at FROM job_logs WHERE id = ?`, stepID)
	var startedAtText sql.NullString
	if err := row.Scan(&startedAtText); err != nil {
		return appErrors.NewStorageError("cannot finalize step", "", err)
	}

	var durationMS *int64
	if startedAtText.Valid {
		if startedAt, err := time.Parse(time.RFC3339, startedAtText.String); err == nil {
			d := completedAt.Sub(startedAt).Milliseconds()
			durationMS = &d
		}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE job_logs SET status = ?, exit_code = ?, completed_at = ?, duration_ms = ? WHERE id = ?
	`, string(status), exitCode, completedAt.UTC().Format(time.RFC3339), durationMS, stepID)
	if err != nil {
		return appErrors.NewStorageError("cannot finalize step", "", err)
	}
	return nil
}

// ListSteps returns a job's step logs ordered by sequence.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]StepLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, sequence, log_type, command, started_at, completed_at,
		       duration_ms, exit_code, output, output_truncated, status
		FROM job_logs WHERE job_id = ? ORDER BY sequence ASC
	`, jobID)
	if err != nil {
		return nil, appErrors.NewStorageError("cannot list steps", jobID, err)
	}
	defer rows.Close()

	var steps []StepLog
	for rows.Next() {
		var st StepLog
		var logType, status string
		var startedAt, completedAt sql.NullString
		var durationMS sql.NullInt64
		var exitCode sql.NullInt64
		var truncated int

		if err := rows.Scan(&st.ID, &st.JobID, &st.Sequence, &logType, &st.Command,
			&startedAt, &completedAt, &durationMS, &exitCode, &st.Output, &truncated, &status); err != nil {
			return nil, appErrors.NewStorageError("cannot scan step row", jobID, err)
		}

		st.LogType = StepType(logType)
		st.Status = StepStatus(status)
		st.OutputTruncated = truncated != 0
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
				st.StartedAt = &t
			}
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
				st.CompletedAt = &t
			}
		}
		if durationMS.Valid {
			st.DurationMS = &durationMS.Int64
		}
		if exitCode.Valid {
			ec := int(exitCode.Int64)
			st.ExitCode = &ec
		}

		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func appendCappedOutputByRowID(ctx context.Context, db *sql.DB, id int64, chunk string, limit int) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, appErrors.NewStorageError("cannot append step output", "", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT output, output_truncated FROM job_logs WHERE id = ?`, id)
	var current string
	var alreadyTruncated int
	if err := row.Scan(&current, &alreadyTruncated); err != nil {
		return false, appErrors.NewStorageError("cannot append step output", "", err)
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

	if _, err := tx.ExecContext(ctx, `UPDATE job_logs SET output = ?, output_truncated = ? WHERE id = ?`,
		newOutput, boolToInt(truncated), id); err != nil {
		return false, appErrors.NewStorageError("cannot append step output", "", err)
	}

	return truncated, tx.Commit()
}
