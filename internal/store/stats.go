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

// InsertConfigSnapshot records a config_snapshots row; snapshots are
// append-only per §3's invariant.
func (s *Store) InsertConfigSnapshot(ctx context.Context, rawTOML, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config_snapshots (snapshot_at, raw_toml, reason) VALUES (?, ?, ?)
	`, time.Now().UTC().Format(time.RFC3339), rawTOML, reason)
	if err != nil {
		return appErrors.NewStorageError("cannot record config snapshot", reason, err)
	}
	return nil
}

// Stats computes the aggregate counts backing /api/stats. Dry-run jobs
// are excluded from the success-rate calculation per §6 and §8 scenario 6.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	stats.CountsByState = make(map[string]int)

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return stats, appErrors.NewStorageError("cannot compute stats", "", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, appErrors.NewStorageError("cannot scan stats row", "", err)
		}
		stats.CountsByState[status] = count
		stats.TotalJobs += count
		switch JobStatus(status) {
		case JobRunning:
			stats.RunningJobs = count
		case JobSuccess:
			stats.SuccessJobs = count
		case JobFailed:
			stats.FailedJobs = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, appErrors.NewStorageError("cannot compute stats", "", err)
	}

	var nonDryTotal, nonDrySuccess int
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('success', 'failed')),
			COUNT(*) FILTER (WHERE status = 'success')
		FROM jobs WHERE dry_run = 0
	`)
	if err := row.Scan(&nonDryTotal, &nonDrySuccess); err != nil {
		return stats, appErrors.NewStorageError("cannot compute success rate", "", err)
	}
	if nonDryTotal > 0 {
		stats.SuccessRate = float64(nonDrySuccess) / float64(nonDryTotal)
	}

	return stats, nil
}

// ListProjectSummaries computes the per-project rollup backing
// /api/projects: job count, success rate (dry-runs excluded), and the
// most recent job's timestamp and status.
func (s *Store) ListProjectSummaries(ctx context.Context) ([]ProjectSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT project_name FROM jobs ORDER BY project_name`)
	if err != nil {
		return nil, appErrors.NewStorageError("cannot list projects", "", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, appErrors.NewStorageError("cannot scan project name", "", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	summaries := make([]ProjectSummary, 0, len(names))
	for _, name := range names {
		summary := ProjectSummary{ProjectName: name}

		var total, success int
		row := s.db.QueryRowContext(ctx, `
			SELECT
				COUNT(*) FILTER (WHERE status IN ('success', 'failed')),
				COUNT(*) FILTER (WHERE status = 'success')
			FROM jobs WHERE project_name = ? AND dry_run = 0
		`, name)
		if err := row.Scan(&total, &success); err != nil {
			return nil, appErrors.NewStorageError("cannot compute project success rate", name, err)
		}
		summary.TotalJobs = total
		if total > 0 {
			summary.SuccessRate = float64(success) / float64(total)
		}

		lastRow := s.db.QueryRowContext(ctx, `
			SELECT created_at, status FROM jobs WHERE project_name = ? ORDER BY created_at DESC LIMIT 1
		`, name)
		var createdAt sql.NullString
		var status sql.NullString
		if err := lastRow.Scan(&createdAt, &status); err == nil {
			if createdAt.Valid {
				if t, err := time.Parse(time.RFC3339, createdAt.String); err == nil {
					summary.LastJobAt = &t
				}
			}
			summary.LastStatus = status.String
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}
