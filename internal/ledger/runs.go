// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/models"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("sync run not found")

// ErrRunNotInProgress is returned when a terminal run is finished twice. The
// status column is written exactly once per run.
var ErrRunNotInProgress = errors.New("sync run is not in progress")

// orphanSummary is the error_summary written to runs abandoned by a crash.
const orphanSummary = `{"reason":"orphaned"}`

// StartRun opens a new in_progress run of the given kind and returns its ID.
// Any in_progress run of the same kind older than the orphan threshold is
// first failed with an orphaned error summary, so a crash never wedges the
// kind forever.
func (l *Ledger) StartRun(ctx context.Context, kind models.RunKind) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("invalid run kind %q", kind)
	}

	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, ended_at = ?, error_summary = ?
		WHERE kind = ? AND status = ? AND started_at < ?`,
		models.RunStatusFailed, now, orphanSummary,
		kind, models.RunStatusInProgress, now.Add(-l.orphanThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned runs: %w", err)
	}
	if orphaned, err := res.RowsAffected(); err == nil && orphaned > 0 {
		logging.Warn().Int64("count", orphaned).Str("kind", string(kind)).
			Msg("failed orphaned sync runs")
	}

	var runID int64
	err = l.db.QueryRowContext(ctx, `
		INSERT INTO sync_runs (kind, status, started_at)
		VALUES (?, ?, ?)
		RETURNING run_id`,
		kind, models.RunStatusInProgress, now).Scan(&runID)
	if err != nil {
		return 0, fmt.Errorf("failed to start run: %w", err)
	}
	return runID, nil
}

// UpdateRunProgress adds the deltas to the run's counters and, when cursor is
// non-nil, advances the resume cursor. The cursor only moves after both
// stores have committed the batch it covers.
func (l *Ledger) UpdateRunProgress(ctx context.Context, runID int64, processedDelta, failedDelta int64, cursor *string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET processed_count = processed_count + ?,
		    failed_count = failed_count + ?,
		    cursor = coalesce(?, cursor)
		WHERE run_id = ?`,
		processedDelta, failedDelta, cursor, runID)
	if err != nil {
		return fmt.Errorf("failed to update run %d progress: %w", runID, err)
	}
	return requireRow(res, runID, ErrRunNotFound)
}

// FinishRun transitions the run to a terminal status exactly once.
func (l *Ledger) FinishRun(ctx context.Context, runID int64, status models.RunStatus, errorSummary map[string]any) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finish run %d with non-terminal status %q", runID, status)
	}

	var summary any
	if len(errorSummary) > 0 {
		raw, err := json.Marshal(errorSummary)
		if err != nil {
			return fmt.Errorf("failed to encode error summary: %w", err)
		}
		summary = string(raw)
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status = ?, ended_at = ?, error_summary = ?
		WHERE run_id = ? AND status = ?`,
		status, time.Now().UTC(), summary, runID, models.RunStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", runID, err)
	}
	return requireRow(res, runID, ErrRunNotInProgress)
}

// GetRun fetches one run by ID.
func (l *Ledger) GetRun(ctx context.Context, runID int64) (*models.SyncRun, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, kind, status, started_at, ended_at,
		       processed_count, failed_count, error_summary, cursor
		FROM sync_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the most recent runs, newest first. An empty kind matches
// all kinds.
func (l *Ledger) ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, kind, status, started_at, ended_at,
		       processed_count, failed_count, error_summary, cursor
		FROM sync_runs
		WHERE (? = '' OR kind = ?)
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ResumeCursor returns the cursor to resume from for the given kind: the
// cursor of the latest terminal run when that run did not succeed, nil when
// it succeeded or no terminal run exists. In-flight runs are ignored.
func (l *Ledger) ResumeCursor(ctx context.Context, kind models.RunKind) (*string, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT status, cursor FROM sync_runs
		WHERE kind = ? AND status <> ?
		ORDER BY started_at DESC, run_id DESC
		LIMIT 1`, kind, models.RunStatusInProgress)

	var status string
	var cursor sql.NullString
	if err := row.Scan(&status, &cursor); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read resume cursor: %w", err)
	}

	if models.RunStatus(status) == models.RunStatusSucceeded || !cursor.Valid {
		return nil, nil
	}
	c := cursor.String
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.SyncRun, error) {
	var run models.SyncRun
	var endedAt sql.NullTime
	var summary, cursor sql.NullString

	err := row.Scan(&run.RunID, &run.Kind, &run.Status, &run.StartedAt, &endedAt,
		&run.ProcessedCount, &run.FailedCount, &summary, &cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.StartedAt = run.StartedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		run.EndedAt = &t
	}
	if summary.Valid {
		if err := json.Unmarshal([]byte(summary.String), &run.ErrorSummary); err != nil {
			return nil, fmt.Errorf("failed to decode error summary for run %d: %w", run.RunID, err)
		}
	}
	if cursor.Valid {
		c := cursor.String
		run.Cursor = &c
	}
	return &run, nil
}

func requireRow(res sql.Result, runID int64, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %d: %w", runID, missing)
	}
	return nil
}
