// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/models"
)

// MarkConsistency upserts the per-store presence for one record and
// recomputes needs_sync from it. Error bookkeeping on the entry is preserved;
// only RecordError touches it.
func (l *Ledger) MarkConsistency(ctx context.Context, id string, localStatus, warehouseStatus models.PresenceStatus) error {
	if id == "" {
		return fmt.Errorf("missing record id")
	}

	needsSync := models.ComputeNeedsSync(localStatus, warehouseStatus)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO consistency_entries (id, local_status, warehouse_status, last_checked, needs_sync)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			local_status = EXCLUDED.local_status,
			warehouse_status = EXCLUDED.warehouse_status,
			last_checked = EXCLUDED.last_checked,
			needs_sync = EXCLUDED.needs_sync`,
		id, localStatus, warehouseStatus, time.Now().UTC(), needsSync)
	if err != nil {
		return fmt.Errorf("failed to mark consistency for %s: %w", id, err)
	}
	return nil
}

// RecordError increments the entry's error counter and stores the error.
// A record unknown to the ledger gets a conservative entry (both stores
// missing, needs_sync true) so the failure is visible to repair.
func (l *Ledger) RecordError(ctx context.Context, id string, cause error) error {
	if id == "" {
		return fmt.Errorf("missing record id")
	}

	lastError, err := json.Marshal(map[string]any{
		"error": cause.Error(),
		"at":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode error for %s: %w", id, err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO consistency_entries (id, local_status, warehouse_status, last_checked, needs_sync, error_count, last_error)
		VALUES (?, ?, ?, ?, true, 1, ?)
		ON CONFLICT (id) DO UPDATE SET
			error_count = error_count + 1,
			last_error = EXCLUDED.last_error`,
		id, models.StatusMissing, models.StatusMissing, time.Now().UTC(), string(lastError))
	if err != nil {
		return fmt.Errorf("failed to record error for %s: %w", id, err)
	}
	return nil
}

// GetNeedsSync returns inconsistent entries whose error count is still below
// maxErrorCount, oldest check first, so the staleest records get repaired
// before recently inspected ones. An entry that has used up its budget stays
// in the table but is no longer handed out for repair.
func (l *Ledger) GetNeedsSync(ctx context.Context, maxErrorCount, limit int) ([]models.ConsistencyEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, local_status, warehouse_status, last_checked, needs_sync, error_count, last_error
		FROM consistency_entries
		WHERE needs_sync AND error_count < ?
		ORDER BY last_checked ASC, id ASC
		LIMIT ?`, maxErrorCount, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query needs-sync entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntry fetches one consistency entry; found is false for unknown IDs.
func (l *Ledger) GetEntry(ctx context.Context, id string) (*models.ConsistencyEntry, bool, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, local_status, warehouse_status, last_checked, needs_sync, error_count, last_error
		FROM consistency_entries WHERE id = ?`, id)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get entry %s: %w", id, err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	return &entries[0], true, nil
}

// KnownIDs returns every record ID the ledger has ever seen, for audits that
// run without a source listing window.
func (l *Ledger) KnownIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10000
	}

	rows, err := l.db.QueryContext(ctx,
		"SELECT id FROM consistency_entries ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list known ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountNeedsSync reports the size of the repair backlog.
func (l *Ledger) CountNeedsSync(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		"SELECT count(*) FROM consistency_entries WHERE needs_sync").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count needs-sync entries: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]models.ConsistencyEntry, error) {
	var entries []models.ConsistencyEntry
	for rows.Next() {
		var e models.ConsistencyEntry
		var lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.LocalStatus, &e.WarehouseStatus,
			&e.LastChecked, &e.NeedsSync, &e.ErrorCount, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan consistency entry: %w", err)
		}
		e.LastChecked = e.LastChecked.UTC()
		if lastError.Valid {
			if err := json.Unmarshal([]byte(lastError.String), &e.LastError); err != nil {
				return nil, fmt.Errorf("failed to decode last error for %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
