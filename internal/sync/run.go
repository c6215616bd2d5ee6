// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package sync

import (
	"context"
	"fmt"

	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
	"github.com/msgmirror/msgmirror/internal/source"
)

// execute is the run state machine. It never touches run finalization; Run
// owns that.
func (m *Manager) execute(ctx context.Context, runID int64, params RunParams, stats *models.RunStats) error {
	var degraded bool

	// A warehouse outage during repair does not cut the run short; the
	// listing phase still runs local-first and the run fails at the end.
	if params.Kind == models.RunKindIncremental {
		if err := m.repairBacklog(ctx, runID, stats, &degraded); err != nil {
			return err
		}
	}

	cursor, err := m.ledger.ResumeCursor(ctx, params.Kind)
	if err != nil {
		return err
	}
	pageToken := ""
	if cursor != nil {
		pageToken = *cursor
		logging.Info().Int64("run_id", runID).Str("cursor", pageToken).Msg("resuming from previous failed run")
	}

	var (
		query         = source.WindowQuery(params.DaysBack)
		batch         []models.Record
		pendingFailed int64
		taken         int64
	)

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}

		page, err := m.src.List(ctx, query, pageToken, m.pageSize)
		if err != nil {
			return fmt.Errorf("listing failed: %w", err)
		}

		msgs := page.Messages
		truncated := false
		if params.MaxRecords > 0 && taken+int64(len(msgs)) >= params.MaxRecords {
			msgs = msgs[:params.MaxRecords-taken]
			truncated = true
		}
		taken += int64(len(msgs))
		stats.Total += int64(len(msgs))

		records, failed := m.processMessages(ctx, msgs)
		pendingFailed += failed
		stats.Failed += failed
		batch = append(batch, records...)

		next := page.NextPageToken
		done := next == "" || truncated

		// Batches flush at page boundaries only, so the committed cursor
		// always covers a true prefix of the stream.
		if len(batch) >= m.cfg.BatchSize || done {
			var commitCursor *string
			if !done {
				commitCursor = &next
			}
			if err := m.commitBatch(ctx, runID, batch, commitCursor, pendingFailed, stats, &degraded); err != nil {
				return err
			}
			batch = batch[:0]
			pendingFailed = 0
		}

		if done {
			break
		}
		pageToken = next
	}

	if degraded {
		return errWarehouseDegraded
	}
	return nil
}

// processMessages canonicalizes one page of raw messages through the worker
// pool, preserving input order. Failures are recorded per ID and skipped.
func (m *Manager) processMessages(ctx context.Context, msgs []models.RawMessage) ([]models.Record, int64) {
	if len(msgs) == 0 {
		return nil, 0
	}

	records := make([]*models.Record, len(msgs))
	errs := make([]error, len(msgs))
	m.forEach(len(msgs), func(i int) {
		records[i], errs[i] = m.proc.Process(&msgs[i])
	})

	out := make([]models.Record, 0, len(msgs))
	var failed int64
	for i := range msgs {
		if errs[i] != nil {
			failed++
			metrics.SyncRecordsFailed.WithLabelValues("processing").Inc()
			logging.Warn().Err(errs[i]).Str("id", msgs[i].ID).Msg("record processing failed")
			if msgs[i].ID != "" {
				if recErr := m.ledger.RecordError(ctx, msgs[i].ID, errs[i]); recErr != nil {
					logging.Error().Err(recErr).Str("id", msgs[i].ID).Msg("failed to record processing error")
				}
			}
			continue
		}
		out = append(out, *records[i])
	}
	return out, failed
}

// commitBatch writes one batch local store first, then warehouse, then
// advances the ledger. A local failure aborts the run. A warehouse failure
// flags the run degraded and keeps going: the local mirror stays complete
// and the checker backlog picks up the divergence.
func (m *Manager) commitBatch(ctx context.Context, runID int64, batch []models.Record,
	cursor *string, failedDelta int64, stats *models.RunStats, degraded *bool) error {
	if len(batch) == 0 {
		if cursor == nil && failedDelta == 0 {
			return nil
		}
		return m.ledger.UpdateRunProgress(ctx, runID, 0, failedDelta, cursor)
	}

	if err := m.local.Upsert(ctx, batch); err != nil {
		for i := range batch {
			metrics.SyncRecordsFailed.WithLabelValues("local").Inc()
			if recErr := m.ledger.RecordError(ctx, batch[i].ID, err); recErr != nil {
				logging.Error().Err(recErr).Str("id", batch[i].ID).Msg("failed to record local write error")
			}
		}
		stats.Failed += int64(len(batch))
		// The run is about to abort; land the batch's failures on the run row
		// so its counts match the returned stats. The cursor stays put.
		if upErr := m.ledger.UpdateRunProgress(ctx, runID, 0, failedDelta+int64(len(batch)), nil); upErr != nil {
			logging.Error().Err(upErr).Int64("run_id", runID).Msg("failed to flush failed count")
		}
		return fmt.Errorf("local store write failed: %w", err)
	}

	whStatus := models.StatusPresent
	if err := m.warehouse.Upsert(ctx, batch); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("run cancelled: %w", ctxErr)
		}
		*degraded = true
		whStatus = models.StatusMissing
		logging.Error().Err(err).Int("batch", len(batch)).Msg("warehouse write failed, continuing local-first")
		for i := range batch {
			metrics.SyncRecordsFailed.WithLabelValues("warehouse").Inc()
			if recErr := m.ledger.RecordError(ctx, batch[i].ID, err); recErr != nil {
				logging.Error().Err(recErr).Str("id", batch[i].ID).Msg("failed to record warehouse write error")
			}
		}
	}

	for i := range batch {
		if err := m.ledger.MarkConsistency(ctx, batch[i].ID, models.StatusPresent, whStatus); err != nil {
			return fmt.Errorf("failed to mark consistency: %w", err)
		}
	}

	stats.Processed += int64(len(batch))
	metrics.SyncBatchSize.Observe(float64(len(batch)))
	metrics.SyncRecordsProcessed.Add(float64(len(batch)))

	if err := m.ledger.UpdateRunProgress(ctx, runID, int64(len(batch)), failedDelta, cursor); err != nil {
		return fmt.Errorf("failed to update run progress: %w", err)
	}
	return nil
}

// repairBacklog fetches the current needs-sync set by ID and rewrites those
// records through both stores. One bounded pass per run; records that keep
// failing age out of GetNeedsSync via their error budget.
func (m *Manager) repairBacklog(ctx context.Context, runID int64, stats *models.RunStats, degraded *bool) error {
	entries, err := m.ledger.GetNeedsSync(ctx, m.cfg.MaxErrorCount, m.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load needs-sync backlog: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	logging.Info().Int64("run_id", runID).Int("backlog", len(entries)).Msg("repairing needs-sync records")

	raws := make([]*models.RawMessage, len(entries))
	errs := make([]error, len(entries))
	m.forEach(len(entries), func(i int) {
		raws[i], errs[i] = m.src.Get(ctx, entries[i].ID)
	})

	var (
		batch         []models.Record
		pendingFailed int64
	)
	for i := range entries {
		id := entries[i].ID
		stats.Total++
		if errs[i] != nil {
			if recErr := m.ledger.RecordError(ctx, id, errs[i]); recErr != nil {
				logging.Error().Err(recErr).Str("id", id).Msg("failed to record fetch error")
			}
			if source.IsFatal(errs[i]) {
				// Gone upstream; it can never be repaired from the source.
				stats.Skipped++
				logging.Warn().Str("id", id).Msg("record no longer available upstream, skipping repair")
			} else {
				stats.Failed++
				pendingFailed++
				metrics.SyncRecordsFailed.WithLabelValues("processing").Inc()
			}
			continue
		}

		rec, perr := m.proc.Process(raws[i])
		if perr != nil {
			stats.Failed++
			pendingFailed++
			metrics.SyncRecordsFailed.WithLabelValues("processing").Inc()
			if recErr := m.ledger.RecordError(ctx, id, perr); recErr != nil {
				logging.Error().Err(recErr).Str("id", id).Msg("failed to record processing error")
			}
			continue
		}
		batch = append(batch, *rec)
	}

	return m.commitBatch(ctx, runID, batch, nil, pendingFailed, stats, degraded)
}
