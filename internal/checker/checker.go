// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package checker audits record presence across the local store and the
// warehouse and records the verdicts in the sync ledger. It only observes
// and marks; repair is the orchestrator's job via the needs-sync backlog.
package checker

import (
	"context"
	"fmt"
	"sync"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/ledger"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
	"github.com/msgmirror/msgmirror/internal/source"
	"github.com/msgmirror/msgmirror/internal/store"
)

// Ledger is the slice of the sync ledger the checker writes through.
type Ledger interface {
	MarkConsistency(ctx context.Context, id string, localStatus, warehouseStatus models.PresenceStatus) error
	RecordError(ctx context.Context, id string, cause error) error
	KnownIDs(ctx context.Context, limit int) ([]string, error)
	CountNeedsSync(ctx context.Context) (int64, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

// Checker compares record presence between the two stores.
type Checker struct {
	src       source.Connector
	local     store.Store
	warehouse store.Store
	ledger    Ledger
	cfg       config.CheckerConfig
}

// New creates a checker. src may be nil when window listing is never used.
func New(src source.Connector, local, warehouse store.Store, led Ledger, cfg config.CheckerConfig) *Checker {
	return &Checker{src: src, local: local, warehouse: warehouse, ledger: led, cfg: cfg}
}

// Check audits the given IDs in sub-batches. A single store being down
// degrades to conservative marking (that side recorded missing, the failure
// recorded per ID); only both stores failing aborts the check.
func (c *Checker) Check(ctx context.Context, ids []string) (*models.CheckReport, error) {
	metrics.ConsistencyChecksTotal.Inc()
	report := &models.CheckReport{}

	subBatch := c.cfg.SubBatchSize
	if subBatch <= 0 {
		subBatch = 100
	}

	for start := 0; start < len(ids); start += subBatch {
		end := start + subBatch
		if end > len(ids) {
			end = len(ids)
		}
		if err := c.checkSubBatch(ctx, ids[start:end], report); err != nil {
			return nil, err
		}
	}

	if backlog, err := c.ledger.CountNeedsSync(ctx); err == nil {
		report.NeedsSync = int(backlog)
		metrics.NeedsSyncBacklog.Set(float64(backlog))
	} else {
		logging.Warn().Err(err).Msg("failed to count needs-sync backlog")
	}

	logging.Info().Int("checked", report.TotalChecked).Int("inconsistent", report.Inconsistent).
		Int("needs_sync", report.NeedsSync).Msg("consistency check finished")
	return report, nil
}

func (c *Checker) checkSubBatch(ctx context.Context, ids []string, report *models.CheckReport) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		wg              sync.WaitGroup
		localRes, whRes map[string]bool
		localErr, whErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		localRes, localErr = c.local.Exists(ctx, ids)
	}()
	go func() {
		defer wg.Done()
		whRes, whErr = c.warehouse.Exists(ctx, ids)
	}()
	wg.Wait()

	if localErr != nil && whErr != nil {
		return fmt.Errorf("both stores unavailable: local: %v; warehouse: %w", localErr, whErr)
	}
	if localErr != nil {
		logging.Warn().Err(localErr).Int("ids", len(ids)).Msg("local store unavailable, marking conservatively")
	}
	if whErr != nil {
		logging.Warn().Err(whErr).Int("ids", len(ids)).Msg("warehouse unavailable, marking conservatively")
	}

	for _, id := range ids {
		localStatus := presenceOf(localRes, localErr, id)
		whStatus := presenceOf(whRes, whErr, id)

		if storeErr := firstErr(localErr, whErr); storeErr != nil {
			if err := c.ledger.RecordError(ctx, id, storeErr); err != nil {
				return fmt.Errorf("failed to record store error: %w", err)
			}
		}

		if c.cfg.VerifyContent && localStatus == models.StatusPresent && whStatus == models.StatusPresent {
			var err error
			whStatus, err = c.verifyContent(ctx, id)
			if err != nil {
				if recErr := c.ledger.RecordError(ctx, id, err); recErr != nil {
					return fmt.Errorf("failed to record verify error: %w", recErr)
				}
				whStatus = models.StatusMissing
			}
		}

		if err := c.ledger.MarkConsistency(ctx, id, localStatus, whStatus); err != nil {
			return fmt.Errorf("failed to mark consistency: %w", err)
		}

		report.TotalChecked++
		metrics.ConsistencyRecordsChecked.Inc()
		if localStatus != models.StatusPresent {
			report.MissingLocal++
			metrics.ConsistencyInconsistent.WithLabelValues("local").Inc()
		}
		if whStatus != models.StatusPresent {
			report.MissingWarehouse++
			metrics.ConsistencyInconsistent.WithLabelValues("warehouse").Inc()
		}
		if models.ComputeNeedsSync(localStatus, whStatus) {
			report.Inconsistent++
		}
	}
	return nil
}

// verifyContent compares the content hashes of the two copies. The local
// store is written first and is the reference; a diverging warehouse copy is
// stale.
func (c *Checker) verifyContent(ctx context.Context, id string) (models.PresenceStatus, error) {
	localRec, localFound, err := c.local.Get(ctx, id)
	if err != nil {
		return models.StatusMissing, fmt.Errorf("local read for verify: %w", err)
	}
	whRec, whFound, err := c.warehouse.Get(ctx, id)
	if err != nil {
		return models.StatusMissing, fmt.Errorf("warehouse read for verify: %w", err)
	}
	if !localFound || !whFound {
		// Raced with a delete between Exists and Get; presence check wins.
		return models.StatusMissing, nil
	}
	if localRec.ContentHash() != whRec.ContentHash() {
		return models.StatusStale, nil
	}
	return models.StatusPresent, nil
}

// CheckWindow audits the IDs the source lists for the last daysBack days.
// With daysBack <= 0 it falls back to every ID the ledger knows, which makes
// it a full audit that works even when the source is unreachable.
func (c *Checker) CheckWindow(ctx context.Context, daysBack int) (*models.CheckReport, error) {
	ids, err := c.windowIDs(ctx, daysBack)
	if err != nil {
		return nil, err
	}
	logging.Debug().Int("candidates", len(ids)).Int("days_back", daysBack).Msg("running windowed consistency check")
	return c.Check(ctx, ids)
}

func (c *Checker) windowIDs(ctx context.Context, daysBack int) ([]string, error) {
	if daysBack <= 0 || c.src == nil {
		return c.ledger.KnownIDs(ctx, 0)
	}

	var ids []string
	query := source.WindowQuery(daysBack)
	pageToken := ""
	for {
		page, err := c.src.List(ctx, query, pageToken, config.MaxPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list check window: %w", err)
		}
		for _, msg := range page.Messages {
			ids = append(ids, msg.ID)
		}
		if page.NextPageToken == "" {
			return ids, nil
		}
		pageToken = page.NextPageToken
	}
}

func presenceOf(res map[string]bool, err error, id string) models.PresenceStatus {
	if err != nil || !res[id] {
		return models.StatusMissing
	}
	return models.StatusPresent
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
