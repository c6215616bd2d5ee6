// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package sync drives mirror runs: it pulls pages from the source connector,
// canonicalizes records through a bounded worker pool, and commits batches
// local store first, warehouse second, advancing the ledger cursor only over
// fully committed batches. There is no distributed transaction between the
// two stores; divergence is recorded and repaired, never rolled back.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/ledger"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
	"github.com/msgmirror/msgmirror/internal/processor"
	"github.com/msgmirror/msgmirror/internal/source"
	"github.com/msgmirror/msgmirror/internal/store"
)

// ErrRunInFlight is returned when a run is requested while another one holds
// the sync lock. Runs never queue; callers retry later.
var ErrRunInFlight = errors.New("a sync run is already in progress")

// errWarehouseDegraded marks a run that kept mirroring local-first after the
// warehouse stopped accepting writes. The run finishes FAILED so operators
// notice, even though the local store is complete.
var errWarehouseDegraded = errors.New("warehouse unavailable during run")

// RunParams selects what a single run covers.
type RunParams struct {
	Kind models.RunKind
	// DaysBack bounds the listing window; <= 0 means everything.
	DaysBack int
	// MaxRecords caps how many items are taken from the source; <= 0 means
	// unbounded.
	MaxRecords int64
}

// Manager owns one end-to-end mirror pipeline. A single Manager serializes
// its runs: the sync mutex is taken with TryLock, never queued on.
type Manager struct {
	cfg       config.SyncConfig
	pageSize  int
	src       source.Connector
	proc      processor.Processor
	local     store.Store
	warehouse store.Store
	ledger    *ledger.Ledger

	syncMu sync.Mutex
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg *config.Config, src source.Connector, proc processor.Processor,
	local, warehouse store.Store, led *ledger.Ledger) *Manager {
	return &Manager{
		cfg:       cfg.Sync,
		pageSize:  cfg.Source.EffectivePageSize(),
		src:       src,
		proc:      proc,
		local:     local,
		warehouse: warehouse,
		ledger:    led,
	}
}

// Run executes one sync run to completion and finalizes its ledger row. The
// returned error is non-nil exactly when the run finished FAILED; per-record
// processing failures alone do not fail a run.
func (m *Manager) Run(ctx context.Context, params RunParams) (*models.RunStats, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("invalid run kind %q", params.Kind)
	}
	if !m.syncMu.TryLock() {
		return nil, ErrRunInFlight
	}
	defer m.syncMu.Unlock()

	start := time.Now()
	runID, err := m.ledger.StartRun(ctx, params.Kind)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	logging.Info().Int64("run_id", runID).Str("kind", string(params.Kind)).
		Int("days_back", params.DaysBack).Msg("sync run started")

	stats := &models.RunStats{}
	runErr := m.execute(ctx, runID, params, stats)

	status := models.RunStatusSucceeded
	var summary map[string]any
	if runErr != nil {
		status = models.RunStatusFailed
		summary = map[string]any{"reason": failureReason(runErr), "error": runErr.Error()}
	}
	// Finalizing uses a detached context so a cancelled run still gets its
	// terminal ledger row.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.ledger.FinishRun(finishCtx, runID, status, summary); err != nil {
		logging.Error().Err(err).Int64("run_id", runID).Msg("failed to finalize run")
	}
	metrics.RecordRunOutcome(string(params.Kind), string(status), time.Since(start))

	logging.Info().Int64("run_id", runID).Str("status", string(status)).
		Int64("processed", stats.Processed).Int64("failed", stats.Failed).
		Int64("skipped", stats.Skipped).Dur("took", time.Since(start)).Msg("sync run finished")

	if runErr != nil {
		return stats, fmt.Errorf("run %d: %w", runID, runErr)
	}
	return stats, nil
}

// LastRunID returns the most recent run ID of the kind, letting callers
// correlate a Run result with its ledger row.
func (m *Manager) LastRunID(ctx context.Context, kind models.RunKind) (int64, error) {
	runs, err := m.ledger.ListRuns(ctx, kind, 1)
	if err != nil {
		return 0, err
	}
	if len(runs) == 0 {
		return 0, ledger.ErrRunNotFound
	}
	return runs[0].RunID, nil
}

// failureReason maps a run error to the stable reason token stored in the
// ledger's error summary.
func failureReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, errWarehouseDegraded):
		return "warehouse_unavailable"
	case store.IsWriteError(err):
		return "store_write"
	case source.IsFatal(err):
		return "fatal_fetch"
	case source.IsTransient(err):
		return "fetch_exhausted"
	default:
		return "internal"
	}
}

// forEach runs fn(i) for i in [0,n) through a bounded worker pool sized by
// the configured concurrency.
func (m *Manager) forEach(n int, fn func(int)) {
	workers := m.cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
