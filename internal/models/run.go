// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package models

import "time"

// RunKind distinguishes bulk backfills from cheap catch-up syncs.
type RunKind string

const (
	RunKindHistorical  RunKind = "historical"
	RunKindIncremental RunKind = "incremental"
)

// Valid reports whether the kind is one of the known values.
func (k RunKind) Valid() bool {
	return k == RunKindHistorical || k == RunKindIncremental
}

// RunStatus is the lifecycle state of a sync run. A run is created
// in_progress and transitions exactly once to succeeded or failed. A crash
// leaves the run permanently in_progress until orphan cleanup fails it.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// SyncRun is one ledger row describing an orchestrator invocation. Rows are
// append-only; finished runs are never reopened.
type SyncRun struct {
	RunID          int64          `json:"run_id"`
	Kind           RunKind        `json:"kind"`
	Status         RunStatus      `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	ProcessedCount int64          `json:"processed_count"`
	FailedCount    int64          `json:"failed_count"`
	ErrorSummary   map[string]any `json:"error_summary,omitempty"`
	// Cursor is the last committed pagination token. It always reflects a
	// true prefix of completed batches, which is what makes resume safe.
	Cursor *string `json:"cursor,omitempty"`
}

// RunStats is the fixed-shape result of one run.
type RunStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
	Total     int64 `json:"total"`
}
