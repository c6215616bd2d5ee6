// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package models

import "time"

// PresenceStatus classifies a record's state in one downstream store.
type PresenceStatus string

const (
	StatusPresent PresenceStatus = "present"
	StatusMissing PresenceStatus = "missing"
	// StatusStale means the record exists but its content hash diverges
	// from the other copy. Stale records still need sync.
	StatusStale PresenceStatus = "stale"
)

// ConsistencyEntry is the per-record reconciliation row, keyed by record ID.
// Entries are created on first check and never deleted; ErrorCount drives
// retry-budget decisions.
type ConsistencyEntry struct {
	ID              string         `json:"id"`
	LocalStatus     PresenceStatus `json:"local_status"`
	WarehouseStatus PresenceStatus `json:"warehouse_status"`
	LastChecked     time.Time      `json:"last_checked"`
	NeedsSync       bool           `json:"needs_sync"`
	ErrorCount      int            `json:"error_count"`
	LastError       map[string]any `json:"last_error,omitempty"`
}

// ComputeNeedsSync derives the needs_sync invariant: true whenever either
// store is anything other than present.
func ComputeNeedsSync(local, warehouse PresenceStatus) bool {
	return local != StatusPresent || warehouse != StatusPresent
}

// CheckReport holds the counters a consistency check returns. These are the
// externally observable health metrics of the engine.
type CheckReport struct {
	TotalChecked     int `json:"total_checked"`
	Inconsistent     int `json:"inconsistent"`
	MissingLocal     int `json:"missing_local"`
	MissingWarehouse int `json:"missing_warehouse"`
	NeedsSync        int `json:"needs_sync"`
}
