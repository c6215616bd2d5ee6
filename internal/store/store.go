// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package store holds the two downstream record stores: the badger-backed
// low-latency local store and the duckdb-backed analytical warehouse. Both
// implement the same Store contract; the engine never couples to a concrete
// transport.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/msgmirror/msgmirror/internal/models"
)

// Store is the contract both downstream stores satisfy.
//
// Upsert is all-or-nothing per call and idempotent: applying the same batch
// twice yields the same final state and no error. Exists tolerates empty and
// partially-unknown ID lists. There is no distributed transaction across the
// two stores; a warehouse failure never rolls back a committed local write.
type Store interface {
	Upsert(ctx context.Context, batch []models.Record) error
	Exists(ctx context.Context, ids []string) (map[string]bool, error)
	Get(ctx context.Context, id string) (*models.Record, bool, error)
}

// WriteError is a batch-level store write failure, surfaced after the
// store's own retry budget is exhausted.
type WriteError struct {
	Store    string
	BatchLen int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s: batch upsert of %d records failed: %v", e.Store, e.BatchLen, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is (or wraps) a batch write failure.
func IsWriteError(err error) bool {
	var w *WriteError
	return errors.As(err, &w)
}
