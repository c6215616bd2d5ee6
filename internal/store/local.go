// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
)

// recordKeyPrefix namespaces record keys inside badger.
const recordKeyPrefix = "record/"

// Local is the badger-backed low-latency store. Records are stored as JSON
// values keyed by record/<id>. A batch upsert runs in a single badger
// transaction, which gives the all-or-nothing contract for the batch sizes
// this engine uses.
type Local struct {
	db *badger.DB
}

// OpenLocal opens (or creates) the local store at cfg.Path.
func OpenLocal(cfg *config.LocalConfig) (*Local, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithInMemory(cfg.InMemory)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Bool("in_memory", cfg.InMemory).Msg("local store opened")
	return &Local{db: db}, nil
}

// Close flushes and closes the underlying badger database.
func (l *Local) Close() error {
	return l.db.Close()
}

// Upsert writes the batch in one transaction. Re-applying a batch overwrites
// each record with identical content, so the call is idempotent.
func (l *Local) Upsert(ctx context.Context, batch []models.Record) error {
	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := l.db.Update(func(txn *badger.Txn) error {
		for i := range batch {
			rec := &batch[i]
			value, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
			}
			if err := txn.Set(recordKey(rec.ID), value); err != nil {
				return fmt.Errorf("failed to set record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	metrics.ObserveStoreWrite("local", start, err)

	if err != nil {
		return &WriteError{Store: "local", BatchLen: len(batch), Err: err}
	}
	return nil
}

// Exists reports presence for each requested ID. Unknown IDs come back
// false; an empty input yields an empty map.
func (l *Local) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	err := l.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			_, err := txn.Get(recordKey(id))
			switch {
			case err == nil:
				result[id] = true
			case errors.Is(err, badger.ErrKeyNotFound):
				result[id] = false
			default:
				return fmt.Errorf("failed to check record %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get fetches one record by ID.
func (l *Local) Get(ctx context.Context, id string) (*models.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var rec models.Record
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return json.Unmarshal(value, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return &rec, true, nil
}

func recordKey(id string) []byte {
	return []byte(recordKeyPrefix + id)
}
