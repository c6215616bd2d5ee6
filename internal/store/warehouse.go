// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the duckdb driver
	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
)

// warehouseSchema creates the mirrored records table. Payload is stored as a
// JSON string; the content hash column lets consistency checks compare
// content without shipping payloads.
const warehouseSchema = `
CREATE TABLE IF NOT EXISTS records (
	id               VARCHAR PRIMARY KEY,
	thread_id        VARCHAR,
	payload          VARCHAR NOT NULL,
	source_timestamp TIMESTAMP NOT NULL,
	content_hash     BIGINT NOT NULL,
	synced_at        TIMESTAMP NOT NULL
)`

const warehouseUpsert = `
INSERT INTO records (id, thread_id, payload, source_timestamp, content_hash, synced_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	thread_id        = EXCLUDED.thread_id,
	payload          = EXCLUDED.payload,
	source_timestamp = EXCLUDED.source_timestamp,
	content_hash     = EXCLUDED.content_hash,
	synced_at        = EXCLUDED.synced_at`

// Warehouse is the duckdb-backed analytical store. The DSN accepts any
// duckdb connection string, including md: paths for a hosted MotherDuck
// database, which is where the eventual consistency of the remote side
// comes from.
//
// Upsert wraps each batch in one SQL transaction and retries the whole
// batch on failure with geometric backoff, bounded by write_retries.
type Warehouse struct {
	db             *sql.DB
	writeRetries   int
	retryBaseDelay time.Duration
}

// OpenWarehouse opens the warehouse database and ensures the schema.
func OpenWarehouse(cfg *config.WarehouseConfig) (*Warehouse, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}
	if _, err := db.ExecContext(ctx, warehouseSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create warehouse schema: %w", err)
	}

	logging.Info().Msg("warehouse opened")
	return &Warehouse{
		db:             db,
		writeRetries:   cfg.WriteRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
	}, nil
}

// Close closes the warehouse connection.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// Upsert writes the batch inside one transaction, retrying transient
// failures up to the configured budget before surfacing a WriteError.
func (w *Warehouse) Upsert(ctx context.Context, batch []models.Record) error {
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	var lastErr error
	delay := w.retryBaseDelay

	for attempt := 0; attempt < w.writeRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			metrics.ObserveStoreWrite("warehouse", start, err)
			return err
		}

		lastErr = w.upsertOnce(ctx, batch)
		if lastErr == nil {
			metrics.ObserveStoreWrite("warehouse", start, nil)
			return nil
		}

		if attempt < w.writeRetries-1 {
			logging.Warn().Err(lastErr).Int("attempt", attempt+1).Int("max_attempts", w.writeRetries).
				Dur("delay", delay).Msg("warehouse batch upsert failed, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				metrics.ObserveStoreWrite("warehouse", start, ctx.Err())
				return ctx.Err()
			}
			delay *= 2
		}
	}

	metrics.ObserveStoreWrite("warehouse", start, lastErr)
	return &WriteError{Store: "warehouse", BatchLen: len(batch), Err: lastErr}
}

// upsertOnce performs a single transactional attempt at writing the batch.
func (w *Warehouse) upsertOnce(ctx context.Context, batch []models.Record) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, warehouseUpsert)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range batch {
		rec := &batch[i]
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", rec.ID, err)
		}
		var threadID any
		if rec.ThreadID != nil {
			threadID = *rec.ThreadID
		}
		//nolint:gosec // hash is an opaque 64-bit token, sign is irrelevant
		hash := int64(rec.ContentHash())
		if _, err := stmt.ExecContext(ctx, rec.ID, threadID, string(payload),
			rec.SourceTimestamp.UTC(), hash, now); err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

// Exists reports presence for each requested ID in one bulk lookup.
func (w *Warehouse) Exists(ctx context.Context, ids []string) (map[string]bool, error) {
	result := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	for _, id := range ids {
		result[id] = false
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := fmt.Sprintf("SELECT id FROM records WHERE id IN (%s)", placeholders)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to check warehouse presence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan presence row: %w", err)
		}
		result[id] = true
	}
	return result, rows.Err()
}

// Get fetches one record by ID.
func (w *Warehouse) Get(ctx context.Context, id string) (*models.Record, bool, error) {
	row := w.db.QueryRowContext(ctx,
		"SELECT id, thread_id, payload, source_timestamp FROM records WHERE id = ?", id)

	var rec models.Record
	var threadID sql.NullString
	var payload string
	if err := row.Scan(&rec.ID, &threadID, &payload, &rec.SourceTimestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get record %s: %w", id, err)
	}

	if threadID.Valid {
		rec.ThreadID = &threadID.String
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, false, fmt.Errorf("failed to decode payload for %s: %w", id, err)
	}
	rec.SourceTimestamp = rec.SourceTimestamp.UTC()
	return &rec, true, nil
}
