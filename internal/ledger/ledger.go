// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package ledger is the durable sync-status ledger: an append-only history of
// sync runs plus one consistency entry per known record ID. It lives in its
// own duckdb file so a warehouse outage never takes the bookkeeping with it.
// Runs and entries are never deleted.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // registers the duckdb driver

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/logging"
)

const ledgerSchema = `
CREATE SEQUENCE IF NOT EXISTS sync_runs_seq START 1;

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id          BIGINT PRIMARY KEY DEFAULT nextval('sync_runs_seq'),
	kind            VARCHAR NOT NULL,
	status          VARCHAR NOT NULL,
	started_at      TIMESTAMP NOT NULL,
	ended_at        TIMESTAMP,
	processed_count BIGINT NOT NULL DEFAULT 0,
	failed_count    BIGINT NOT NULL DEFAULT 0,
	error_summary   VARCHAR,
	cursor          VARCHAR
);

CREATE TABLE IF NOT EXISTS consistency_entries (
	id               VARCHAR PRIMARY KEY,
	local_status     VARCHAR NOT NULL,
	warehouse_status VARCHAR NOT NULL,
	last_checked     TIMESTAMP NOT NULL,
	needs_sync       BOOLEAN NOT NULL,
	error_count      INTEGER NOT NULL DEFAULT 0,
	last_error       VARCHAR
)`

// Ledger wraps the duckdb connection holding sync_runs and
// consistency_entries. All operations are single atomic statements; there is
// no cross-statement transaction surface because none of the contracts need
// one.
type Ledger struct {
	db              *sql.DB
	orphanThreshold time.Duration
}

// Open opens (or creates) the ledger database and ensures the schema.
func Open(cfg *config.LedgerConfig) (*Ledger, error) {
	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}
	if _, err := db.ExecContext(ctx, ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Msg("sync ledger opened")
	return &Ledger{db: db, orphanThreshold: cfg.OrphanThreshold}, nil
}

// Close closes the ledger connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}
