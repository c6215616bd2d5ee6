// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package main is the msgmirror entry point.
//
// Msgmirror continuously mirrors messages from a remote, rate-limited message
// API into two downstream stores: a badger-backed local store for low-latency
// reads and a duckdb warehouse for analytics. A durable sync ledger records
// every run and the per-record consistency state, making crashes resumable
// and divergence between the stores detectable and repairable.
//
// The process runs three supervised services: the periodic sync loop, the
// periodic consistency check loop, and the operator HTTP API. Configuration
// is loaded via koanf (defaults, optional config.yaml, environment
// overrides). Shutdown is graceful on SIGINT and SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/msgmirror/msgmirror/internal/api"
	"github.com/msgmirror/msgmirror/internal/checker"
	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/ledger"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/processor"
	"github.com/msgmirror/msgmirror/internal/source"
	"github.com/msgmirror/msgmirror/internal/store"
	"github.com/msgmirror/msgmirror/internal/supervisor"
	"github.com/msgmirror/msgmirror/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(logging.DefaultConfig())
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Msg("msgmirror starting")

	led, err := ledger.Open(&cfg.Ledger)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open sync ledger")
	}
	defer led.Close()

	local, err := store.OpenLocal(&cfg.Local)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open local store")
	}
	defer local.Close()

	warehouse, err := store.OpenWarehouse(&cfg.Warehouse)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open warehouse")
	}
	defer warehouse.Close()

	var src source.Connector = source.NewClient(&cfg.Source)
	if cfg.Source.BreakerEnabled {
		src = source.NewBreakerClient(src)
	}

	mgr := sync.NewManager(cfg, src, processor.NewMessageProcessor(), local, warehouse, led)
	chk := checker.New(src, local, warehouse, led, cfg.Checker)

	router := api.NewRouter(&cfg.Server, mgr, chk, led)
	httpServer := api.NewServer(&cfg.Server, router)

	tree := supervisor.NewTree(supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.Add(&supervisor.SyncLoopService{Manager: mgr})
	if cfg.Checker.Interval > 0 {
		tree.Add(&supervisor.CheckLoopService{
			Checker:  chk,
			Interval: cfg.Checker.Interval,
			DaysBack: cfg.Checker.DaysBack,
		})
	}
	tree.Add(httpServer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("supervisor exited")
		os.Exit(1)
	}
	logging.Info().Msg("msgmirror stopped")
}
