// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package api is the operational HTTP surface: trigger and inspect sync
// runs, trigger consistency checks, and read the repair backlog. It is an
// operator API, not a data path; records never flow through it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/models"
	"github.com/msgmirror/msgmirror/internal/sync"
)

// Syncer is the slice of the sync manager the API drives.
type Syncer interface {
	Run(ctx context.Context, params sync.RunParams) (*models.RunStats, error)
	LastRunID(ctx context.Context, kind models.RunKind) (int64, error)
}

// Auditor triggers consistency checks.
type Auditor interface {
	CheckWindow(ctx context.Context, daysBack int) (*models.CheckReport, error)
}

// LedgerReader is the read-only ledger surface the API exposes.
type LedgerReader interface {
	ListRuns(ctx context.Context, kind models.RunKind, limit int) ([]models.SyncRun, error)
	GetNeedsSync(ctx context.Context, maxErrorCount, limit int) ([]models.ConsistencyEntry, error)
}

// NewRouter assembles the chi router with the full middleware stack.
func NewRouter(cfg *config.ServerConfig, syncer Syncer, auditor Auditor, led LedgerReader) http.Handler {
	h := newHandler(syncer, auditor, led)

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(cfg.RequestsPerMin, time.Minute))
		r.Post("/runs", h.TriggerRun)
		r.Get("/runs", h.ListRuns)
		r.Post("/checks", h.TriggerCheck)
		r.Get("/needs-sync", h.NeedsSync)
	})

	return r
}
