// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/models"
	"github.com/msgmirror/msgmirror/internal/sync"
)

// maxRequestBody caps operator request bodies; the API carries parameters,
// never record payloads.
const maxRequestBody = 1 << 20

type handler struct {
	syncer   Syncer
	auditor  Auditor
	ledger   LedgerReader
	validate *validator.Validate
}

func newHandler(syncer Syncer, auditor Auditor, led LedgerReader) *handler {
	return &handler{
		syncer:   syncer,
		auditor:  auditor,
		ledger:   led,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close() //nolint:errcheck
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return false
	}
	return true
}

// Health reports liveness.
func (h *handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type triggerRunRequest struct {
	Kind       string `json:"kind" validate:"required,oneof=historical incremental"`
	DaysBack   int    `json:"days_back" validate:"gte=0"`
	MaxRecords int64  `json:"max_records" validate:"gte=0"`
}

type triggerRunResponse struct {
	RunID  int64            `json:"run_id"`
	Status models.RunStatus `json:"status"`
	Stats  *models.RunStats `json:"stats"`
	Error  string           `json:"error,omitempty"`
}

// TriggerRun starts a sync run and blocks until it finishes. A run already
// in flight is a conflict, not a queue.
func (h *handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if !h.decode(w, r, &req) {
		return
	}

	kind := models.RunKind(req.Kind)
	stats, runErr := h.syncer.Run(r.Context(), sync.RunParams{
		Kind:       kind,
		DaysBack:   req.DaysBack,
		MaxRecords: req.MaxRecords,
	})
	if errors.Is(runErr, sync.ErrRunInFlight) {
		writeError(w, http.StatusConflict, runErr.Error())
		return
	}
	if runErr != nil && stats == nil {
		writeError(w, http.StatusInternalServerError, runErr.Error())
		return
	}

	resp := triggerRunResponse{Status: models.RunStatusSucceeded, Stats: stats}
	if runErr != nil {
		resp.Status = models.RunStatusFailed
		resp.Error = runErr.Error()
	}
	if runID, err := h.syncer.LastRunID(r.Context(), kind); err == nil {
		resp.RunID = runID
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerCheckRequest struct {
	DaysBack int `json:"days_back" validate:"gte=0"`
}

// TriggerCheck runs a consistency check over the requested window.
func (h *handler) TriggerCheck(w http.ResponseWriter, r *http.Request) {
	var req triggerCheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	report, err := h.auditor.CheckWindow(r.Context(), req.DaysBack)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListRuns returns recent runs, optionally filtered by kind.
func (h *handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	kind := models.RunKind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown run kind")
		return
	}
	limit := queryInt(r, "limit", 20)

	runs, err := h.ledger.ListRuns(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// NeedsSync returns the current repair backlog.
func (h *handler) NeedsSync(w http.ResponseWriter, r *http.Request) {
	maxErrors := queryInt(r, "max_errors", 5)
	limit := queryInt(r, "limit", 100)

	entries, err := h.ledger.GetNeedsSync(r.Context(), maxErrors, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.ConsistencyEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
