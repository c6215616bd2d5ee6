// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/msgmirror/msgmirror/internal/logging"
)

// requestIDHeader carries the per-request correlation ID.
const requestIDHeader = "X-Request-ID"

// requestID assigns a UUID to every request that doesn't already carry one
// and echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// recoverer converts handler panics into 500 responses instead of dropped
// connections, logging the panic value with the request context.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error().Interface("panic", rec).
					Str("method", r.Method).Str("path", r.URL.Path).
					Str("request_id", w.Header().Get(requestIDHeader)).
					Msg("handler panicked")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
