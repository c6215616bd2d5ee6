// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package models defines the shared data types of the mirror engine: the
// canonical Record, the raw source message shape, sync run bookkeeping rows,
// and per-record consistency state.
package models

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
)

// RawMessage is one item as returned by the source message API, prior to
// canonicalization. Payload is kept opaque; the processor owns its shape.
type RawMessage struct {
	ID           string          `json:"id"`
	ThreadID     string          `json:"threadId,omitempty"`
	InternalDate int64           `json:"internalDate,string"` // ms since epoch
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// SourceTime returns the message timestamp as a time.Time.
func (r *RawMessage) SourceTime() time.Time {
	return time.UnixMilli(r.InternalDate).UTC()
}

// Record is the canonical, store-agnostic representation of one source
// message. ID is source-assigned, globally unique, and immutable; re-syncing
// the same ID is an idempotent last-writer-wins upsert.
type Record struct {
	ID              string         `json:"id"`
	ThreadID        *string        `json:"thread_id,omitempty"`
	Payload         map[string]any `json:"payload"`
	SourceTimestamp time.Time      `json:"source_timestamp"`
}

// ContentHash returns a stable xxhash64 of the record payload. Map keys are
// sorted before hashing so two records with equal content hash equally
// regardless of map iteration order.
func (r *Record) ContentHash() uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(r.ID)
	_, _ = h.WriteString(r.SourceTimestamp.UTC().Format(time.RFC3339Nano))
	writeCanonical(h, r.Payload)
	return h.Sum64()
}

// writeCanonical writes a deterministic serialization of a payload map.
func writeCanonical(h *xxhash.Digest, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		b, err := json.Marshal(m[k])
		if err != nil {
			continue
		}
		_, _ = h.Write(b)
	}
}
