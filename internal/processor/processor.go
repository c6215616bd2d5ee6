// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package processor is the boundary to record canonicalization: one raw
// source message in, one canonical Record out. Implementations must be pure
// functions of their input; the engine calls Process once per item and never
// retries it.
package processor

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/msgmirror/msgmirror/internal/models"
)

// Processor converts one raw source item into a canonical Record. A failure
// marks that single record failed; it never blocks the rest of the batch.
type Processor interface {
	Process(raw *models.RawMessage) (*models.Record, error)
}

// ProcessingError is a single-record canonicalization failure. Non-fatal:
// recorded against the ID and skipped.
type ProcessingError struct {
	ID  string
	Err error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("failed to process record %s: %v", e.ID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// rawPayload is the wire shape of a source message payload.
type rawPayload struct {
	Headers []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Snippet      string   `json:"snippet"`
	LabelIDs     []string `json:"labelIds"`
	SizeEstimate int64    `json:"sizeEstimate"`
}

// MessageProcessor is the default canonicalizer: it lifts addressing headers,
// snippet, and labels out of the raw payload into the record's structured
// payload map. No I/O, no shared state.
type MessageProcessor struct{}

// NewMessageProcessor returns the default processor.
func NewMessageProcessor() *MessageProcessor {
	return &MessageProcessor{}
}

// Process implements Processor.
func (p *MessageProcessor) Process(raw *models.RawMessage) (*models.Record, error) {
	if raw == nil || raw.ID == "" {
		return nil, &ProcessingError{ID: "", Err: fmt.Errorf("missing message id")}
	}
	if raw.InternalDate <= 0 {
		return nil, &ProcessingError{ID: raw.ID, Err: fmt.Errorf("missing internal date")}
	}

	var body rawPayload
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, &body); err != nil {
			return nil, &ProcessingError{ID: raw.ID, Err: fmt.Errorf("malformed payload: %w", err)}
		}
	}

	payload := map[string]any{
		"snippet": body.Snippet,
	}
	if len(body.LabelIDs) > 0 {
		labels := make([]any, len(body.LabelIDs))
		for i, l := range body.LabelIDs {
			labels[i] = l
		}
		payload["labels"] = labels
	}
	if body.SizeEstimate > 0 {
		payload["size"] = body.SizeEstimate
	}

	headers := make(map[string]any, len(body.Headers))
	for _, h := range body.Headers {
		name := strings.ToLower(h.Name)
		switch name {
		case "from", "to", "cc", "subject", "message-id", "date":
			headers[name] = h.Value
		}
	}
	if len(headers) > 0 {
		payload["headers"] = headers
	}

	rec := &models.Record{
		ID:              raw.ID,
		Payload:         payload,
		SourceTimestamp: raw.SourceTime(),
	}
	if raw.ThreadID != "" {
		threadID := raw.ThreadID
		rec.ThreadID = &threadID
	}
	return rec, nil
}
