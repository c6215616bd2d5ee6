// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestContentHashDeterministic(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &Record{
		ID:              "msg-1",
		Payload:         map[string]any{"subject": "hello", "from": "a@example.com", "labels": []any{"inbox"}},
		SourceTimestamp: ts,
	}
	b := &Record{
		ID:              "msg-1",
		Payload:         map[string]any{"labels": []any{"inbox"}, "from": "a@example.com", "subject": "hello"},
		SourceTimestamp: ts,
	}

	if a.ContentHash() != b.ContentHash() {
		t.Error("equal content with different map construction order must hash equally")
	}

	c := &Record{ID: "msg-1", Payload: map[string]any{"subject": "bye"}, SourceTimestamp: ts}
	if a.ContentHash() == c.ContentHash() {
		t.Error("divergent payloads must hash differently")
	}
}

func TestContentHashSurvivesJSONRoundTrip(t *testing.T) {
	t.Parallel()

	rec := &Record{
		ID:              "msg-2",
		Payload:         map[string]any{"subject": "quarterly report", "size": float64(2048)},
		SourceTimestamp: time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if rec.ContentHash() != back.ContentHash() {
		t.Error("content hash must be stable across store round trips")
	}
}

func TestRawMessageSourceTime(t *testing.T) {
	t.Parallel()

	raw := &RawMessage{ID: "m", InternalDate: 1767225600000}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !raw.SourceTime().Equal(want) {
		t.Errorf("SourceTime() = %v, want %v", raw.SourceTime(), want)
	}
}

func TestComputeNeedsSync(t *testing.T) {
	t.Parallel()

	cases := []struct {
		local, warehouse PresenceStatus
		want             bool
	}{
		{StatusPresent, StatusPresent, false},
		{StatusMissing, StatusPresent, true},
		{StatusPresent, StatusMissing, true},
		{StatusMissing, StatusMissing, true},
		{StatusStale, StatusPresent, true},
		{StatusPresent, StatusStale, true},
	}
	for _, tc := range cases {
		if got := ComputeNeedsSync(tc.local, tc.warehouse); got != tc.want {
			t.Errorf("ComputeNeedsSync(%s, %s) = %v, want %v", tc.local, tc.warehouse, got, tc.want)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	t.Parallel()

	if RunStatusInProgress.Terminal() {
		t.Error("in_progress must not be terminal")
	}
	if !RunStatusSucceeded.Terminal() || !RunStatusFailed.Terminal() {
		t.Error("succeeded and failed must be terminal")
	}
}

func TestRunKindValid(t *testing.T) {
	t.Parallel()

	if !RunKindHistorical.Valid() || !RunKindIncremental.Valid() {
		t.Error("known kinds must be valid")
	}
	if RunKind("bulk").Valid() {
		t.Error("unknown kind must be invalid")
	}
}
