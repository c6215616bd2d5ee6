// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package source

import (
	"context"
	"errors"
	"testing"

	"github.com/msgmirror/msgmirror/internal/models"
)

// flakyConnector fails every call with the configured error.
type flakyConnector struct {
	err   error
	calls int
}

func (f *flakyConnector) List(context.Context, string, string, int) (*MessagePage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &MessagePage{}, nil
}

func (f *flakyConnector) Get(context.Context, string) (*models.RawMessage, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &models.RawMessage{ID: "m"}, nil
}

func TestBreakerOpensAfterSustainedFailures(t *testing.T) {
	t.Parallel()

	inner := &flakyConnector{err: &TransientFetchError{Operation: "list", Attempts: 3, Err: errors.New("down")}}
	client := NewBreakerClient(inner)
	ctx := context.Background()

	// Trip threshold: >=10 requests with >=60% failures.
	for i := 0; i < 15; i++ {
		_, _ = client.List(ctx, "", "", 10)
	}

	before := inner.calls
	_, err := client.List(ctx, "", "", 10)
	if err == nil {
		t.Fatal("expected breaker rejection")
	}
	if !IsTransient(err) {
		t.Errorf("breaker-open must surface as transient, got %v", err)
	}
	if inner.calls != before {
		t.Error("open breaker must not pass calls to the inner client")
	}
}

func TestBreakerIgnoresFatalErrors(t *testing.T) {
	t.Parallel()

	inner := &flakyConnector{err: &FatalFetchError{Operation: "get", Status: 401, Err: errors.New("revoked")}}
	client := NewBreakerClient(inner)
	ctx := context.Background()

	// Fatal errors are credential problems, not upstream health problems:
	// they must not trip the breaker.
	for i := 0; i < 20; i++ {
		_, err := client.Get(ctx, "m")
		if !IsFatal(err) {
			t.Fatalf("call %d: expected fatal error passed through, got %v", i, err)
		}
	}
	if inner.calls != 20 {
		t.Errorf("breaker swallowed calls: inner saw %d of 20", inner.calls)
	}
}

func TestBreakerPassesSuccess(t *testing.T) {
	t.Parallel()

	inner := &flakyConnector{}
	client := NewBreakerClient(inner)

	page, err := client.List(context.Background(), "q", "", 10)
	if err != nil || page == nil {
		t.Fatalf("expected success, got %v", err)
	}
	msg, err := client.Get(context.Background(), "m")
	if err != nil || msg.ID != "m" {
		t.Fatalf("expected success, got %v", err)
	}
}
