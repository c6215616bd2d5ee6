// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/msgmirror/msgmirror/internal/config"
)

// testSourceConfig returns fast-retry client settings for tests.
func testSourceConfig(baseURL string) *config.SourceConfig {
	return &config.SourceConfig{
		BaseURL:           baseURL,
		Token:             "test-token",
		PageSize:          100,
		RequestTimeout:    5 * time.Second,
		RetryAttempts:     3,
		RetryBaseDelay:    5 * time.Millisecond,
		RetryMaxDelay:     20 * time.Millisecond,
		RateLimitRetries:  2,
		RequestsPerSecond: 1000,
		RequestBurst:      1000,
	}
}

func TestListPagination(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("missing bearer token, got %q", got)
		}
		switch r.URL.Query().Get("pageToken") {
		case "":
			w.Write([]byte(`{"messages":[{"id":"m1","internalDate":"1767225600000"},{"id":"m2","internalDate":"1767225601000"}],"nextPageToken":"p2"}`))
		case "p2":
			w.Write([]byte(`{"messages":[{"id":"m3","internalDate":"1767225602000"}]}`))
		default:
			t.Errorf("unexpected page token %q", r.URL.Query().Get("pageToken"))
		}
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	ctx := context.Background()

	page1, err := client.List(ctx, "", "", 100)
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if len(page1.Messages) != 2 || page1.NextPageToken != "p2" {
		t.Fatalf("page 1 = %d messages, token %q", len(page1.Messages), page1.NextPageToken)
	}

	page2, err := client.List(ctx, "", page1.NextPageToken, 100)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2.Messages) != 1 || page2.NextPageToken != "" {
		t.Fatalf("page 2 = %d messages, token %q; want 1 message and empty token",
			len(page2.Messages), page2.NextPageToken)
	}
}

func TestListClampsPageSize(t *testing.T) {
	t.Parallel()

	var gotMax string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMax = r.URL.Query().Get("maxResults")
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	if _, err := client.List(context.Background(), "", "", 99999); err != nil {
		t.Fatalf("List: %v", err)
	}
	if gotMax != "500" {
		t.Errorf("maxResults = %q, want clamped to 500", gotMax)
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/msg-42" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"id":"msg-42","threadId":"t-1","internalDate":"1767225600000"}`))
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	msg, err := client.Get(context.Background(), "msg-42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.ID != "msg-42" || msg.ThreadID != "t-1" {
		t.Errorf("got %+v", msg)
	}
}

func TestRetryOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"messages":[{"id":"m1","internalDate":"1767225600000"}]}`))
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	page, err := client.List(context.Background(), "", "", 10)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if len(page.Messages) != 1 {
		t.Errorf("got %d messages, want 1", len(page.Messages))
	}
	if calls.Load() != 3 {
		t.Errorf("got %d calls, want 3", calls.Load())
	}
}

func TestRetryBudgetExhaustedIsTransient(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	_, err := client.List(context.Background(), "", "", 10)
	if !IsTransient(err) {
		t.Fatalf("expected TransientFetchError, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("got %d calls, want retry budget of 3", calls.Load())
	}
}

func TestRateLimitHonorsRetryAfterWithoutConsumingBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Two 429s, then success. With RetryAttempts=3 the generic budget
		// is untouched: 429 waits use their own counter.
		if calls.Add(1) <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	if _, err := client.List(context.Background(), "", "", 10); err != nil {
		t.Fatalf("expected success after rate-limit waits, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("got %d calls, want 3", calls.Load())
	}
}

func TestRateLimitBudgetExhausted(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	_, err := client.List(context.Background(), "", "", 10)
	if !IsTransient(err) {
		t.Fatalf("expected TransientFetchError after rate-limit budget, got %v", err)
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testSourceConfig(server.URL))
	_, err := client.Get(context.Background(), "m1")
	if !IsFatal(err) {
		t.Fatalf("expected FatalFetchError, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("fatal errors must not be retried, got %d calls", calls.Load())
	}
}

func TestContextCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := testSourceConfig(server.URL)
	cfg.RetryBaseDelay = 10 * time.Second // long enough that cancel wins
	client := NewClient(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.List(ctx, "", "", 10)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("List did not return after cancellation")
	}
}
