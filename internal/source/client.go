// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

// Package source implements the connector to the remote message API: a
// paginated, rate-limited HTTP client with bounded exponential backoff,
// server-directed 429 waits, typed transient/fatal errors, and an optional
// circuit breaker wrapper.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/msgmirror/msgmirror/internal/config"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
)

// maxErrorBodySize limits how much of an error response body is read back
// for diagnostics.
const maxErrorBodySize = 64 * 1024

// WindowQuery builds the list query selecting messages from the last
// daysBack days. Non-positive daysBack selects everything.
func WindowQuery(daysBack int) string {
	if daysBack <= 0 {
		return ""
	}
	return fmt.Sprintf("newer_than:%dd", daysBack)
}

// MessagePage is one page of the source list endpoint. An empty
// NextPageToken means end of stream, not an error.
type MessagePage struct {
	Messages           []models.RawMessage `json:"messages"`
	NextPageToken      string              `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int64               `json:"resultSizeEstimate,omitempty"`
}

// Connector is the read surface of the source message API. Implemented by
// Client and by BreakerClient; the orchestrator and checker depend on this.
type Connector interface {
	List(ctx context.Context, query, pageToken string, maxResults int) (*MessagePage, error)
	Get(ctx context.Context, id string) (*models.RawMessage, error)
}

// Client talks to the remote message API over HTTP.
//
// Each request passes a client-side rate limiter first. Transient failures
// (network errors, 5xx) retry in a bounded loop with geometric backoff.
// HTTP 429 pauses for the server-specified Retry-After and retries the same
// call on a separate, also bounded, budget.
//
// Thread safety: safe for concurrent use; every request builds its own
// http.Request and the limiter is internally synchronized.
type Client struct {
	baseURL          string
	token            string
	httpClient       *http.Client
	limiter          *rate.Limiter
	retryAttempts    int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	rateLimitRetries int
}

// NewClient creates a source API client from configuration.
func NewClient(cfg *config.SourceConfig) *Client {
	return &Client{
		baseURL:          cfg.BaseURL,
		token:            cfg.Token,
		httpClient:       &http.Client{Timeout: cfg.RequestTimeout},
		limiter:          rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
		retryAttempts:    cfg.RetryAttempts,
		retryBaseDelay:   cfg.RetryBaseDelay,
		retryMaxDelay:    cfg.RetryMaxDelay,
		rateLimitRetries: cfg.RateLimitRetries,
	}
}

// List fetches one page of message IDs and payloads matching query.
// maxResults is clamped to the server's page-size cap.
func (c *Client) List(ctx context.Context, query, pageToken string, maxResults int) (*MessagePage, error) {
	if maxResults <= 0 || maxResults > config.MaxPageSize {
		maxResults = config.MaxPageSize
	}

	params := url.Values{}
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}
	params.Set("maxResults", strconv.Itoa(maxResults))

	reqURL := fmt.Sprintf("%s/v1/messages?%s", c.baseURL, params.Encode())

	page := &MessagePage{}
	if err := c.getJSON(ctx, "list", reqURL, page); err != nil {
		return nil, err
	}
	return page, nil
}

// Get fetches one message by ID.
func (c *Client) Get(ctx context.Context, id string) (*models.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/v1/messages/%s", c.baseURL, url.PathEscape(id))

	msg := &models.RawMessage{}
	if err := c.getJSON(ctx, "get", reqURL, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// getJSON performs a GET with retry handling and decodes the 200 body into
// result.
func (c *Client) getJSON(ctx context.Context, operation, reqURL string, result interface{}) error {
	resp, err := c.doRequestWithRetry(ctx, operation, reqURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(operation, "transient").Inc()
		return &TransientFetchError{Operation: operation, Attempts: 1,
			Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	metrics.SourceRequestsTotal.WithLabelValues(operation, "ok").Inc()
	return nil
}

// doRequestWithRetry performs the HTTP request with bounded retries.
//
// The generic retry budget (retryAttempts, geometric backoff capped at
// retryMaxDelay) covers network errors and 5xx. HTTP 429 is handled on its
// own budget: the server-specified Retry-After pause repeats the same
// attempt without consuming the generic budget.
func (c *Client) doRequestWithRetry(ctx context.Context, operation, reqURL string) (*http.Response, error) {
	var lastErr error
	var lastStatus int
	delay := c.retryBaseDelay
	rateLimitWaits := 0

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			// Network-level failure: transient.
			lastErr = err
			lastStatus = 0
			if attempt < c.retryAttempts-1 {
				metrics.SourceRetriesTotal.Inc()
				logging.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).
					Str("operation", operation).Msg("source request failed, retrying")
				if werr := sleepCtx(ctx, delay); werr != nil {
					return nil, werr
				}
				delay = nextDelay(delay, c.retryMaxDelay)
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			wait := retryAfter(resp, delay)
			_ = resp.Body.Close()
			if rateLimitWaits >= c.rateLimitRetries {
				metrics.SourceRequestsTotal.WithLabelValues(operation, "transient").Inc()
				return nil, &TransientFetchError{
					Operation: operation,
					Status:    resp.StatusCode,
					Attempts:  attempt + 1,
					Err:       fmt.Errorf("rate limit exceeded after %d waits", rateLimitWaits),
				}
			}
			rateLimitWaits++
			metrics.SourceRateLimitWaits.Inc()
			logging.Warn().Dur("wait", wait).Int("waits", rateLimitWaits).
				Str("operation", operation).Msg("rate limited by source, pausing")
			if werr := sleepCtx(ctx, wait); werr != nil {
				return nil, werr
			}
			// Repeat the same attempt; a server-directed pause does not
			// consume the generic retry budget.
			attempt--
			continue

		case fatalStatus(resp.StatusCode):
			body := readBodyForError(resp.Body)
			_ = resp.Body.Close()
			metrics.SourceRequestsTotal.WithLabelValues(operation, "fatal").Inc()
			return nil, &FatalFetchError{
				Operation: operation,
				Status:    resp.StatusCode,
				Err:       fmt.Errorf("source rejected request: %s", string(body)),
			}

		default:
			// 5xx and anything else unclassified: transient.
			body := readBodyForError(resp.Body)
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
			lastStatus = resp.StatusCode
			if attempt < c.retryAttempts-1 {
				metrics.SourceRetriesTotal.Inc()
				logging.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).
					Dur("delay", delay).Str("operation", operation).
					Msg("source returned server error, retrying")
				if werr := sleepCtx(ctx, delay); werr != nil {
					return nil, werr
				}
				delay = nextDelay(delay, c.retryMaxDelay)
			}
		}
	}

	metrics.SourceRequestsTotal.WithLabelValues(operation, "transient").Inc()
	return nil, &TransientFetchError{
		Operation: operation,
		Status:    lastStatus,
		Attempts:  c.retryAttempts,
		Err:       lastErr,
	}
}

// retryAfter parses the Retry-After header, falling back to def. Both the
// delta-seconds and HTTP-date forms are accepted (RFC 9110).
func retryAfter(resp *http.Response, def time.Duration) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return def
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return def
}

// nextDelay doubles the delay up to the cap.
func nextDelay(delay, maxDelay time.Duration) time.Duration {
	delay *= 2
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// sleepCtx waits for d or until the context is canceled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readBodyForError reads at most maxErrorBodySize of a response body for
// error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	return body
}
