// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package source

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/metrics"
	"github.com/msgmirror/msgmirror/internal/models"
)

const (
	breakerInterval = time.Minute
	breakerTimeout  = 2 * time.Minute
)

// BreakerClient wraps a Connector with a circuit breaker so a dead or
// overloaded source API fails fast instead of burning the retry budget on
// every page.
//
// The breaker uses real time for its interval and timeout; tests should
// exercise the wrapped client directly when they need determinism.
type BreakerClient struct {
	inner Connector
	cb    *gobreaker.CircuitBreaker[interface{}]
	name  string
}

// NewBreakerClient wraps inner with a circuit breaker.
//
// Settings: max 3 concurrent requests half-open, 1 minute closed-state
// measurement window, 2 minute open period, trips at >=60% failures with at
// least 10 requests. Fatal fetch errors do not count as breaker failures;
// they indicate bad credentials, not an unhealthy upstream.
func NewBreakerClient(inner Connector) *BreakerClient {
	name := "source-api"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).
				Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsFatal(err)
		},
	})

	return &BreakerClient{inner: inner, cb: cb, name: name}
}

// List implements Connector through the breaker.
func (b *BreakerClient) List(ctx context.Context, query, pageToken string, maxResults int) (*MessagePage, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.List(ctx, query, pageToken, maxResults)
	})
	if err != nil {
		return nil, b.wrapBreakerErr("list", err)
	}
	return result.(*MessagePage), nil
}

// Get implements Connector through the breaker.
func (b *BreakerClient) Get(ctx context.Context, id string) (*models.RawMessage, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.Get(ctx, id)
	})
	if err != nil {
		return nil, b.wrapBreakerErr("get", err)
	}
	return result.(*models.RawMessage), nil
}

// wrapBreakerErr maps breaker-open rejections to transient fetch errors so
// callers only deal with the package's error taxonomy.
func (b *BreakerClient) wrapBreakerErr(operation string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &TransientFetchError{Operation: operation, Attempts: 0, Err: err}
	}
	return err
}

// stateToFloat converts a breaker state to the metric gauge value.
func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
