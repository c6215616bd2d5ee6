// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package sync

import (
	"context"
	"errors"
	"time"

	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/models"
)

// RunLoop is the periodic mode: an optional one-time historical backfill,
// then an incremental run per interval tick. It returns when the context is
// cancelled. Manual runs triggered through the API share the sync lock, so a
// tick that collides with one is skipped, not queued.
func (m *Manager) RunLoop(ctx context.Context) error {
	if m.cfg.BackfillOnStart {
		needed, err := m.backfillNeeded(ctx)
		if err != nil {
			return err
		}
		if needed {
			logging.Info().Msg("no successful historical run found, starting backfill")
			if _, err := m.Run(ctx, RunParams{Kind: models.RunKindHistorical}); err != nil {
				logging.Error().Err(err).Msg("historical backfill failed")
			}
		}
	}

	if m.cfg.Interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := m.Run(ctx, RunParams{Kind: models.RunKindIncremental, DaysBack: m.cfg.DaysBack})
			switch {
			case errors.Is(err, ErrRunInFlight):
				logging.Debug().Msg("skipping tick, run already in flight")
			case err != nil:
				logging.Error().Err(err).Msg("periodic incremental run failed")
			}
		}
	}
}

// backfillNeeded reports whether no historical run has ever succeeded.
func (m *Manager) backfillNeeded(ctx context.Context) (bool, error) {
	runs, err := m.ledger.ListRuns(ctx, models.RunKindHistorical, 50)
	if err != nil {
		return false, err
	}
	for _, run := range runs {
		if run.Status == models.RunStatusSucceeded {
			return false, nil
		}
	}
	return true, nil
}
