// Msgmirror - Message Mirror and Consistency Reconciliation Engine
// Copyright 2026 Msgmirror Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/msgmirror/msgmirror

package supervisor

import (
	"context"
	"time"

	"github.com/msgmirror/msgmirror/internal/checker"
	"github.com/msgmirror/msgmirror/internal/logging"
	"github.com/msgmirror/msgmirror/internal/sync"
)

// SyncLoopService runs the manager's periodic loop under supervision.
type SyncLoopService struct {
	Manager *sync.Manager
}

// Serve implements suture.Service.
func (s *SyncLoopService) Serve(ctx context.Context) error {
	return s.Manager.RunLoop(ctx)
}

func (s *SyncLoopService) String() string { return "sync-loop" }

// CheckLoopService runs a windowed consistency check per interval tick.
type CheckLoopService struct {
	Checker  *checker.Checker
	Interval time.Duration
	DaysBack int
}

// Serve implements suture.Service.
func (s *CheckLoopService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := s.Checker.CheckWindow(ctx, s.DaysBack)
			if err != nil {
				logging.Error().Err(err).Msg("scheduled consistency check failed")
				continue
			}
			logging.Info().Int("checked", report.TotalChecked).
				Int("inconsistent", report.Inconsistent).Msg("scheduled consistency check done")
		}
	}
}

func (s *CheckLoopService) String() string { return "check-loop" }
