// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package services

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/tasks"
)

// Refresher matches *tasks.Cache's Refresh method.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// TaskRefreshService periodically refreshes the scanner's pending-task
// cache. Offline periods are expected and logged at debug; the stale
// cache keeps serving reads until connectivity returns.
type TaskRefreshService struct {
	cache    Refresher
	interval time.Duration
}

// NewTaskRefreshService wraps a task cache for periodic refresh.
func NewTaskRefreshService(cache Refresher, interval time.Duration) *TaskRefreshService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TaskRefreshService{cache: cache, interval: interval}
}

// Serve implements suture.Service. One refresh is attempted immediately
// so a scanner that starts online has tasks before the first tick.
func (s *TaskRefreshService) Serve(ctx context.Context) error {
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *TaskRefreshService) refresh(ctx context.Context) {
	switch err := s.cache.Refresh(ctx); {
	case err == nil:
	case errors.Is(err, tasks.ErrOffline):
		logging.Debug().Msg("task refresh skipped while offline")
	default:
		logging.Warn().Err(err).Msg("task refresh failed")
	}
}

func (s *TaskRefreshService) String() string {
	return "task-refresh"
}
