// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package services

import "context"

// ContextHub matches *ws.Hub's RunWithContext method. Keeping the
// interface here avoids a services -> ws import cycle.
type ContextHub interface {
	RunWithContext(ctx context.Context) error
}

// HubService wraps the fan-out hub as a supervised service. The hub's
// RunWithContext already follows the Serve contract; this only adds a
// stable name for supervisor logs.
type HubService struct {
	hub ContextHub
}

// NewHubService wraps a hub for supervision.
func NewHubService(hub ContextHub) *HubService {
	return &HubService{hub: hub}
}

// Serve implements suture.Service.
func (s *HubService) Serve(ctx context.Context) error {
	return s.hub.RunWithContext(ctx)
}

func (s *HubService) String() string {
	return "fanout-hub"
}
