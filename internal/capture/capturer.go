// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package capture turns a physical tag read into a durably queued
// ScanEvent. Capture latency is decoupled from network latency: the event
// is appended to the local queue unconditionally, whatever the current
// connectivity, and a missing position fix never blocks a capture.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// Capture-time validation errors. These surface to the operator
// immediately and never reach the queue.
var (
	ErrEmptyTagID    = errors.New("tag id is empty")
	ErrTagIDTooLong  = errors.New("tag id exceeds 128 characters")
	ErrInvalidAction = errors.New("unknown action kind")
)

const maxTagIDLen = 128

// Appender is the durable queue surface the capturer needs.
type Appender interface {
	Append(ctx context.Context, event models.ScanEvent) error
}

// PositionProvider yields an optional coordinate fix. Implementations
// should honor the context deadline; the capturer bounds every call.
type PositionProvider interface {
	Fix(ctx context.Context) (*models.Position, error)
}

// Capturer produces ScanEvents from tag reads.
type Capturer struct {
	queue           Appender
	positions       PositionProvider // may be nil when the unit has no fix source
	positionTimeout time.Duration
	now             func() time.Time
}

// New creates a capturer. positions may be nil.
func New(queue Appender, positions PositionProvider, positionTimeout time.Duration) *Capturer {
	return &Capturer{
		queue:           queue,
		positions:       positions,
		positionTimeout: positionTimeout,
		now:             time.Now,
	}
}

// Capture validates the read, assigns a correlation id, attempts a bounded
// position fix, and appends the event to the durable queue. The returned
// event is in StateQueued; from the operator's perspective a capture that
// returns nil error is done, whatever the network is doing.
func (c *Capturer) Capture(ctx context.Context, tagID string, action models.Action) (models.ScanEvent, error) {
	if tagID == "" {
		return models.ScanEvent{}, ErrEmptyTagID
	}
	if len(tagID) > maxTagIDLen {
		return models.ScanEvent{}, ErrTagIDTooLong
	}
	if !action.Valid() {
		return models.ScanEvent{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	event := models.ScanEvent{
		CorrelationID: uuid.New(),
		TagID:         tagID,
		CapturedAt:    c.now().UTC(),
		Position:      c.tryFix(ctx),
		Action:        action,
		State:         models.StateCaptured,
	}

	if err := c.queue.Append(ctx, event); err != nil {
		return models.ScanEvent{}, fmt.Errorf("queue capture: %w", err)
	}
	event.State = models.StateQueued

	logging.Debug().
		Str("correlation_id", event.CorrelationID.String()).
		Str("tag_id", tagID).
		Str("action", string(action)).
		Bool("has_position", event.Position != nil).
		Msg("event captured")
	return event, nil
}

// tryFix attempts a position fix within the configured bound. Any failure
// or timeout yields a nil position; position is optional, never a blocker.
func (c *Capturer) tryFix(ctx context.Context) *models.Position {
	if c.positions == nil {
		return nil
	}

	fixCtx, cancel := context.WithTimeout(ctx, c.positionTimeout)
	defer cancel()

	pos, err := c.positions.Fix(fixCtx)
	if err != nil {
		logging.Debug().Err(err).Msg("position fix unavailable, capturing without one")
		return nil
	}
	return pos
}
