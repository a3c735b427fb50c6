// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package gateway is the server-side ingestion path. Each event in a batch
// is validated, checked for idempotency, persisted, and only then handed to
// the broadcast fan-out. Acknowledgments come back in submission order.
//
// Persistence-before-broadcast is a deliberate ordering guarantee: a client
// reacting to a push can immediately query persisted state and find the
// event there.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/metrics"
	"github.com/tomtom215/fieldtrace/internal/models"
	"github.com/tomtom215/fieldtrace/internal/validation"
)

// Broadcaster receives each newly persisted event. Implemented by ws.Hub.
type Broadcaster interface {
	Publish(event *models.AcceptedEvent)
}

// EventStore persists accepted events with an atomic duplicate check.
// Implemented by Store.
type EventStore interface {
	PutIfAbsent(ctx context.Context, event models.AcceptedEvent) (bool, error)
}

// Gateway ingests event batches from scanners.
type Gateway struct {
	store       EventStore
	broadcaster Broadcaster
	now         func() time.Time
}

// New creates a gateway. broadcaster may be nil in tests.
func New(store EventStore, broadcaster Broadcaster) *Gateway {
	return &Gateway{
		store:       store,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// Ingest processes one batch and returns acknowledgments in submission
// order. Per-event outcomes:
//   - first sight: persist, broadcast, ack accepted
//   - duplicate correlation id: ack accepted with the duplicate flag set,
//     no re-persist and no re-broadcast (idempotent re-delivery is a safe
//     no-op; the client may resend after crashing between persistence and
//     queue removal)
//   - invalid event: ack rejected with a reason, batch continues
//
// Only store I/O failures abort the batch; the client retries the whole
// batch and idempotency absorbs the overlap.
func (g *Gateway) Ingest(ctx context.Context, req models.IngestRequest) (*models.IngestResponse, error) {
	metrics.IngestBatches.Inc()

	results := make([]models.EventAck, 0, len(req.Events))
	var accepted, duplicates, rejected int

	for _, ev := range req.Events {
		if reason := g.validateEvent(ev); reason != "" {
			rejected++
			metrics.IngestEvents.WithLabelValues("rejected").Inc()
			results = append(results, models.EventAck{
				CorrelationID: ev.CorrelationID,
				Accepted:      false,
				Reason:        reason,
			})
			continue
		}

		record := models.AcceptedEvent{
			ScanEvent:  ev,
			ReceivedAt: g.now().UTC(),
		}
		record.State = models.StateAcknowledged

		inserted, err := g.store.PutIfAbsent(ctx, record)
		if err != nil {
			return nil, err
		}

		if inserted {
			accepted++
			metrics.IngestEvents.WithLabelValues("accepted").Inc()
			if g.broadcaster != nil {
				g.broadcaster.Publish(&record)
			}
			results = append(results, models.EventAck{
				CorrelationID: ev.CorrelationID,
				Accepted:      true,
			})
			continue
		}

		duplicates++
		metrics.IngestEvents.WithLabelValues("duplicate").Inc()
		results = append(results, models.EventAck{
			CorrelationID: ev.CorrelationID,
			Accepted:      true,
			Duplicate:     true,
		})
	}

	logging.Debug().
		Str("client_id", req.ClientID).
		Int("accepted", accepted).
		Int("duplicates", duplicates).
		Int("rejected", rejected).
		Msg("batch ingested")

	return &models.IngestResponse{Results: results}, nil
}

// validateEvent checks one event's shape. Returns an empty string when
// valid, otherwise the rejection reason placed in the acknowledgment.
func (g *Gateway) validateEvent(ev models.ScanEvent) string {
	if ev.CorrelationID == uuid.Nil {
		return "missing correlation id"
	}
	if !ev.Action.Valid() {
		return "unknown action"
	}
	if ev.CapturedAt.IsZero() {
		return "missing capture time"
	}
	if verr := validation.ValidateStruct(ev); verr != nil {
		return verr.Error()
	}
	return ""
}
