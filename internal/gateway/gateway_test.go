// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package gateway

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

// recordingBroadcaster captures published events in order.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []*models.AcceptedEvent
}

func (b *recordingBroadcaster) Publish(event *models.AcceptedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) published() []*models.AcceptedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.AcceptedEvent, len(b.events))
	copy(out, b.events)
	return out
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func validEvent(tag string) models.ScanEvent {
	return models.ScanEvent{
		CorrelationID: uuid.New(),
		TagID:         tag,
		CapturedAt:    time.Now().UTC(),
		Action:        models.ActionScan,
		State:         models.StateQueued,
	}
}

func batch(clientID string, events ...models.ScanEvent) models.IngestRequest {
	return models.IngestRequest{ClientID: clientID, Events: events}
}

func TestIngestPersistsAndBroadcasts(t *testing.T) {
	store := openTestStore(t)
	bc := &recordingBroadcaster{}
	g := New(store, bc)

	ev := validEvent("asset-1")
	resp, err := g.Ingest(context.Background(), batch("scanner-1", ev))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(resp.Results) != 1 || !resp.Results[0].Accepted || resp.Results[0].Duplicate {
		t.Fatalf("unexpected acks: %+v", resp.Results)
	}

	stored, err := store.Get(context.Background(), ev.CorrelationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored == nil {
		t.Fatal("event not persisted")
	}
	if stored.State != models.StateAcknowledged {
		t.Errorf("persisted state = %s", stored.State)
	}
	if stored.ReceivedAt.IsZero() {
		t.Error("receipt time not assigned")
	}

	pub := bc.published()
	if len(pub) != 1 || pub[0].CorrelationID != ev.CorrelationID {
		t.Fatalf("published %d events", len(pub))
	}
}

func TestIngestIdempotentResubmission(t *testing.T) {
	store := openTestStore(t)
	bc := &recordingBroadcaster{}
	g := New(store, bc)

	req := batch("scanner-1", validEvent("a"), validEvent("b"))

	first, err := g.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	second, err := g.Ingest(context.Background(), req)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}

	for i, ack := range second.Results {
		if !ack.Accepted {
			t.Errorf("resubmitted ack %d not accepted", i)
		}
		if !ack.Duplicate {
			t.Errorf("resubmitted ack %d not flagged duplicate", i)
		}
		if ack.CorrelationID != first.Results[i].CorrelationID {
			t.Errorf("ack %d out of submission order", i)
		}
	}

	// No duplicate persistence and no duplicate broadcast.
	count, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("persisted events = %d, want 2", count)
	}
	if got := len(bc.published()); got != 2 {
		t.Errorf("published events = %d, want 2", got)
	}
}

func TestIngestPartialAcceptance(t *testing.T) {
	store := openTestStore(t)
	bc := &recordingBroadcaster{}
	g := New(store, bc)

	good1 := validEvent("a")
	bad := validEvent("b")
	bad.Action = models.Action("levitate")
	good2 := validEvent("c")

	resp, err := g.Ingest(context.Background(), batch("scanner-1", good1, bad, good2))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("acks = %d, want 3", len(resp.Results))
	}
	if !resp.Results[0].Accepted || !resp.Results[2].Accepted {
		t.Error("valid events must be accepted")
	}
	if resp.Results[1].Accepted {
		t.Error("invalid event must be rejected")
	}
	if resp.Results[1].Reason == "" {
		t.Error("rejection must carry a reason")
	}

	// The rejected event is not persisted and not broadcast.
	stored, err := store.Get(context.Background(), bad.CorrelationID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored != nil {
		t.Error("rejected event must not be persisted")
	}
	if got := len(bc.published()); got != 2 {
		t.Errorf("published events = %d, want 2", got)
	}
}

func TestIngestRejectsMalformedEvents(t *testing.T) {
	store := openTestStore(t)
	g := New(store, nil)

	tests := []struct {
		name   string
		mutate func(*models.ScanEvent)
	}{
		{"nil correlation id", func(ev *models.ScanEvent) { ev.CorrelationID = uuid.Nil }},
		{"unknown action", func(ev *models.ScanEvent) { ev.Action = "warp" }},
		{"zero capture time", func(ev *models.ScanEvent) { ev.CapturedAt = time.Time{} }},
		{"empty tag", func(ev *models.ScanEvent) { ev.TagID = "" }},
		{"latitude out of range", func(ev *models.ScanEvent) { ev.Position = &models.Position{Latitude: 91, Longitude: 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent("asset")
			tt.mutate(&ev)

			resp, err := g.Ingest(context.Background(), batch("scanner-1", ev))
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if resp.Results[0].Accepted {
				t.Error("malformed event must be rejected")
			}
		})
	}
}

func TestIngestBroadcastAfterPersist(t *testing.T) {
	store := openTestStore(t)
	g := New(store, nil)

	// Broadcaster that asserts the event is already readable when published.
	ev := validEvent("asset-1")
	var visibleAtPublish bool
	g.broadcaster = broadcastFunc(func(published *models.AcceptedEvent) {
		stored, err := store.Get(context.Background(), published.CorrelationID)
		visibleAtPublish = err == nil && stored != nil
	})

	if _, err := g.Ingest(context.Background(), batch("scanner-1", ev)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !visibleAtPublish {
		t.Error("event must be persisted before it is broadcast")
	}
}

type broadcastFunc func(*models.AcceptedEvent)

func (f broadcastFunc) Publish(event *models.AcceptedEvent) { f(event) }

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	ev := models.AcceptedEvent{ScanEvent: validEvent("asset-1"), ReceivedAt: time.Now().UTC()}
	if _, err := s.PutIfAbsent(context.Background(), ev); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	stored, err := reopened.Get(context.Background(), ev.CorrelationID)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if stored == nil {
		t.Fatal("event lost across restart")
	}

	// The duplicate check also survives restart.
	inserted, err := reopened.PutIfAbsent(context.Background(), ev)
	if err != nil {
		t.Fatalf("PutIfAbsent after reopen: %v", err)
	}
	if inserted {
		t.Error("duplicate insert after reopen must be suppressed")
	}
}

func TestStoreRecentOrdersByReceipt(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ev := models.AcceptedEvent{
			ScanEvent:  validEvent("asset"),
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.PutIfAbsent(context.Background(), ev); err != nil {
			t.Fatalf("PutIfAbsent: %v", err)
		}
	}

	recent, err := s.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(recent))
	}
	for i := 1; i < len(recent); i++ {
		if recent[i].ReceivedAt.After(recent[i-1].ReceivedAt) {
			t.Fatal("Recent not ordered newest first")
		}
	}
	if !recent[0].ReceivedAt.Equal(base.Add(4 * time.Second)) {
		t.Error("newest event missing from Recent")
	}
}

func TestStoreClosedErrors(t *testing.T) {
	s, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.PutIfAbsent(context.Background(), models.AcceptedEvent{ScanEvent: validEvent("a")}); err != ErrStoreClosed {
		t.Errorf("PutIfAbsent after close = %v, want ErrStoreClosed", err)
	}
	if _, err := s.Get(context.Background(), uuid.New()); err != ErrStoreClosed {
		t.Errorf("Get after close = %v, want ErrStoreClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}
