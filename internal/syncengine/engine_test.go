// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package syncengine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
	"github.com/tomtom215/fieldtrace/internal/transport"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

// fakeQueue is an in-memory EventSource recording dead letters.
type fakeQueue struct {
	mu        sync.Mutex
	events    []models.ScanEvent
	dead      map[uuid.UUID]string
	peekCalls int32
}

func newFakeQueue(events ...models.ScanEvent) *fakeQueue {
	return &fakeQueue{events: events, dead: make(map[uuid.UUID]string)}
}

func (q *fakeQueue) PeekBatch(_ context.Context, max int) ([]models.ScanEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	atomic.AddInt32(&q.peekCalls, 1)
	n := len(q.events)
	if max < n {
		n = max
	}
	out := make([]models.ScanEvent, n)
	copy(out, q.events[:n])
	return out, nil
}

func (q *fakeQueue) Remove(_ context.Context, ids []uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	drop := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := q.events[:0]
	for _, ev := range q.events {
		if !drop[ev.CorrelationID] {
			kept = append(kept, ev)
		}
	}
	q.events = kept
	return nil
}

func (q *fakeQueue) MoveToDeadLetter(ctx context.Context, event models.ScanEvent, reason string) error {
	if err := q.Remove(ctx, []uuid.UUID{event.CorrelationID}); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[event.CorrelationID] = reason
	return nil
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func (q *fakeQueue) peeks() int32 { return atomic.LoadInt32(&q.peekCalls) }

// fakeConn is a controllable Connectivity.
type fakeConn struct {
	online atomic.Bool
	epoch  atomic.Uint64
}

func (c *fakeConn) Online() bool  { return c.online.Load() }
func (c *fakeConn) Epoch() uint64 { return c.epoch.Load() }

// fakeSender answers SendBatch via a caller-supplied function.
type fakeSender struct {
	mu    sync.Mutex
	calls int
	fn    func(req models.IngestRequest) (*models.IngestResponse, error)
}

func (s *fakeSender) SendBatch(_ context.Context, req models.IngestRequest) (*models.IngestResponse, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	return fn(req)
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// acceptAll acknowledges every submitted event.
func acceptAll(req models.IngestRequest) (*models.IngestResponse, error) {
	acks := make([]models.EventAck, len(req.Events))
	for i, ev := range req.Events {
		acks[i] = models.EventAck{CorrelationID: ev.CorrelationID, Accepted: true}
	}
	return &models.IngestResponse{Results: acks}, nil
}

func event(tag string) models.ScanEvent {
	return models.ScanEvent{
		CorrelationID: uuid.New(),
		TagID:         tag,
		CapturedAt:    time.Now().UTC(),
		Action:        models.ActionScan,
		State:         models.StateQueued,
	}
}

func testConfig() Config {
	return Config{
		ClientID:       "scanner-test",
		BatchSize:      50,
		SyncInterval:   time.Hour, // ticker must not interfere with tests
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTriggerDrainsQueue(t *testing.T) {
	q := newFakeQueue(event("a"), event("b"), event("c"))
	conn := &fakeConn{}
	conn.online.Store(true)
	sender := &fakeSender{fn: acceptAll}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()
	waitFor(t, 2*time.Second, func() bool { return q.len() == 0 }, "queue not drained")
}

func TestTransmittedBatchIsMarkedTransmitting(t *testing.T) {
	q := newFakeQueue(event("a"), event("b"))
	conn := &fakeConn{}
	conn.online.Store(true)

	got := make(chan []models.EventState, 1)
	sender := &fakeSender{fn: func(req models.IngestRequest) (*models.IngestResponse, error) {
		states := make([]models.EventState, len(req.Events))
		for i, ev := range req.Events {
			states[i] = ev.State
		}
		select {
		case got <- states:
		default:
		}
		return acceptAll(req)
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()
	waitFor(t, 2*time.Second, func() bool { return q.len() == 0 }, "queue not drained")

	states := <-got
	if len(states) != 2 {
		t.Fatalf("transmitted %d events, want 2", len(states))
	}
	for i, s := range states {
		if s != models.StateTransmitting {
			t.Errorf("event %d: state on the wire = %s, want %s", i, s, models.StateTransmitting)
		}
	}
}

func TestOfflineRunIsNoOp(t *testing.T) {
	q := newFakeQueue(event("a"))
	conn := &fakeConn{} // offline
	sender := &fakeSender{fn: acceptAll}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()
	time.Sleep(50 * time.Millisecond)

	if sender.callCount() != 0 {
		t.Error("offline run must not transmit")
	}
	if q.len() != 1 {
		t.Error("offline run must not touch the queue")
	}
}

func TestRapidTriggersCoalesceToOneFollowUp(t *testing.T) {
	q := newFakeQueue(event("a"))
	conn := &fakeConn{}
	conn.online.Store(true)

	gate := make(chan struct{})
	sender := &fakeSender{fn: func(req models.IngestRequest) (*models.IngestResponse, error) {
		<-gate
		return acceptAll(req)
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()
	waitFor(t, time.Second, func() bool { return sender.callCount() == 1 }, "first run did not start")

	// Five triggers while the first run is blocked mid-transmission.
	for i := 0; i < 5; i++ {
		e.Trigger()
	}
	close(gate)

	// The follow-up run sees an empty queue and stops without sending.
	waitFor(t, 2*time.Second, func() bool { return q.peeks() == 2 }, "expected exactly one follow-up run")
	time.Sleep(50 * time.Millisecond)
	if got := q.peeks(); got != 2 {
		t.Fatalf("peek calls = %d, want 2 (one run plus one coalesced follow-up)", got)
	}
}

func TestPartialAcceptance(t *testing.T) {
	ev1, ev2, ev3 := event("a"), event("b"), event("c")
	q := newFakeQueue(ev1, ev2, ev3)
	conn := &fakeConn{}
	conn.online.Store(true)

	sender := &fakeSender{fn: func(req models.IngestRequest) (*models.IngestResponse, error) {
		acks := make([]models.EventAck, len(req.Events))
		for i, ev := range req.Events {
			if ev.CorrelationID == ev2.CorrelationID {
				acks[i] = models.EventAck{CorrelationID: ev.CorrelationID, Accepted: false, Reason: "malformed tag"}
				continue
			}
			acks[i] = models.EventAck{CorrelationID: ev.CorrelationID, Accepted: true}
		}
		return &models.IngestResponse{Results: acks}, nil
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()
	waitFor(t, 2*time.Second, func() bool { return q.len() == 0 }, "accepted events not removed")

	q.mu.Lock()
	reason, dead := q.dead[ev2.CorrelationID]
	deadCount := len(q.dead)
	q.mu.Unlock()

	if !dead {
		t.Fatal("rejected event must move to the dead-letter set")
	}
	if reason != "malformed tag" {
		t.Errorf("dead-letter reason = %q", reason)
	}
	if deadCount != 1 {
		t.Errorf("dead letters = %d, want 1", deadCount)
	}
}

func TestTransportFailureRetriesWithoutRemoval(t *testing.T) {
	ev := event("a")
	q := newFakeQueue(ev)
	conn := &fakeConn{}
	conn.online.Store(true)

	var failures int32
	sender := &fakeSender{fn: func(req models.IngestRequest) (*models.IngestResponse, error) {
		if atomic.AddInt32(&failures, 1) <= 2 {
			return nil, &transport.TransientError{Err: errors.New("connection reset")}
		}
		return acceptAll(req)
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()

	// Backoff timers re-trigger until the third attempt succeeds.
	waitFor(t, 3*time.Second, func() bool { return q.len() == 0 }, "queue not drained after retries")
	if sender.callCount() < 3 {
		t.Errorf("sender calls = %d, want at least 3", sender.callCount())
	}
	q.mu.Lock()
	deadCount := len(q.dead)
	q.mu.Unlock()
	if deadCount != 0 {
		t.Error("transient failures must never dead-letter events")
	}
}

func TestBatchRejectionDeadLettersBatch(t *testing.T) {
	ev1, ev2 := event("a"), event("b")
	q := newFakeQueue(ev1, ev2)
	conn := &fakeConn{}
	conn.online.Store(true)

	sender := &fakeSender{fn: func(models.IngestRequest) (*models.IngestResponse, error) {
		return nil, &transport.RejectedError{StatusCode: 400, Code: "VALIDATION_ERROR", Message: "malformed batch"}
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()
	waitFor(t, 2*time.Second, func() bool { return q.len() == 0 }, "rejected batch must leave the queue")

	q.mu.Lock()
	deadCount := len(q.dead)
	q.mu.Unlock()
	if deadCount != 2 {
		t.Fatalf("dead letters = %d, want 2", deadCount)
	}
	if sender.callCount() != 1 {
		t.Errorf("sender calls = %d; rejected batches must not be retried", sender.callCount())
	}
}

func TestEpochChangeMidRunSchedulesFollowUp(t *testing.T) {
	q := newFakeQueue(event("a"))
	conn := &fakeConn{}
	conn.online.Store(true)

	sender := &fakeSender{fn: func(req models.IngestRequest) (*models.IngestResponse, error) {
		conn.epoch.Add(1) // connectivity flips mid-transmission
		return acceptAll(req)
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop()

	e.Trigger()

	// Results of the superseded run still apply, and one follow-up happens.
	waitFor(t, 2*time.Second, func() bool { return q.len() == 0 }, "acknowledged events not removed")
	waitFor(t, 2*time.Second, func() bool { return q.peeks() == 2 }, "expected follow-up run after epoch change")
}

func TestTriggerBeforeStartIsNoOp(t *testing.T) {
	q := newFakeQueue(event("a"))
	conn := &fakeConn{}
	conn.online.Store(true)
	sender := &fakeSender{fn: acceptAll}

	e := New(q, conn, sender, testConfig())
	e.Trigger()
	time.Sleep(30 * time.Millisecond)

	if sender.callCount() != 0 {
		t.Error("trigger before Start must be a no-op")
	}
}

func TestCalculateBackoff(t *testing.T) {
	e := New(nil, nil, nil, Config{BackoffInitial: time.Second, BackoffMax: 2 * time.Minute})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{7, 64 * time.Second},
		{8, 2 * time.Minute},  // capped
		{60, 2 * time.Minute}, // overflow guard
	}

	for _, tt := range tests {
		if got := e.calculateBackoff(tt.attempts); got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	q := newFakeQueue(event("a"))
	conn := &fakeConn{}
	conn.online.Store(true)

	gate := make(chan struct{})
	sender := &fakeSender{fn: func(req models.IngestRequest) (*models.IngestResponse, error) {
		<-gate
		return acceptAll(req)
	}}

	e := New(q, conn, sender, testConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Trigger()
	waitFor(t, time.Second, func() bool { return sender.callCount() == 1 }, "run did not start")

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the run finished")
	}

	// The superseded run's results still applied.
	if q.len() != 0 {
		t.Error("in-flight run results must apply even during shutdown")
	}
}
