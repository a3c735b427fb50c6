// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "json", Output: io.Discard})
}

// Test helpers

func createTestConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:             t.TempDir(),
		SyncWrites:       false, // Faster tests without fsync
		DeadLetterMax:    5,
		CloseTimeout:     10 * time.Second,
		MemTableSize:     16 * 1024 * 1024, // BadgerDB minimum
		ValueLogFileSize: 16 * 1024 * 1024,
		NumCompactors:    2,
	}
}

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	cfg := createTestConfig(t)
	q, err := Open(&cfg)
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	return q
}

func testEvent(tagID string) models.ScanEvent {
	return models.ScanEvent{
		CorrelationID: uuid.New(),
		TagID:         tagID,
		CapturedAt:    time.Now().UTC(),
		Action:        models.ActionScan,
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.Path = "" }},
		{"zero dead letter cap", func(c *Config) { c.DeadLetterMax = 0 }},
		{"one compactor", func(c *Config) { c.NumCompactors = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			tt.mutate(&cfg)
			if _, err := Open(&cfg); err == nil {
				t.Fatal("expected config error")
			}
		})
	}
}

func TestAppendPreservesCaptureOrder(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	const n = 20
	want := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		ev := testEvent(fmt.Sprintf("tag-%03d", i))
		want[i] = ev.CorrelationID
		if err := q.Append(ctx, ev); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	got, err := q.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(got) != n {
		t.Fatalf("queue holds %d entries, want %d", len(got), n)
	}
	for i := range got {
		if got[i].CorrelationID != want[i] {
			t.Fatalf("position %d: got %s, want %s", i, got[i].CorrelationID, want[i])
		}
		if got[i].State != models.StateQueued {
			t.Errorf("position %d: state = %s, want %s", i, got[i].State, models.StateQueued)
		}
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	cfg := createTestConfig(t)
	q, err := Open(&cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 7; i++ {
		ev := testEvent(fmt.Sprintf("tag-%d", i))
		ids = append(ids, ev.CorrelationID)
		if err := q.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulated process restart: reopen the same directory.
	q2, err := Open(&cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = q2.Close() }()

	got, err := q2.All(ctx)
	if err != nil {
		t.Fatalf("All after restart: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("recovered %d entries, want %d", len(got), len(ids))
	}
	for i := range ids {
		if got[i].CorrelationID != ids[i] {
			t.Fatalf("order lost across restart at %d", i)
		}
	}

	// New appends must sort after recovered entries.
	ev := testEvent("tag-after-restart")
	if err := q2.Append(ctx, ev); err != nil {
		t.Fatalf("Append after restart: %v", err)
	}
	got, err = q2.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if got[len(got)-1].CorrelationID != ev.CorrelationID {
		t.Fatal("post-restart append not at tail")
	}
}

func TestPeekBatchBounded(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := q.Append(ctx, testEvent(fmt.Sprintf("tag-%d", i))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	batch, err := q.PeekBatch(ctx, 4)
	if err != nil {
		t.Fatalf("PeekBatch: %v", err)
	}
	if len(batch) != 4 {
		t.Fatalf("batch size = %d, want 4", len(batch))
	}

	// Peek must not remove.
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 10 {
		t.Fatalf("queue depth after peek = %d, want 10", n)
	}

	if batch, err = q.PeekBatch(ctx, 0); err != nil || batch != nil {
		t.Fatalf("PeekBatch(0) = %v, %v; want nil, nil", batch, err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	ev1 := testEvent("tag-1")
	ev2 := testEvent("tag-2")
	for _, ev := range []models.ScanEvent{ev1, ev2} {
		if err := q.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	ids := []uuid.UUID{ev1.CorrelationID, uuid.New()} // one present, one absent
	if err := q.Remove(ctx, ids); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// Removing again must be a no-op, not an error.
	if err := q.Remove(ctx, ids); err != nil {
		t.Fatalf("second Remove: %v", err)
	}

	got, err := q.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(got) != 1 || got[0].CorrelationID != ev2.CorrelationID {
		t.Fatalf("queue = %v, want only %s", got, ev2.CorrelationID)
	}
}

func TestRemoveEmptySlice(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()

	if err := q.Remove(context.Background(), nil); err != nil {
		t.Fatalf("Remove(nil): %v", err)
	}
}

func TestMoveToDeadLetter(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	ev := testEvent("tag-bad")
	if err := q.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := q.MoveToDeadLetter(ctx, ev, "tag_id malformed"); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}

	// Gone from the active queue.
	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("queue depth = %d, want 0", n)
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].Event.CorrelationID != ev.CorrelationID {
		t.Error("dead letter does not match rejected event")
	}
	if letters[0].Reason != "tag_id malformed" {
		t.Errorf("reason = %q", letters[0].Reason)
	}
	if letters[0].Event.State != models.StateFailed {
		t.Errorf("state = %s, want %s", letters[0].Event.State, models.StateFailed)
	}

	count, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestMoveToDeadLetterIsAtomic(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	ev := testEvent("tag-atomic")
	if err := q.Append(ctx, ev); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A move whose transaction never commits must leave the event in the
	// active queue. The removal and the dead-letter insert stand or fall
	// together; the event is in exactly one of the two sets at all times.
	seqNum, err := q.seq.Next()
	if err != nil {
		t.Fatalf("seq.Next: %v", err)
	}
	ev.State = models.StateFailed
	dl := DeadLetter{Event: ev, Reason: "rejected", FailedAt: time.Now().UTC()}
	data, err := json.Marshal(&dl)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	txn := q.db.NewTransaction(true)
	removed, _, err := q.moveToDeadLetterTxn(txn, ev.CorrelationID, deadKey(seqNum), data)
	if err != nil {
		t.Fatalf("moveToDeadLetterTxn: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	txn.Discard()

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("queue depth after discarded move = %d, want 1", n)
	}
	count, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("dead letters after discarded move = %d, want 0", count)
	}

	// The committed move lands the event in exactly the other set.
	if err := q.MoveToDeadLetter(ctx, ev, "rejected"); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	if n, err = q.Len(ctx); err != nil || n != 0 {
		t.Fatalf("queue depth after move = %d (err %v), want 0", n, err)
	}
	if count, err = q.DeadLetterCount(ctx); err != nil || count != 1 {
		t.Fatalf("dead letters after move = %d (err %v), want 1", count, err)
	}
}

func TestAppendRejectsTerminalState(t *testing.T) {
	q := setupQueue(t)
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	for _, state := range []models.EventState{models.StateAcknowledged, models.StateFailed} {
		ev := testEvent("tag-done")
		ev.State = state
		if err := q.Append(ctx, ev); err == nil {
			t.Errorf("Append accepted event in terminal state %s", state)
		}
	}

	n, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("queue depth = %d, want 0", n)
	}
}

func TestDeadLetterCapEvictsOldest(t *testing.T) {
	q := setupQueue(t) // DeadLetterMax = 5
	defer func() { _ = q.Close() }()
	ctx := context.Background()

	var first uuid.UUID
	for i := 0; i < 7; i++ {
		ev := testEvent(fmt.Sprintf("tag-%d", i))
		if i == 0 {
			first = ev.CorrelationID
		}
		if err := q.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := q.MoveToDeadLetter(ctx, ev, "rejected"); err != nil {
			t.Fatalf("MoveToDeadLetter(%d): %v", i, err)
		}
	}

	count, err := q.DeadLetterCount(ctx)
	if err != nil {
		t.Fatalf("DeadLetterCount: %v", err)
	}
	if count != 5 {
		t.Fatalf("dead letter count = %d, want cap 5", count)
	}

	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	for _, dl := range letters {
		if dl.Event.CorrelationID == first {
			t.Fatal("oldest dead letter should have been evicted")
		}
	}
}

func TestClosedQueueReturnsErrQueueClosed(t *testing.T) {
	q := setupQueue(t)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Double close is a no-op.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	ctx := context.Background()
	if err := q.Append(ctx, testEvent("tag")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Append after close: %v", err)
	}
	if _, err := q.PeekBatch(ctx, 1); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("PeekBatch after close: %v", err)
	}
	if err := q.Remove(ctx, []uuid.UUID{uuid.New()}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Remove after close: %v", err)
	}
}
