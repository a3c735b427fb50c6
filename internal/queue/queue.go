// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package queue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/metrics"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// Key layout. Queue entries are keyed by a persisted monotonic sequence so
// lexicographic iteration equals append order. A secondary index maps
// correlation id to the sequence key so Remove does not need to scan.
const (
	prefixQueue = "queue:"
	prefixIndex = "cid:"
	prefixDead  = "dead:"

	seqBandwidth = 128
)

// Errors
var (
	// ErrQueueClosed is returned after Close.
	ErrQueueClosed = errors.New("queue is closed")
)

// Entry is one durably queued scan event.
type Entry struct {
	Event    models.ScanEvent `json:"event"`
	QueuedAt time.Time        `json:"queued_at"`
}

// DeadLetter is a definitively rejected event held for operator review.
type DeadLetter struct {
	Event    models.ScanEvent `json:"event"`
	Reason   string           `json:"reason"`
	FailedAt time.Time        `json:"failed_at"`
}

// Queue is the BadgerDB-backed durable local queue.
//
// Append and Remove operate on disjoint keys within one sync run, so the
// two mutating call paths (capturer appends, sync engine removes) need no
// cross-operation lock beyond Badger's own transaction isolation.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence
	cfg Config

	mu     sync.RWMutex
	closed bool
}

// Open creates or reopens the durable queue at the configured path.
func Open(cfg *Config) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	if cfg.MemTableSize > 0 {
		opts.MemTableSize = cfg.MemTableSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumCompactors > 0 {
		opts.NumCompactors = cfg.NumCompactors
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte("queue-seq"), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open queue sequence: %w", err)
	}

	q := &Queue{db: db, seq: seq, cfg: *cfg}

	depth, err := q.Len(context.Background())
	if err != nil {
		logging.Warn().Err(err).Msg("queue opened but depth count failed")
	} else {
		metrics.QueueDepth.Set(float64(depth))
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Int("recovered_entries", depth).
		Msg("durable queue opened")
	return q, nil
}

// queueKey builds the ordered primary key for a sequence number.
func queueKey(seq uint64) []byte {
	key := make([]byte, len(prefixQueue)+8)
	copy(key, prefixQueue)
	binary.BigEndian.PutUint64(key[len(prefixQueue):], seq)
	return key
}

func indexKey(id uuid.UUID) []byte {
	return []byte(prefixIndex + id.String())
}

// Append durably persists a captured event at the tail of the queue.
// The write is fsynced (when SyncWrites is on) before Append returns.
// The stored event carries StateQueued.
func (q *Queue) Append(ctx context.Context, event models.ScanEvent) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	if event.State.Terminal() {
		return fmt.Errorf("event %s is in terminal state %s", event.CorrelationID, event.State)
	}

	seqNum, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next queue sequence: %w", err)
	}

	event.State = models.StateQueued
	entry := Entry{Event: event, QueuedAt: time.Now().UTC()}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	key := queueKey(seqNum)
	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(indexKey(event.CorrelationID), key)
	})
	if err != nil {
		return fmt.Errorf("append to queue: %w", err)
	}

	metrics.QueueAppends.Inc()
	metrics.QueueDepth.Inc()
	return nil
}

// PeekBatch returns up to max entries in append order without removing
// them. Entries appended after the snapshot view began are excluded, so a
// batch is never torn.
func (q *Queue) PeekBatch(ctx context.Context, max int) ([]models.ScanEvent, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	q.mu.RUnlock()

	if max <= 0 {
		return nil, nil
	}

	var events []models.ScanEvent
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(events) < max; it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("queue: skipping unreadable entry")
				continue
			}
			events = append(events, entry.Event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("peek queue batch: %w", err)
	}
	return events, nil
}

// Remove deletes the entries for the given correlation ids. Removing an
// absent id is a no-op, which makes acknowledgment processing idempotent
// when a retry resends an already-removed batch.
func (q *Queue) Remove(ctx context.Context, ids []uuid.UUID) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	if len(ids) == 0 {
		return nil
	}

	removed := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		var err error
		removed, err = removeTxn(txn, ids)
		return err
	})
	if err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}

	metrics.QueueDepth.Sub(float64(removed))
	return nil
}

// removeTxn deletes the entries and index keys for the given ids within txn.
// Absent ids are skipped. Shared by Remove and MoveToDeadLetter so the
// dead-letter move commits its removal and insert in one transaction.
func removeTxn(txn *badger.Txn, ids []uuid.UUID) (int, error) {
	removed := 0
	for _, id := range ids {
		idxKey := indexKey(id)
		item, err := txn.Get(idxKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("lookup %s: %w", id, err)
		}

		var primary []byte
		if err := item.Value(func(val []byte) error {
			primary = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return 0, fmt.Errorf("read index for %s: %w", id, err)
		}

		if err := txn.Delete(primary); err != nil {
			return 0, fmt.Errorf("delete entry for %s: %w", id, err)
		}
		if err := txn.Delete(idxKey); err != nil {
			return 0, fmt.Errorf("delete index for %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// All returns every queued entry in append order.
func (q *Queue) All(ctx context.Context) ([]models.ScanEvent, error) {
	return q.PeekBatch(ctx, int(^uint(0)>>1))
}

// Len counts queued entries.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return 0, ErrQueueClosed
	}
	q.mu.RUnlock()

	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count queue entries: %w", err)
	}
	return count, nil
}

// DB returns the underlying BadgerDB instance so co-located stores (the
// pending-task cache) can share it. The returned DB must not be closed
// directly; use the queue's Close.
func (q *Queue) DB() *badger.DB {
	return q.db
}

// Close releases the sequence and shuts the database down, bounded by
// CloseTimeout to prevent indefinite hangs.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	timeout := q.cfg.CloseTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	q.mu.Unlock()

	if err := q.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("queue sequence release failed")
	}

	done := make(chan error, 1)
	go func() {
		done <- q.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("durable queue closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}
