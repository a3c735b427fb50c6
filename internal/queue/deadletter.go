// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/metrics"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// MoveToDeadLetter removes the event from the active queue and records it
// in the dead-letter set with the server's rejection reason. The set is
// capped at DeadLetterMax; when full, the oldest entry is evicted first.
// One malformed event must never block the events queued behind it.
func (q *Queue) MoveToDeadLetter(ctx context.Context, event models.ScanEvent, reason string) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrQueueClosed
	}
	q.mu.RUnlock()

	seqNum, err := q.seq.Next()
	if err != nil {
		return fmt.Errorf("next queue sequence: %w", err)
	}

	event.State = models.StateFailed
	dl := DeadLetter{Event: event, Reason: reason, FailedAt: time.Now().UTC()}
	data, err := json.Marshal(&dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	// The queue removal and the dead-letter insert commit together: no
	// failure or crash can leave the event in neither set.
	var removed int
	var evicted bool
	err = q.db.Update(func(txn *badger.Txn) error {
		var err error
		removed, evicted, err = q.moveToDeadLetterTxn(txn, event.CorrelationID, deadKey(seqNum), data)
		return err
	})
	if err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}

	metrics.QueueDepth.Sub(float64(removed))
	if evicted {
		metrics.DeadLetterEvictions.Inc()
	} else {
		metrics.DeadLetterSize.Inc()
	}
	logging.Warn().
		Str("correlation_id", event.CorrelationID.String()).
		Str("reason", reason).
		Msg("event moved to dead-letter set")
	return nil
}

// moveToDeadLetterTxn removes the active entry, evicts the oldest dead
// letter when the set is at its cap, and inserts the new dead letter, all
// within one transaction.
func (q *Queue) moveToDeadLetterTxn(txn *badger.Txn, id uuid.UUID, key, data []byte) (removed int, evicted bool, err error) {
	removed, err = removeTxn(txn, []uuid.UUID{id})
	if err != nil {
		return 0, false, err
	}

	count, oldest, err := deadLetterScan(txn)
	if err != nil {
		return 0, false, err
	}
	if count >= q.cfg.DeadLetterMax && oldest != nil {
		if err := txn.Delete(oldest); err != nil {
			return 0, false, fmt.Errorf("evict oldest dead letter: %w", err)
		}
		evicted = true
	}

	if err := txn.Set(key, data); err != nil {
		return 0, false, err
	}
	return removed, evicted, nil
}

// DeadLetters returns the dead-letter set in failure order.
func (q *Queue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	q.mu.RUnlock()

	var letters []DeadLetter
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDead)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			var dl DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				logging.Warn().Err(err).Msg("queue: skipping unreadable dead letter")
				continue
			}
			letters = append(letters, dl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// DeadLetterCount reports the size of the dead-letter set. This is the
// user-visible "N scans could not be synced" number.
func (q *Queue) DeadLetterCount(ctx context.Context) (int, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return 0, ErrQueueClosed
	}
	q.mu.RUnlock()

	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		count, _, err = deadLetterScan(txn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}

func deadKey(seq uint64) []byte {
	key := make([]byte, len(prefixDead)+8)
	copy(key, prefixDead)
	binary.BigEndian.PutUint64(key[len(prefixDead):], seq)
	return key
}

// deadLetterScan counts dead letters and returns the oldest key.
func deadLetterScan(txn *badger.Txn) (int, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	count := 0
	var oldest []byte
	prefix := []byte(prefixDead)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if oldest == nil {
			oldest = it.Item().KeyCopy(nil)
		}
		count++
	}
	return count, oldest, nil
}
