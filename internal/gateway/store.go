// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
)

const (
	prefixEvent = "event:"

	// closeTimeout bounds how long Close waits for Badger to flush.
	closeTimeout = 10 * time.Second
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("event store is closed")

// Store is the BadgerDB-backed record of accepted events. The duplicate
// check and the persist happen inside one transaction, so no two ingest
// calls for the same correlation id can both persist.
type Store struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

// OpenStore creates or reopens the accepted-event store at path.
func OpenStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path must not be empty")
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{db: db}

	count, err := s.Count(context.Background())
	if err != nil {
		logging.Warn().Err(err).Msg("event store opened but count failed")
	}
	logging.Info().
		Str("path", path).
		Int("persisted_events", count).
		Msg("event store opened")
	return s, nil
}

func eventKey(id uuid.UUID) []byte {
	return []byte(prefixEvent + id.String())
}

// PutIfAbsent persists event unless its correlation id was already
// accepted. Returns true when this call persisted the event, false when it
// was a duplicate. Check and write share one transaction; a conflicting
// concurrent insert surfaces as a duplicate, never a double-persist.
func (s *Store) PutIfAbsent(ctx context.Context, event models.AcceptedEvent) (bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false, ErrStoreClosed
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := eventKey(event.CorrelationID)
	inserted := false

	err := s.db.Update(func(txn *badger.Txn) error {
		inserted = false
		_, err := txn.Get(key)
		if err == nil {
			return nil // already accepted
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		raw, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent ingest won the race for the same id.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("persist event %s: %w", event.CorrelationID, err)
	}
	return inserted, nil
}

// Get returns a persisted event or nil when unknown.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.AcceptedEvent, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *models.AcceptedEvent
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var ev models.AcceptedEvent
			if err := json.Unmarshal(val, &ev); err != nil {
				return err
			}
			out = &ev
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", id, err)
	}
	return out, nil
}

// Recent returns up to limit persisted events, newest first by receipt
// time. This is the catch-up read path for clients that missed a push.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.AcceptedEvent, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	var events []models.AcceptedEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEvent)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var ev models.AcceptedEvent
				if err := json.Unmarshal(val, &ev); err != nil {
					logging.Warn().Err(err).Msg("skipping unreadable persisted event")
					return nil
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}

	// Keys are uuid-ordered, not time-ordered; sort by receipt time.
	sort.Slice(events, func(i, j int) bool {
		return events[i].ReceivedAt.After(events[j].ReceivedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// Count returns the number of persisted events.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	s.mu.RUnlock()

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixEvent)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Close flushes and closes the underlying database, bounded by a timeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close event store: %w", err)
		}
		logging.Info().Msg("event store closed")
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("event store close timed out after %s", closeTimeout)
	}
}
