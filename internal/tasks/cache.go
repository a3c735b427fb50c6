// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package tasks

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/metrics"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// prefixTask scopes cache keys inside the scanner's shared Badger store.
const prefixTask = "task:"

// ErrOffline is returned by online-only operations while disconnected.
var ErrOffline = errors.New("scanner is offline")

// TaskClient is the server API surface the cache needs.
type TaskClient interface {
	ListTasks(ctx context.Context) ([]models.PendingTask, error)
	CompleteTask(ctx context.Context, taskID string) error
}

// OnlineChecker reports current connectivity.
type OnlineChecker interface {
	Online() bool
}

// Cache is the scanner's read-mostly copy of the server task list. List
// always answers from local storage, even offline; Refresh and Complete are
// online-only. A failed refresh leaves the cached set untouched.
type Cache struct {
	db     *badger.DB
	client TaskClient
	conn   OnlineChecker
}

// NewCache builds a cache over the scanner's shared Badger store. The task
// prefix keeps its keys disjoint from the durable queue's.
func NewCache(db *badger.DB, client TaskClient, conn OnlineChecker) *Cache {
	return &Cache{db: db, client: client, conn: conn}
}

func taskKey(id string) []byte {
	return []byte(prefixTask + id)
}

// Refresh fetches the server task list and replaces the cache wholesale in
// one transaction. Offline, or on any fetch failure, the cache keeps its
// previous contents and the error is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	if !c.conn.Online() {
		return ErrOffline
	}

	fetched, err := c.client.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("fetch task list: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		// Drop the previous set first; the replace is all-or-nothing
		// within this transaction.
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTask)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for _, task := range fetched {
			raw, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("marshal task %s: %w", task.ID, err)
			}
			if err := txn.Set(taskKey(task.ID), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace task cache: %w", err)
	}

	logging.Debug().Int("tasks", len(fetched)).Msg("task cache refreshed")
	return nil
}

// List returns the cached tasks sorted urgent-first. A cache that has never
// been refreshed yields an empty list, not an error.
func (c *Cache) List(ctx context.Context) ([]models.PendingTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks := []models.PendingTask{}
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixTask)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var task models.PendingTask
				if err := json.Unmarshal(val, &task); err != nil {
					logging.Warn().Err(err).Msg("skipping unreadable cached task")
					return nil
				}
				tasks = append(tasks, task)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read task cache: %w", err)
	}

	SortTasks(tasks)
	return tasks, nil
}

// Complete reports a task done to the server and removes it locally on
// success. There is no offline queuing of completions: completion is not
// idempotent-safe the way scan capture is, so a failure leaves the task
// pending and surfaces immediately.
func (c *Cache) Complete(ctx context.Context, taskID string) error {
	if !c.conn.Online() {
		metrics.TaskCompletions.WithLabelValues("offline").Inc()
		return ErrOffline
	}

	if err := c.client.CompleteTask(ctx, taskID); err != nil {
		metrics.TaskCompletions.WithLabelValues("error").Inc()
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(taskID))
	})
	if err != nil {
		// The server accepted the completion; the stale local entry
		// disappears on the next refresh.
		logging.Warn().Err(err).Str("task_id", taskID).Msg("completed task not removed from cache")
	}

	metrics.TaskCompletions.WithLabelValues("ok").Inc()
	return nil
}
