// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package tasks holds both sides of pending-task handling: the server's
// authoritative Registry and the scanner's offline-readable Cache.
package tasks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// Registry errors.
var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrTaskCompleted = errors.New("task already completed")
)

// Registry is the server's authoritative task set. Tasks are created by
// operators, listed by scanners, and mutated only through Complete.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	tasks       map[string]models.PendingTask
	completedAt map[string]time.Time

	janitorInterval time.Duration
	retention       time.Duration
}

// NewRegistry creates a registry. janitorInterval drives the background
// sweep that drops completed tasks after retention.
func NewRegistry(janitorInterval time.Duration) *Registry {
	return &Registry{
		tasks:           make(map[string]models.PendingTask),
		completedAt:     make(map[string]time.Time),
		janitorInterval: janitorInterval,
		retention:       24 * time.Hour,
	}
}

// Upsert creates or replaces a task. A replaced task returns to pending.
func (r *Registry) Upsert(task models.PendingTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	r.tasks[task.ID] = task
	delete(r.completedAt, task.ID)
}

// Pending returns all non-completed tasks sorted urgent-first, then by due
// time, then by id for a stable order.
func (r *Registry) Pending() []models.PendingTask {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PendingTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		if t.Status != models.TaskCompleted {
			out = append(out, t)
		}
	}
	SortTasks(out)
	return out
}

// Get returns one task by id.
func (r *Registry) Get(id string) (models.PendingTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Complete marks a task completed. Completing an unknown task returns
// ErrTaskNotFound; completing twice returns ErrTaskCompleted.
func (r *Registry) Complete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status == models.TaskCompleted {
		return ErrTaskCompleted
	}
	t.Status = models.TaskCompleted
	r.tasks[id] = t
	r.completedAt[id] = time.Now().UTC()
	return nil
}

// PruneCompleted drops tasks completed before the retention cutoff and
// returns how many were removed.
func (r *Registry) PruneCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-r.retention)
	removed := 0
	for id, done := range r.completedAt {
		if done.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.completedAt, id)
			removed++
		}
	}
	return removed
}

// Serve runs the janitor sweep until the context is canceled. Designed for
// suture supervision.
func (r *Registry) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := r.PruneCompleted(); removed > 0 {
				logging.Debug().Int("removed", removed).Msg("task janitor pruned completed tasks")
			}
		}
	}
}

// String implements suture's namer for clearer supervision logs.
func (r *Registry) String() string { return "task-janitor" }

// SortTasks orders tasks urgent-first, then earliest due, then by id.
func SortTasks(tasks []models.PendingTask) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority.Rank() != tasks[j].Priority.Rank() {
			return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
		}
		if !tasks[i].DueTime.Equal(tasks[j].DueTime) {
			return tasks[i].DueTime.Before(tasks[j].DueTime)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
