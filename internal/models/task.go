// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package models

import "time"

// TaskPriority orders pending field work. Urgent sorts first.
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// Rank returns the sort rank of the priority; lower ranks sort first.
// Unknown priorities rank after low.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// TaskStatus is the lifecycle state of a pending task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// PendingTask is a server-assigned unit of field work. Tasks are created by
// the server and mutated only through explicit completion calls; the scanner
// caches them read-only for offline access.
type PendingTask struct {
	ID       string       `json:"id" validate:"required"`
	Priority TaskPriority `json:"priority" validate:"required,oneof=urgent high medium low"`
	Location string       `json:"location,omitempty"`
	DueTime  time.Time    `json:"due_time"`
	Status   TaskStatus   `json:"status"`
}

// TaskListResponse is the payload of the task refresh call.
type TaskListResponse struct {
	Tasks []PendingTask `json:"tasks"`
}
