// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package models defines the shared data types exchanged between the scanner
// agent and the server: scan events, ingest acknowledgments, pending tasks,
// and the standard API response envelope.
package models

import (
	"time"

	"github.com/google/uuid"
)

// EventState tracks a scan event through its lifecycle on the scanner.
//
// Valid transitions:
//
//	Captured -> Queued -> Transmitting -> Acknowledged
//	                                   -> Failed
//	Transmitting -> Queued (transport failure, entry stays queued for retry)
type EventState string

const (
	StateCaptured     EventState = "captured"
	StateQueued       EventState = "queued"
	StateTransmitting EventState = "transmitting"
	StateAcknowledged EventState = "acknowledged"
	StateFailed       EventState = "failed"
)

// CanTransitionTo reports whether the state machine permits moving from s to next.
func (s EventState) CanTransitionTo(next EventState) bool {
	switch s {
	case StateCaptured:
		return next == StateQueued
	case StateQueued:
		return next == StateTransmitting
	case StateTransmitting:
		return next == StateAcknowledged || next == StateFailed || next == StateQueued
	default:
		// Acknowledged and Failed are terminal.
		return false
	}
}

// Terminal reports whether the state is an end state.
func (s EventState) Terminal() bool {
	return s == StateAcknowledged || s == StateFailed
}

// Action is the kind of field action a scan represents.
type Action string

const (
	ActionScan     Action = "scan"
	ActionCheckIn  Action = "check_in"
	ActionCheckOut Action = "check_out"
)

// Valid reports whether the action is a known kind.
func (a Action) Valid() bool {
	switch a {
	case ActionScan, ActionCheckIn, ActionCheckOut:
		return true
	}
	return false
}

// Position is an optional coordinate fix attached to a scan event.
type Position struct {
	Latitude  float64 `json:"lat" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"lon" validate:"gte=-180,lte=180"`
}

// ScanEvent is one captured field action. The CorrelationID is assigned by
// the scanner at capture time and never reassigned; it is the idempotency
// key for server acceptance.
type ScanEvent struct {
	CorrelationID uuid.UUID  `json:"correlation_id" validate:"required"`
	TagID         string     `json:"tag_id" validate:"required,max=128"`
	CapturedAt    time.Time  `json:"captured_at" validate:"required"`
	Position      *Position  `json:"position,omitempty"`
	Action        Action     `json:"action" validate:"required,oneof=scan check_in check_out"`
	State         EventState `json:"state,omitempty"`
}

// AcceptedEvent is a ScanEvent the server has persisted, stamped with the
// server-assigned receipt time. This is the fan-out payload.
type AcceptedEvent struct {
	ScanEvent
	ReceivedAt time.Time `json:"received_at"`
}

// IngestRequest is one transmission attempt: a batch of queued events.
type IngestRequest struct {
	ClientID string      `json:"client_id" validate:"required,max=64"`
	Events   []ScanEvent `json:"events" validate:"required,min=1,max=500,dive"`
}

// EventAck is the server's per-event acknowledgment. Acks are returned in
// submission order. Duplicate is set when the correlation id had already
// been accepted; that is a success path, not an error.
type EventAck struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Accepted      bool      `json:"accepted"`
	Duplicate     bool      `json:"duplicate,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// IngestResponse carries the ordered acknowledgment list for a batch.
type IngestResponse struct {
	Results []EventAck `json:"results"`
}
