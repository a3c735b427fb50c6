// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package connectivity tracks the scanner's online/offline state. The
// monitor is an explicit injected collaborator, constructed once per
// process; downstream components subscribe to transitions instead of
// consulting ambient platform state.
package connectivity

import (
	"sync"

	"github.com/tomtom215/fieldtrace/internal/logging"
)

// State is the two-valued connectivity state.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Handler receives state change notifications. Handlers run synchronously
// on the signaling goroutine; the online transition must reach the sync
// engine before the signal call returns.
type Handler func(State)

// Subscription is an explicit handle for one registered handler.
// Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// Monitor observes transitions between online and offline and exposes the
// current state, a monotonically increasing transition counter, and change
// subscriptions. Duplicate signals while already in a state produce no
// transition and do not advance the counter.
type Monitor struct {
	mu       sync.Mutex
	state    State
	epoch    uint64
	nextID   uint64
	handlers map[uint64]Handler
}

// NewMonitor creates a monitor starting in the given state. The initial
// state does not count as a transition.
func NewMonitor(initial State) *Monitor {
	return &Monitor{
		state:    initial,
		handlers: make(map[uint64]Handler),
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Online reports whether the monitor currently considers the link up.
func (m *Monitor) Online() bool {
	return m.State() == Online
}

// Epoch returns the transition counter. The sync engine snapshots it
// before a run to detect connectivity flips that happened mid-flight.
func (m *Monitor) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Subscribe registers a handler for state changes and returns its handle.
func (m *Monitor) Subscribe(h Handler) *Subscription {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	return &Subscription{cancel: func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}}
}

// Signal feeds the underlying reachability observation into the monitor.
// A duplicate of the current state is a no-op. On a real transition the
// counter advances and every handler is invoked synchronously, outside
// the monitor lock.
func (m *Monitor) Signal(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.epoch++
	epoch := m.epoch
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()

	logging.Info().
		Str("state", string(next)).
		Uint64("epoch", epoch).
		Msg("connectivity transition")

	for _, h := range handlers {
		h(next)
	}
}
