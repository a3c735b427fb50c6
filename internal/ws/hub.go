// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

// Package ws implements the server's broadcast fan-out: every accepted
// event is pushed to all connected websocket sessions, at most once, best
// effort. A session that disconnects or falls behind mid-publish is skipped;
// the publisher never sees an error. Clients that miss a push must backfill
// through the read API.
package ws

import (
	"context"
	"sort"
	"sync"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/metrics"
	"github.com/tomtom215/fieldtrace/internal/models"
)

// Message types for the push channel.
const (
	MessageTypeEventAccepted = "event_accepted"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is the frame pushed to sessions.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub maintains the set of active sessions and fans accepted events out to
// them.
type Hub struct {
	sessions   map[*Session]bool
	broadcast  chan Message
	Register   chan *Session
	Unregister chan *Session
	mu         sync.RWMutex
}

// NewHub creates a hub. Run or RunWithContext must be started before
// registrations are consumed.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Session),
		Unregister: make(chan *Session),
		sessions:   make(map[*Session]bool),
	}
}

// RunWithContext runs the hub loop until the context is canceled, then
// closes every session. Designed for suture supervision.
//
// DETERMINISM: Uses priority-based selection to ensure predictable behavior:
// - Priority 1: Context cancellation (shutdown)
// - Priority 2: Session lifecycle events (Register/Unregister)
// - Priority 3: Broadcast messages
// When Go's select has multiple ready channels it picks randomly; the
// staged selects keep session state consistent before messages flow.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Priority 1: Check for shutdown (highest priority, non-blocking)
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		// Priority 2: Handle session lifecycle events (non-blocking check)
		select {
		case s := <-h.Register:
			h.addSession(s)
			continue
		case s := <-h.Unregister:
			h.removeSession(s)
			continue
		default:
		}

		// Priority 3: Handle broadcast messages or wait for any event
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		case s := <-h.Register:
			h.addSession(s)
		case s := <-h.Unregister:
			h.removeSession(s)
		case message := <-h.broadcast:
			h.deliver(message)
		}
	}
}

func (h *Hub) addSession(s *Session) {
	h.mu.Lock()
	h.sessions[s] = true
	count := len(h.sessions)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_sessions", count).Msg("websocket session connected")
}

func (h *Hub) removeSession(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; ok {
		delete(h.sessions, s)
		close(s.send)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	metrics.WebSocketClients.Set(float64(count))
	logging.Info().Int("total_sessions", count).Msg("websocket session disconnected")
}

// deliver sends a message to all registered sessions in a deterministic
// order. A session whose send buffer is full is dropped rather than blocking
// the fan-out behind one slow reader.
func (h *Hub) deliver(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// DETERMINISM: sort sessions by their monotonic id so delivery and
	// removal order is reproducible across runs.
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id < sessions[j].id
	})

	var toRemove []*Session
	for _, s := range sessions {
		select {
		case s.send <- message:
			metrics.BroadcastDeliveries.Inc()
		default:
			metrics.BroadcastDropped.Inc()
			toRemove = append(toRemove, s)
		}
	}

	for _, s := range toRemove {
		close(s.send)
		delete(h.sessions, s)
	}
	if len(toRemove) > 0 {
		metrics.WebSocketClients.Set(float64(len(h.sessions)))
		logging.Warn().Int("dropped", len(toRemove)).Msg("dropped stalled websocket sessions during fan-out")
	}
}

// shutdown closes every session in id order and logs the reason. Context
// cancellation is expected behavior, not an error.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].id < sessions[j].id
	})
	for _, s := range sessions {
		close(s.send)
		delete(h.sessions, s)
	}
	h.mu.Unlock()

	metrics.WebSocketClients.Set(0)

	reason := "context_canceled"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "context_deadline"
	}
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", reason).
		Int("sessions_closed", len(sessions)).
		Msg("websocket hub stopped")
}

// Publish pushes an accepted event to every registered session, including
// the sessions of the client that submitted it. Best effort: if the hub's
// broadcast buffer is full the message is dropped and counted.
func (h *Hub) Publish(event *models.AcceptedEvent) {
	message := Message{
		Type: MessageTypeEventAccepted,
		Data: event,
	}

	select {
	case h.broadcast <- message:
	default:
		metrics.BroadcastDropped.Inc()
		logging.Warn().Msg("broadcast channel full, dropping event_accepted message")
	}
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
