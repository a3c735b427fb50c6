// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package ws

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/fieldtrace/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // 64 KB; sessions only send control frames
)

// sessionIDCounter generates unique, monotonically increasing session ids.
// DETERMINISM: gives the hub a stable sort key for fan-out order.
var sessionIDCounter atomic.Uint64

// Session is the middleman between one websocket connection and the hub.
// Sessions are push-only: the server never acts on inbound frames except
// ping/pong keepalive.
type Session struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// NewSession creates a session for an upgraded connection.
func NewSession(hub *Hub, conn *websocket.Conn) *Session {
	return &Session{
		id:   sessionIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, 256),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uint64 {
	return s.id
}

// readPump consumes inbound frames until the connection drops, answering
// application-level pings and keeping the read deadline fresh.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister <- s
		_ = s.conn.Close() // best-effort cleanup
	}()

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		err := s.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			break
		}

		if msg.Type == MessageTypePing {
			pong := Message{Type: MessageTypePong}
			select {
			case s.send <- pong:
			default:
			}
		}
	}
}

// writePump drains the send buffer onto the connection and emits protocol
// pings on a timer.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close() // best-effort cleanup
	}()

	for {
		select {
		case message, ok := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// The hub closed the channel
				if err := s.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					logging.Error().Err(err).Msg("failed to write close message")
				}
				return
			}

			if err := s.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}

			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins the session's read and write pumps.
func (s *Session) Start() {
	go s.writePump()
	go s.readPump()
}
