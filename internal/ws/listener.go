// FieldTrace - Offline Field Event Capture and Real-Time Fan-Out
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/fieldtrace

package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/fieldtrace/internal/logging"
	"github.com/tomtom215/fieldtrace/internal/models"
)

const (
	dialTimeout          = 10 * time.Second
	reconnectInitialWait = 2 * time.Second
	reconnectMaxWait     = time.Minute
)

// Listener is the scanner-side consumer of the push channel. It keeps a
// websocket connection to the server's fan-out hub, dispatches accepted
// events, and invokes the reconnect hook after every re-established
// connection so the agent can catch up on pushes it missed while
// disconnected.
type Listener struct {
	url         string
	bearerToken string

	// OnEvent receives every pushed accepted event. Optional.
	OnEvent func(*models.AcceptedEvent)

	// OnReconnect fires after a connection is re-established following a
	// drop. It does not fire for the first successful connection.
	OnReconnect func()
}

// NewListener builds a listener against the server base URL.
func NewListener(serverURL, bearerToken string) *Listener {
	wsURL := strings.TrimRight(serverURL, "/") + "/api/v1/ws"
	wsURL = strings.Replace(wsURL, "http", "ws", 1)
	return &Listener{url: wsURL, bearerToken: bearerToken}
}

// Serve runs the connect/read loop until ctx is canceled. Connection
// failures back off exponentially up to a minute; the backoff resets
// after every successful connection.
func (l *Listener) Serve(ctx context.Context) error {
	wait := reconnectInitialWait
	connectedBefore := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := l.dial(ctx)
		if err != nil {
			logging.Debug().Err(err).Str("url", l.url).Msg("push channel dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		wait = reconnectInitialWait
		if connectedBefore && l.OnReconnect != nil {
			l.OnReconnect()
		}
		connectedBefore = true
		logging.Info().Str("url", l.url).Msg("push channel connected")

		l.readLoop(ctx, conn)
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if l.bearerToken != "" {
		header.Set("Authorization", "Bearer "+l.bearerToken)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, l.url, header)
	if resp != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	return conn, err
}

// readLoop consumes frames until the connection drops or ctx is canceled.
func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	// Unblock ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				logging.Debug().Err(err).Msg("push channel read failed, reconnecting")
			}
			return
		}

		switch msg.Type {
		case MessageTypeEventAccepted:
			if l.OnEvent == nil {
				continue
			}
			raw, err := json.Marshal(msg.Data)
			if err != nil {
				continue
			}
			var accepted models.AcceptedEvent
			if err := json.Unmarshal(raw, &accepted); err != nil {
				logging.Debug().Err(err).Msg("discarding malformed push frame")
				continue
			}
			l.OnEvent(&accepted)
		case MessageTypePing:
			_ = conn.WriteJSON(Message{Type: MessageTypePong})
		}
	}
}

func (l *Listener) String() string { return "fanout-listener" }
