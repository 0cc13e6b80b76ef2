package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second
	// Clients ping every 30 s; a silent connection is dropped after readWait.
	readWait = 5 * time.Minute
	// Largest client message: a code draft.
	maxMessageSize = 256 << 10
)

// WriteTyped sends a strongly-typed payload. Only the Outbox calls it.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadJSON reads and decodes one client message, refreshing the read deadline.
func ReadJSON(conn *websocket.Conn, v interface{}) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readWait))
	return conn.ReadJSON(v)
}
