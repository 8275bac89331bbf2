package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// wsConn adapts a gorilla websocket connection to the realtime.Conn shape.
// Gorilla permits a single concurrent writer, so every Send serializes
// through the connection's write lock.
type wsConn struct {
	id           string
	mu           sync.Mutex
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func newWSConn(ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's stable identifier.
func (c *wsConn) ID() string { return c.id }

// Send delivers a JSON payload to the peer. An error means the peer is gone
// and the caller should prune this connection.
func (c *wsConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

// ping sends a control-frame ping. Gorilla allows WriteControl concurrently
// with other writes, so no lock is taken.
func (c *wsConn) ping(deadline time.Time) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.Close()
}
