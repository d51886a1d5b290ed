package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one client's WebSocket, identified by its opaque handle.
// Writes are serialized; frames from concurrent notification and pong
// paths must not interleave.
type Connection struct {
	Handle   string
	LastPing time.Time

	conn    net.Conn
	writeMu sync.Mutex
}

// NewConnection wraps an upgraded socket with a fresh handle.
func NewConnection(handle string, conn net.Conn) *Connection {
	return &Connection{
		Handle:   handle,
		LastPing: time.Now(),
		conn:     conn,
	}
}

// WriteMessage sends a text frame to the client.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// ReadMessage blocks until the next client frame arrives.
func (c *Connection) ReadMessage() ([]byte, ws.OpCode, error) {
	return wsutil.ReadClientData(c.conn)
}

// Close tears down the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}
