// Package client provides a reusable WebSocket load test client for the
// matchmaking gateway. It connects using gobwas/ws (the same library the
// gateway uses), automatically captures the connection handle from the
// connected greeting, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeMatchingRequest = "matching_request"
	TypeConfirm         = "confirm"
	TypeDecline         = "decline"
	TypePing            = "ping"
)

// Server -> Client message types. Matching notifications carry the event
// name assigned by the coordinator.
const (
	TypeConnected       = "connected"
	TypeMatched         = "matched"
	TypeOtherAccepted   = "other_accepted"
	TypeOtherDeclined   = "other_declined"
	TypeMatchingSuccess = "matching_success"
	TypeMatchingFail    = "matching_fail"
	TypeTimeout         = "timeout"
	TypeDuplicateSocket = "duplicate_socket"
	TypeQuestionError   = "question_error"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the gateway. It
// manages the WebSocket lifecycle, dispatches incoming messages to
// registered handlers, and captures the connection handle the gateway
// assigns on connect.
type Client struct {
	conn      net.Conn
	handle    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	firstMsg  time.Time
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine
// begins reading messages. The connected greeting is handled internally:
// its connection handle is stored and exposed via Handle.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// RequestMatch sends a matching_request for the given user and criteria.
func (c *Client) RequestMatch(userID, topic, difficulty string) error {
	return c.Send(map[string]string{
		"type":       TypeMatchingRequest,
		"user_id":    userID,
		"topic":      topic,
		"difficulty": difficulty,
	})
}

// Confirm sends a confirm for the given user's proposed pairing.
func (c *Client) Confirm(userID string) error {
	return c.Send(map[string]string{"type": TypeConfirm, "user_id": userID})
}

// Decline sends a decline for the given user's proposed pairing.
func (c *Client) Decline(userID string) error {
	return c.Send(map[string]string{"type": TypeDecline, "user_id": userID})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not
// block for extended periods. Only one handler per message type is
// supported; registering a second handler for the same type replaces the
// first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForHandle blocks until the gateway has assigned a connection handle
// or the context is cancelled. This is useful for coordinating load test
// phases that depend on the greeting being complete.
func (c *Client) WaitForHandle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before the greeting arrived")
		case <-ticker.C:
			if c.handle != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Handle returns the connection handle assigned by the gateway, or an
// empty string if the greeting has not arrived yet.
func (c *Client) Handle() string {
	return c.handle
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and
// dispatches them to registered handlers. It runs until the connection is
// closed or an unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		// Track time of first message for FirstMsgLatency.
		if c.firstMsg.IsZero() {
			c.firstMsg = time.Now()
			c.metrics.FirstMsgLatency = c.metrics.ConnectLatency + time.Since(c.firstMsg)
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle the greeting internally: extract the connection handle.
		if envelope.Type == TypeConnected {
			var msg struct {
				Type             string `json:"type"`
				ConnectionHandle string `json:"connection_handle"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.ConnectionHandle != "" {
				c.handle = msg.ConnectionHandle
			}
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
