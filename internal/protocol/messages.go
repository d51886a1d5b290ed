// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> Server message types.
const (
	TypeMatchingRequest = "matching_request"
	TypeConfirm         = "confirm"
	TypeDecline         = "decline"
	TypePing            = "ping"
)

// Server -> Client message types. Matching outcome notifications keep the
// event name assigned by the coordinator (matched, matching_success, ...)
// and are forwarded verbatim.
const (
	TypeConnected = "connected"
	TypeError     = "error"
	TypePong      = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// MatchingRequestMsg is sent by the client to start a matchmaking attempt.
type MatchingRequestMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"user_id"`
	Topic      string `json:"topic"`
	Difficulty string `json:"difficulty"`
}

// ConfirmMsg is sent by the client to accept a proposed pairing.
type ConfirmMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// DeclineMsg is sent by the client to reject a proposed pairing.
type DeclineMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ConnectedMsg is sent by the gateway once the socket is registered.
type ConnectedMsg struct {
	Type             string `json:"type"`
	ConnectionHandle string `json:"connection_handle"`
}

// ErrorMsg is sent by the gateway to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the gateway's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. An error is returned for unknown or server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMatchingRequest:
		var m MatchingRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeConfirm:
		var m ConfirmMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDecline:
		var m DeclineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message
// with the type discriminator injected into the payload.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
