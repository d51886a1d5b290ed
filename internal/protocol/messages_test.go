package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid matching_request message
// ---------------------------------------------------------------------------

func TestParseClientMessage_MatchingRequest(t *testing.T) {
	input := []byte(`{"type":"matching_request","user_id":"alice","topic":"arrays","difficulty":"easy"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMatchingRequest {
		t.Fatalf("expected type %q, got %q", TypeMatchingRequest, msgType)
	}

	req, ok := msg.(MatchingRequestMsg)
	if !ok {
		t.Fatalf("expected MatchingRequestMsg, got %T", msg)
	}
	if req.UserID != "alice" {
		t.Errorf("expected user_id %q, got %q", "alice", req.UserID)
	}
	if req.Topic != "arrays" {
		t.Errorf("expected topic %q, got %q", "arrays", req.Topic)
	}
	if req.Difficulty != "easy" {
		t.Errorf("expected difficulty %q, got %q", "easy", req.Difficulty)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a connected server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Connected(t *testing.T) {
	payload := ConnectedMsg{ConnectionHandle: "conn-456"}

	data, err := NewServerMessage(TypeConnected, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeConnected {
		t.Errorf("expected type %q, got %v", TypeConnected, result["type"])
	}
	if result["connection_handle"] != "conn-456" {
		t.Errorf("expected connection_handle %q, got %v", "conn-456", result["connection_handle"])
	}
}

// ---------------------------------------------------------------------------
// Test: The type discriminator overrides any payload field
// ---------------------------------------------------------------------------

func TestNewServerMessage_TypeOverride(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "something-else"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypePong {
		t.Errorf("expected type %q, got %v", TypePong, result["type"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_MatchingRequest(t *testing.T) {
	original := MatchingRequestMsg{
		Type:       TypeMatchingRequest,
		UserID:     "alice",
		Topic:      "graphs",
		Difficulty: "hard",
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMatchingRequest {
		t.Fatalf("expected type %q, got %q", TypeMatchingRequest, msgType)
	}

	decoded, ok := msg.(MatchingRequestMsg)
	if !ok {
		t.Fatalf("expected MatchingRequestMsg, got %T", msg)
	}
	if decoded != original {
		t.Errorf("round trip mismatch: expected %+v, got %+v", original, decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"matching_request", `{"type":"matching_request","user_id":"u1","topic":"arrays","difficulty":"easy"}`, TypeMatchingRequest},
		{"confirm", `{"type":"confirm","user_id":"u1"}`, TypeConfirm},
		{"decline", `{"type":"decline","user_id":"u1"}`, TypeDecline},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
