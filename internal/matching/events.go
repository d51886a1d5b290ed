// Package matching implements the matchmaking coordinator: candidate
// selection, the match-record state machine, the mutual-confirmation
// handshake, expiry handling, and duplicate-session fencing.
package matching

import (
	"encoding/json"
	"fmt"

	"github.com/peermatch/match-service/internal/messaging"
)

// Event is the closed set of inputs the coordinator handles. Live client
// actions and expiry-originated deliveries are the same type arriving at
// the same intake, so ordering and idempotence logic is written once.
type Event interface {
	isEvent()
}

// RequestEvent starts (or re-asserts) a user's matchmaking attempt.
type RequestEvent struct {
	UserID           string `json:"user_id"`
	Topic            string `json:"topic"`
	Difficulty       string `json:"difficulty"`
	ConnectionHandle string `json:"connection_handle"`
}

// ConfirmEvent records one side's consent to a proposed pairing.
type ConfirmEvent struct {
	UserID string `json:"user_id"`
}

// DeclineEvent rejects a proposed pairing.
type DeclineEvent struct {
	UserID string `json:"user_id"`
}

// DisconnectEvent fences all records held by a dropped connection.
type DisconnectEvent struct {
	ConnectionHandle string `json:"connection_handle"`
}

// RequestTimeoutEvent expires a waiting request that found no match. The
// connection handle pins the timeout to the connection that scheduled it,
// so a superseding connection's fresh attempt is untouched.
type RequestTimeoutEvent struct {
	UserID           string `json:"user_id"`
	ConnectionHandle string `json:"connection_handle"`
}

// ConfirmTimeoutEvent expires one side of a pairing that never confirmed.
type ConfirmTimeoutEvent struct {
	RecordID int64 `json:"record_id"`
}

func (RequestEvent) isEvent()        {}
func (ConfirmEvent) isEvent()        {}
func (DeclineEvent) isEvent()        {}
func (DisconnectEvent) isEvent()     {}
func (RequestTimeoutEvent) isEvent() {}
func (ConfirmTimeoutEvent) isEvent() {}

// DecodeEvent parses the JSON payload of a message on the given subject
// into its typed event.
func DecodeEvent(subject string, data []byte) (Event, error) {
	var (
		ev  Event
		err error
	)

	switch subject {
	case messaging.SubjectRequest:
		var e RequestEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case messaging.SubjectConfirm:
		var e ConfirmEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case messaging.SubjectDecline:
		var e DeclineEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case messaging.SubjectDisconnect:
		var e DisconnectEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case messaging.SubjectRequestTimeout:
		var e RequestTimeoutEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case messaging.SubjectConfirmTimeout:
		var e ConfirmTimeoutEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("matching: unknown event subject %q", subject)
	}

	if err != nil {
		return nil, fmt.Errorf("matching: decode %s payload: %w", subject, err)
	}
	return ev, nil
}
