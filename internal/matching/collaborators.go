package matching

import (
	"context"
	"time"
)

// Notification event names pushed to connection handles.
const (
	EventDuplicateSocket = "duplicate_socket"
	EventQuestionError   = "question_error"
	EventMatched         = "matched"
	EventOtherAccepted   = "other_accepted"
	EventOtherDeclined   = "other_declined"
	EventMatchingSuccess = "matching_success"
	EventMatchingFail    = "matching_fail"
	EventTimeout         = "timeout"
)

// MatchedNotice is the payload of "matched" and "matching_success" events.
type MatchedNotice struct {
	PartnerID  string `json:"partner_id"`
	RoomID     string `json:"room_id"`
	QuestionID string `json:"question_id"`
}

// Notifier delivers an event to the session identified by a connection
// handle. Delivery is fire-and-forget from the coordinator's perspective:
// a failed notification never rolls back a committed state transition.
type Notifier interface {
	Notify(ctx context.Context, handle, event string, payload any) error
}

// ExpiryScheduler delivers a payload to a subject after the given
// duration. There is no cancellation; expiry consumers re-check record
// state and no-op when superseded. Delivery is at-least-once.
type ExpiryScheduler interface {
	ScheduleAfter(ctx context.Context, d time.Duration, subject string, payload []byte) error
}

// QuestionFinder resolves a random question for the given criteria. An
// empty id with a nil error means no question exists for the criteria.
type QuestionFinder interface {
	RandomQuestion(ctx context.Context, topic, difficulty string) (string, error)
}
