// Package model defines the persistent record types shared between the
// store adapter and the matching coordinator.
package model

import "time"

// MatchRecord is one participant's active matchmaking attempt. Two records
// that reference each other via MatchedUserID share the same RoomID and
// QuestionID. Archival is terminal: no field changes after IsArchived flips.
type MatchRecord struct {
	ID               int64      `db:"id" json:"id"`
	UserID           string     `db:"user_id" json:"userId"`
	Topic            string     `db:"topic" json:"topic"`
	Difficulty       string     `db:"difficulty" json:"difficulty"`
	ConnectionHandle string     `db:"connection_handle" json:"connectionHandle"`
	RoomID           string     `db:"room_id" json:"roomId"`
	Matched          bool       `db:"matched" json:"matched"`
	MatchedUserID    *string    `db:"matched_user_id" json:"matchedUserId,omitempty"`
	IsPending        bool       `db:"is_pending" json:"isPending"`
	IsConfirmed      bool       `db:"is_confirmed" json:"isConfirmed"`
	IsArchived       bool       `db:"is_archived" json:"isArchived"`
	QuestionID       *string    `db:"question_id" json:"questionId,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updatedAt"`
}

// Counterpart returns the matched user's id, or "" when unmatched.
func (r *MatchRecord) Counterpart() string {
	if r.MatchedUserID == nil {
		return ""
	}
	return *r.MatchedUserID
}

// Question returns the assigned question id, or "" when none is set.
func (r *MatchRecord) Question() string {
	if r.QuestionID == nil {
		return ""
	}
	return *r.QuestionID
}

// CreateMatchRecordParams holds the fields for inserting a new match record.
// ID, timestamps and the archived flag are assigned by the store.
type CreateMatchRecordParams struct {
	UserID           string
	Topic            string
	Difficulty       string
	ConnectionHandle string
	RoomID           string
	Matched          bool
	MatchedUserID    *string
	IsPending        bool
	QuestionID       *string
}

// RecordFilter selects match records by any combination of fields. Nil
// fields are not constrained. It backs Find, FindMany and ArchiveAll.
type RecordFilter struct {
	ID               *int64
	UserID           *string
	MatchedUserID    *string
	ConnectionHandle *string
	Matched          *bool
	IsPending        *bool
	IsArchived       *bool
}

// RecordGuard is the expected-state half of a conditional update. Every
// non-nil field becomes a WHERE clause; if the record no longer satisfies
// the guard the update affects zero rows and the store reports ErrStale.
type RecordGuard struct {
	Matched     *bool
	IsPending   *bool
	IsConfirmed *bool
	IsArchived  *bool
}

// RecordUpdate is the new-fields half of a conditional update. Nil fields
// are left untouched.
type RecordUpdate struct {
	ConnectionHandle *string
	Matched          *bool
	MatchedUserID    *string
	IsPending        *bool
	IsConfirmed      *bool
	IsArchived       *bool
	QuestionID       *string
}

// SessionHistory is the append-only record of a completed pairing. It is
// created only when both sides confirm; the matching core never mutates it
// except for the downstream collaboration system flipping IsOngoing.
type SessionHistory struct {
	ID         int64     `db:"id" json:"id"`
	UserOneID  string    `db:"user_one_id" json:"userOneId"`
	UserTwoID  string    `db:"user_two_id" json:"userTwoId"`
	RoomID     string    `db:"room_id" json:"roomId"`
	QuestionID string    `db:"question_id" json:"questionId"`
	IsOngoing  bool      `db:"is_ongoing" json:"isOngoing"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// CreateSessionHistoryParams holds the fields for appending a history row.
type CreateSessionHistoryParams struct {
	UserOneID  string
	UserTwoID  string
	RoomID     string
	QuestionID string
}

// Ptr returns a pointer to v. It keeps filter and guard literals readable.
func Ptr[T any](v T) *T { return &v }
