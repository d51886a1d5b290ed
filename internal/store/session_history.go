package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/peermatch/match-service/internal/model"
)

// SessionHistoryRepository is the append-only store of completed pairings.
// MarkEnded exists for the downstream collaboration system; the matching
// core only ever creates rows and reads counterpart ids.
type SessionHistoryRepository interface {
	Create(ctx context.Context, params model.CreateSessionHistoryParams) (*model.SessionHistory, error)
	CounterpartIDs(ctx context.Context, userID string) ([]string, error)
	MarkEnded(ctx context.Context, roomID string) error
}

type sessionHistoryRepo struct {
	db *sqlx.DB
}

// NewSessionHistoryRepository returns a Postgres-backed history repository.
func NewSessionHistoryRepository(db *DB) SessionHistoryRepository {
	return &sessionHistoryRepo{db: db.DB}
}

func (r *sessionHistoryRepo) Create(ctx context.Context, params model.CreateSessionHistoryParams) (*model.SessionHistory, error) {
	var h model.SessionHistory
	err := r.db.GetContext(ctx, &h, `
		INSERT INTO session_history (user_one_id, user_two_id, room_id, question_id)
		VALUES ($1, $2, $3, $4)
		RETURNING *
	`, params.UserOneID, params.UserTwoID, params.RoomID, params.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("store: create session history: %w", err)
	}
	return &h, nil
}

// CounterpartIDs returns every user this user has previously been paired
// with, whether they appear as user one or user two.
func (r *sessionHistoryRepo) CounterpartIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT user_two_id FROM session_history WHERE user_one_id = $1
		UNION
		SELECT user_one_id FROM session_history WHERE user_two_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list counterparts for %s: %w", userID, err)
	}
	return ids, nil
}

func (r *sessionHistoryRepo) MarkEnded(ctx context.Context, roomID string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE session_history SET is_ongoing = FALSE WHERE room_id = $1", roomID); err != nil {
		return fmt.Errorf("store: mark session ended for room %s: %w", roomID, err)
	}
	return nil
}
