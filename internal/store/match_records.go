package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/peermatch/match-service/internal/model"
)

// ErrStale is returned by UpdateConditional when the record no longer
// satisfies the expected-state guard: some concurrent operation (pairing,
// confirmation, archival) changed it since it was read. Callers abort or
// restart their attempt; they never overwrite.
var ErrStale = errors.New("store: record changed since read")

// MatchRecordRepository is the CRUD surface over match_records. It carries
// no business logic; all state-machine decisions live in the coordinator.
type MatchRecordRepository interface {
	Find(ctx context.Context, f model.RecordFilter) (*model.MatchRecord, error)
	FindMany(ctx context.Context, f model.RecordFilter) ([]model.MatchRecord, error)
	Create(ctx context.Context, params model.CreateMatchRecordParams) (*model.MatchRecord, error)
	UpdateConditional(ctx context.Context, id int64, expect model.RecordGuard, set model.RecordUpdate) (*model.MatchRecord, error)
	DeleteConditional(ctx context.Context, id int64, expect model.RecordGuard) error
	ArchiveAll(ctx context.Context, f model.RecordFilter) (int64, error)
	OldestWaiting(ctx context.Context, topic, difficulty string, excludedUserIDs []string) (*model.MatchRecord, error)
}

type matchRecordRepo struct {
	db *sqlx.DB
}

// NewMatchRecordRepository returns a Postgres-backed match record repository.
func NewMatchRecordRepository(db *DB) MatchRecordRepository {
	return &matchRecordRepo{db: db.DB}
}

// filterClauses renders a RecordFilter into WHERE fragments and args,
// numbering placeholders from next.
func filterClauses(f model.RecordFilter, next int) ([]string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(column string, value interface{}) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}

	if f.ID != nil {
		add("id", *f.ID)
	}
	if f.UserID != nil {
		add("user_id", *f.UserID)
	}
	if f.MatchedUserID != nil {
		add("matched_user_id", *f.MatchedUserID)
	}
	if f.ConnectionHandle != nil {
		add("connection_handle", *f.ConnectionHandle)
	}
	if f.Matched != nil {
		add("matched", *f.Matched)
	}
	if f.IsPending != nil {
		add("is_pending", *f.IsPending)
	}
	if f.IsArchived != nil {
		add("is_archived", *f.IsArchived)
	}

	if len(clauses) == 0 {
		clauses = append(clauses, "TRUE")
	}
	return clauses, args
}

func (r *matchRecordRepo) Find(ctx context.Context, f model.RecordFilter) (*model.MatchRecord, error) {
	clauses, args := filterClauses(f, 1)
	query := fmt.Sprintf(
		"SELECT * FROM match_records WHERE %s ORDER BY id ASC LIMIT 1",
		strings.Join(clauses, " AND "))

	var rec model.MatchRecord
	err := r.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find match record: %w", err)
	}
	return &rec, nil
}

func (r *matchRecordRepo) FindMany(ctx context.Context, f model.RecordFilter) ([]model.MatchRecord, error) {
	clauses, args := filterClauses(f, 1)
	query := fmt.Sprintf(
		"SELECT * FROM match_records WHERE %s ORDER BY id ASC",
		strings.Join(clauses, " AND "))

	var recs []model.MatchRecord
	if err := r.db.SelectContext(ctx, &recs, query, args...); err != nil {
		return nil, fmt.Errorf("store: find match records: %w", err)
	}
	return recs, nil
}

func (r *matchRecordRepo) Create(ctx context.Context, params model.CreateMatchRecordParams) (*model.MatchRecord, error) {
	var rec model.MatchRecord
	err := r.db.GetContext(ctx, &rec, `
		INSERT INTO match_records
			(user_id, topic, difficulty, connection_handle, room_id,
			 matched, matched_user_id, is_pending, question_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING *
	`, params.UserID, params.Topic, params.Difficulty, params.ConnectionHandle,
		params.RoomID, params.Matched, params.MatchedUserID, params.IsPending,
		params.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("store: create match record: %w", err)
	}
	return &rec, nil
}

// UpdateConditional applies set to the record iff it still satisfies
// expect. The guard columns go into the WHERE clause so the check and the
// write are a single statement; zero affected rows means the record moved
// on and the caller gets ErrStale.
func (r *matchRecordRepo) UpdateConditional(ctx context.Context, id int64, expect model.RecordGuard, set model.RecordUpdate) (*model.MatchRecord, error) {
	var sets []string
	var args []interface{}
	next := 1

	addSet := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}

	if set.ConnectionHandle != nil {
		addSet("connection_handle", *set.ConnectionHandle)
	}
	if set.Matched != nil {
		addSet("matched", *set.Matched)
	}
	if set.MatchedUserID != nil {
		addSet("matched_user_id", *set.MatchedUserID)
	}
	if set.IsPending != nil {
		addSet("is_pending", *set.IsPending)
	}
	if set.IsConfirmed != nil {
		addSet("is_confirmed", *set.IsConfirmed)
	}
	if set.IsArchived != nil {
		addSet("is_archived", *set.IsArchived)
	}
	if set.QuestionID != nil {
		addSet("question_id", *set.QuestionID)
	}
	if len(sets) == 0 {
		return nil, fmt.Errorf("store: conditional update with no fields")
	}
	sets = append(sets, "updated_at = NOW()")

	wheres := []string{fmt.Sprintf("id = $%d", next)}
	args = append(args, id)
	next++

	addWhere := func(column string, value interface{}) {
		wheres = append(wheres, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}

	if expect.Matched != nil {
		addWhere("matched", *expect.Matched)
	}
	if expect.IsPending != nil {
		addWhere("is_pending", *expect.IsPending)
	}
	if expect.IsConfirmed != nil {
		addWhere("is_confirmed", *expect.IsConfirmed)
	}
	if expect.IsArchived != nil {
		addWhere("is_archived", *expect.IsArchived)
	}

	query := fmt.Sprintf("UPDATE match_records SET %s WHERE %s RETURNING *",
		strings.Join(sets, ", "), strings.Join(wheres, " AND "))

	var rec model.MatchRecord
	err := r.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStale
	}
	if err != nil {
		return nil, fmt.Errorf("store: conditional update record %d: %w", id, err)
	}
	return &rec, nil
}

// DeleteConditional removes the record iff it still satisfies expect,
// with the same single-statement discipline as UpdateConditional. Zero
// affected rows means the record moved on and the caller gets ErrStale.
func (r *matchRecordRepo) DeleteConditional(ctx context.Context, id int64, expect model.RecordGuard) error {
	wheres := []string{"id = $1"}
	args := []interface{}{id}
	next := 2

	addWhere := func(column string, value interface{}) {
		wheres = append(wheres, fmt.Sprintf("%s = $%d", column, next))
		args = append(args, value)
		next++
	}

	if expect.Matched != nil {
		addWhere("matched", *expect.Matched)
	}
	if expect.IsPending != nil {
		addWhere("is_pending", *expect.IsPending)
	}
	if expect.IsConfirmed != nil {
		addWhere("is_confirmed", *expect.IsConfirmed)
	}
	if expect.IsArchived != nil {
		addWhere("is_archived", *expect.IsArchived)
	}

	query := fmt.Sprintf("DELETE FROM match_records WHERE %s", strings.Join(wheres, " AND "))
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: delete match record %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete match record %d: %w", id, err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (r *matchRecordRepo) ArchiveAll(ctx context.Context, f model.RecordFilter) (int64, error) {
	clauses, args := filterClauses(f, 1)
	query := fmt.Sprintf(
		"UPDATE match_records SET is_archived = TRUE, updated_at = NOW() WHERE NOT is_archived AND %s",
		strings.Join(clauses, " AND "))

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: archive match records: %w", err)
	}
	return result.RowsAffected()
}

// OldestWaiting returns the earliest-created unmatched, non-archived record
// matching topic (and difficulty unless empty), skipping excluded users.
// Lowest id first keeps selection deterministic.
func (r *matchRecordRepo) OldestWaiting(ctx context.Context, topic, difficulty string, excludedUserIDs []string) (*model.MatchRecord, error) {
	query := `
		SELECT * FROM match_records
		WHERE NOT is_archived AND NOT matched
		  AND topic = $1
		  AND user_id != ALL($2)
	`
	args := []interface{}{topic, pq.Array(excludedUserIDs)}
	if difficulty != "" {
		query += " AND difficulty = $3"
		args = append(args, difficulty)
	}
	query += " ORDER BY id ASC LIMIT 1"

	var rec model.MatchRecord
	err := r.db.GetContext(ctx, &rec, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find waiting record: %w", err)
	}
	return &rec, nil
}
