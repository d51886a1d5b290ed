package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peermatch/match-service/internal/model"
)

// testDB connects to the database named by TEST_DATABASE_URL, applies
// migrations, and truncates the tables so each test starts clean. Tests
// skip when the variable is unset.
func testDB(t *testing.T) *DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set; skipping store integration tests")
	}

	db, err := Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate())
	_, err = db.Exec("TRUNCATE match_records, session_history RESTART IDENTITY")
	require.NoError(t, err)

	return db
}

func createWaiting(t *testing.T, repo MatchRecordRepository, userID, topic, difficulty string) *model.MatchRecord {
	t.Helper()
	rec, err := repo.Create(context.Background(), model.CreateMatchRecordParams{
		UserID:           userID,
		Topic:            topic,
		Difficulty:       difficulty,
		ConnectionHandle: "conn-" + userID,
		RoomID:           uuid.New().String(),
	})
	require.NoError(t, err)
	return rec
}

func TestMatchRecordRepository(t *testing.T) {
	db := testDB(t)
	repo := NewMatchRecordRepository(db)
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		rec := createWaiting(t, repo, "alice", "arrays", "easy")
		assert.NotZero(t, rec.ID)
		assert.False(t, rec.Matched)
		assert.False(t, rec.IsArchived)

		got, err := repo.Find(ctx, model.RecordFilter{UserID: model.Ptr("alice")})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.ID, got.ID)

		missing, err := repo.Find(ctx, model.RecordFilter{UserID: model.Ptr("nobody")})
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("conditional update honors the guard", func(t *testing.T) {
		rec := createWaiting(t, repo, "bob", "arrays", "easy")

		updated, err := repo.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)},
			model.RecordUpdate{
				Matched:       model.Ptr(true),
				MatchedUserID: model.Ptr("carol"),
				IsPending:     model.Ptr(true),
			})
		require.NoError(t, err)
		assert.True(t, updated.Matched)
		assert.Equal(t, "carol", updated.Counterpart())
		assert.True(t, updated.IsPending)

		// Same guard again: the record moved on, so the write must not apply.
		_, err = repo.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{Matched: model.Ptr(false)},
			model.RecordUpdate{MatchedUserID: model.Ptr("mallory")})
		assert.ErrorIs(t, err, ErrStale)

		got, err := repo.Find(ctx, model.RecordFilter{ID: &rec.ID})
		require.NoError(t, err)
		assert.Equal(t, "carol", got.Counterpart())
	})

	t.Run("concurrent claims yield one winner", func(t *testing.T) {
		rec := createWaiting(t, repo, "dave", "graphs", "hard")

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			wins   int
			stales int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				claimer := uuid.New().String()
				_, err := repo.UpdateConditional(ctx, rec.ID,
					model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)},
					model.RecordUpdate{
						Matched:       model.Ptr(true),
						MatchedUserID: &claimer,
						IsPending:     model.Ptr(true),
					})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, ErrStale) {
					stales++
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, 7, stales)
	})

	t.Run("oldest waiting respects topic, difficulty and exclusions", func(t *testing.T) {
		_, err := db.Exec("TRUNCATE match_records RESTART IDENTITY")
		require.NoError(t, err)

		first := createWaiting(t, repo, "w1", "strings", "easy")
		createWaiting(t, repo, "w2", "strings", "easy")
		createWaiting(t, repo, "w3", "strings", "hard")

		got, err := repo.OldestWaiting(ctx, "strings", "easy", []string{"me"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)

		got, err = repo.OldestWaiting(ctx, "strings", "easy", []string{"me", "w1"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "w2", got.UserID)

		got, err = repo.OldestWaiting(ctx, "strings", "", []string{"me", "w1", "w2"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "w3", got.UserID)

		got, err = repo.OldestWaiting(ctx, "trees", "", []string{"me"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("archive all by connection handle", func(t *testing.T) {
		_, err := db.Exec("TRUNCATE match_records RESTART IDENTITY")
		require.NoError(t, err)

		createWaiting(t, repo, "erin", "arrays", "easy")
		handle := "conn-erin"

		n, err := repo.ArchiveAll(ctx, model.RecordFilter{ConnectionHandle: &handle})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := repo.Find(ctx, model.RecordFilter{
			ConnectionHandle: &handle,
			IsArchived:       model.Ptr(false),
		})
		require.NoError(t, err)
		assert.Nil(t, got)

		// Second pass finds nothing left to archive.
		n, err = repo.ArchiveAll(ctx, model.RecordFilter{ConnectionHandle: &handle})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("conditional delete removes an unclaimed record", func(t *testing.T) {
		rec := createWaiting(t, repo, "frank", "arrays", "easy")
		require.NoError(t, repo.DeleteConditional(ctx, rec.ID,
			model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)}))

		got, err := repo.Find(ctx, model.RecordFilter{ID: &rec.ID})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("conditional delete loses to a claim", func(t *testing.T) {
		rec := createWaiting(t, repo, "grace", "arrays", "easy")
		_, err := repo.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{Matched: model.Ptr(false)},
			model.RecordUpdate{
				Matched:       model.Ptr(true),
				MatchedUserID: model.Ptr("heidi"),
				IsPending:     model.Ptr(true),
			})
		require.NoError(t, err)

		err = repo.DeleteConditional(ctx, rec.ID,
			model.RecordGuard{Matched: model.Ptr(false), IsArchived: model.Ptr(false)})
		require.ErrorIs(t, err, ErrStale)

		got, err := repo.Find(ctx, model.RecordFilter{ID: &rec.ID})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.True(t, got.Matched)
	})
}

func TestSessionHistoryRepository(t *testing.T) {
	db := testDB(t)
	repo := NewSessionHistoryRepository(db)
	ctx := context.Background()

	t.Run("create and list counterparts", func(t *testing.T) {
		_, err := repo.Create(ctx, model.CreateSessionHistoryParams{
			UserOneID: "alice", UserTwoID: "bob",
			RoomID: "room-1", QuestionID: "q1",
		})
		require.NoError(t, err)
		_, err = repo.Create(ctx, model.CreateSessionHistoryParams{
			UserOneID: "carol", UserTwoID: "alice",
			RoomID: "room-2", QuestionID: "q2",
		})
		require.NoError(t, err)

		ids, err := repo.CounterpartIDs(ctx, "alice")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"bob", "carol"}, ids)

		ids, err = repo.CounterpartIDs(ctx, "stranger")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("mark ended", func(t *testing.T) {
		h, err := repo.Create(ctx, model.CreateSessionHistoryParams{
			UserOneID: "dave", UserTwoID: "erin",
			RoomID: "room-3", QuestionID: "q3",
		})
		require.NoError(t, err)
		assert.True(t, h.IsOngoing)

		require.NoError(t, repo.MarkEnded(ctx, "room-3"))

		var ongoing bool
		require.NoError(t, db.Get(&ongoing,
			"SELECT is_ongoing FROM session_history WHERE id = $1", h.ID))
		assert.False(t, ongoing)
	})
}
