package matching

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peermatch/match-service/internal/model"
)

func seedWaiting(t *testing.T, s *fakeRecordStore, userID, topic, difficulty string) *model.MatchRecord {
	t.Helper()
	rec, err := s.Create(context.Background(), model.CreateMatchRecordParams{
		UserID:           userID,
		Topic:            topic,
		Difficulty:       difficulty,
		ConnectionHandle: "conn-" + userID,
		RoomID:           "room-" + userID,
	})
	require.NoError(t, err)
	return rec
}

func TestSelectorSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers exact difficulty over any difficulty", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "hard-user", "arrays", "hard")
		seedWaiting(t, s, "easy-user", "arrays", "easy")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "easy-user", got.UserID)
	})

	t.Run("falls back to any difficulty on the same topic", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "hard-user", "arrays", "hard")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "hard-user", got.UserID)
	})

	t.Run("never crosses topics", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "other", "graphs", "easy")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("prefers a stranger over a previous partner", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "old-partner", "arrays", "easy")
		seedWaiting(t, s, "stranger", "arrays", "easy")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me", "old-partner"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "stranger", got.UserID)
	})

	t.Run("accepts a previous partner when nobody else waits", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "old-partner", "arrays", "easy")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me", "old-partner"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "old-partner", got.UserID)
	})

	t.Run("a stranger at another difficulty beats a previous partner at the requested one", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "old-partner", "arrays", "easy")
		seedWaiting(t, s, "stranger", "arrays", "hard")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me", "old-partner"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "stranger", got.UserID)
	})

	t.Run("never selects the requester", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "me", "arrays", "easy")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("oldest record wins within a tier", func(t *testing.T) {
		s := newFakeRecordStore()
		seedWaiting(t, s, "first", "arrays", "easy")
		seedWaiting(t, s, "second", "arrays", "easy")

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.UserID)
	})

	t.Run("skips matched records", func(t *testing.T) {
		s := newFakeRecordStore()
		rec := seedWaiting(t, s, "taken", "arrays", "easy")
		_, err := s.UpdateConditional(ctx, rec.ID,
			model.RecordGuard{Matched: model.Ptr(false)},
			model.RecordUpdate{Matched: model.Ptr(true), IsPending: model.Ptr(true)})
		require.NoError(t, err)

		got, err := NewSelector(s).Select(ctx, "arrays", "easy", "me", []string{"me"})
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}
