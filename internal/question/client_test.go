package question

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomQuestion(t *testing.T) {
	t.Run("returns the question id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/questions/random", r.URL.Path)
			assert.Equal(t, "arrays", r.URL.Query().Get("topic"))
			assert.Equal(t, "easy", r.URL.Query().Get("difficulty"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"questionId":"q-42"}`))
		}))
		defer srv.Close()

		id, err := NewClient(srv.URL).RandomQuestion(context.Background(), "arrays", "easy")
		require.NoError(t, err)
		assert.Equal(t, "q-42", id)
	})

	t.Run("not found means no question, not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		id, err := NewClient(srv.URL).RandomQuestion(context.Background(), "arrays", "easy")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("server error surfaces", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := NewClient(srv.URL).RandomQuestion(context.Background(), "arrays", "easy")
		assert.Error(t, err)
	})

	t.Run("query values are escaped", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "dynamic programming", r.URL.Query().Get("topic"))
			_, _ = w.Write([]byte(`{"questionId":"q-1"}`))
		}))
		defer srv.Close()

		id, err := NewClient(srv.URL).RandomQuestion(context.Background(), "dynamic programming", "easy")
		require.NoError(t, err)
		assert.Equal(t, "q-1", id)
	})
}
