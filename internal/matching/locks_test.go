package matching

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex(t *testing.T) {
	t.Run("same key serializes", func(t *testing.T) {
		k := newKeyedMutex()

		var (
			wg      sync.WaitGroup
			counter int
		)
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock := k.lock("user:alice")
				defer unlock()
				counter++
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, counter)
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		k := newKeyedMutex()

		unlockA := k.lock("user:alice")
		unlockB := k.lock("user:bob")
		unlockB()
		unlockA()
	})

	t.Run("entries are released once idle", func(t *testing.T) {
		k := newKeyedMutex()

		unlock := k.lock("user:alice")
		unlock()

		k.mu.Lock()
		defer k.mu.Unlock()
		assert.Empty(t, k.entries)
	})

	t.Run("relock after unlock works", func(t *testing.T) {
		k := newKeyedMutex()

		unlock := k.lock("room:r1")
		unlock()
		unlock = k.lock("room:r1")
		unlock()
	})
}
