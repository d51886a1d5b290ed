package matching

import "sync"

// keyedMutex provides per-key mutual exclusion. The coordinator locks
// "user:<id>" to linearize one user's events and "room:<id>" (always
// acquired after the user key) to linearize the two sides of a handshake.
// Entries are reference-counted and removed once unlocked by all holders,
// so the map stays proportional to in-flight operations.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// lock blocks until the key is held and returns the matching unlock.
func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func userKey(userID string) string { return "user:" + userID }
func roomKey(roomID string) string { return "room:" + roomID }
