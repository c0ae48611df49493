package tokens

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// tombstoneSet remembers recently rotated refresh-token hashes for the
// replay window. A lookup hit means a token that was legitimately rotated
// away is being presented again — the stolen-token replay signature.
type tombstoneSet struct {
	mu      sync.Mutex
	entries map[string]tombstone
}

type tombstone struct {
	userID    uuid.NullUUID
	expiresAt time.Time
}

func newTombstoneSet() *tombstoneSet {
	return &tombstoneSet{entries: make(map[string]tombstone)}
}

func (t *tombstoneSet) Add(hash string, userID uuid.NullUUID, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[hash] = tombstone{userID: userID, expiresAt: expiresAt}
}

func (t *tombstoneSet) Lookup(hash string, now time.Time) (uuid.NullUUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, entry := range t.entries {
		if entry.expiresAt.Before(now) {
			delete(t.entries, k)
		}
	}

	entry, ok := t.entries[hash]
	if !ok || entry.expiresAt.Before(now) {
		return uuid.NullUUID{}, false
	}
	return entry.userID, true
}
