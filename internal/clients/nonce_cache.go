package clients

import (
	"sync"
	"time"
)

// nonceCache is a short-lived set of assertion jti values, preventing JWT
// replay within the assertion's validity window (RFC 7523 §3).
type nonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time)}
}

// Remember records the key until expiry. It returns false if the key is
// already present and still live.
func (c *nonceCache) Remember(key string, expiry time.Time) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic pruning keeps the map bounded without a sweeper goroutine.
	for k, exp := range c.seen {
		if exp.Before(now) {
			delete(c.seen, k)
		}
	}

	if exp, ok := c.seen[key]; ok && exp.After(now) {
		return false
	}
	c.seen[key] = expiry
	return true
}
