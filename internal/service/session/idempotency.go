package session

import (
	"sync"
	"time"
)

// idempotencyCache remembers mutation results by client-supplied key so
// a retried request returns the recorded outcome instead of applying
// twice. Entries expire after the retention window; expired entries are
// swept lazily on access.
type idempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]idemEntry
}

type idemEntry struct {
	result Result
	at     time.Time
}

func newIdempotencyCache(ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{
		ttl:     ttl,
		entries: make(map[string]idemEntry),
	}
}

func (c *idempotencyCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	entry, ok := c.entries[key]
	if !ok {
		return Result{}, false
	}
	return entry.result, true
}

func (c *idempotencyCache) put(key string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	c.entries[key] = idemEntry{result: result, at: time.Now()}
}

func (c *idempotencyCache) sweepLocked() {
	cutoff := time.Now().Add(-c.ttl)
	for key, entry := range c.entries {
		if entry.at.Before(cutoff) {
			delete(c.entries, key)
		}
	}
}

// withIdempotency runs fn unless the key was seen within the retention
// window, in which case the recorded result is returned. Failed
// mutations are not recorded so genuine retries can still succeed.
func (s *Service) withIdempotency(sessionID, key string, fn func() (Result, error)) (Result, error) {
	if key == "" {
		return fn()
	}
	scoped := sessionID + "/" + key
	if cached, ok := s.idem.get(scoped); ok {
		return cached, nil
	}
	result, err := fn()
	if err != nil {
		return Result{}, err
	}
	s.idem.put(scoped, result)
	return result, nil
}
