package secrets

import (
	"context"
	"sync"
	"time"
)

// Cached is a read-through wrapper that remembers values for a bounded TTL.
// Secrets are read-mostly and rotation is rare; a short TTL keeps rotation
// working while sparing the store a round trip per request. A TTL of zero
// disables caching entirely.
type Cached struct {
	Next Store
	TTL  time.Duration
	Now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// Get returns the cached value when fresh, otherwise delegates to the
// underlying store. Lookup failures are never cached.
func (c *Cached) Get(ctx context.Context, name string, decrypt bool) (string, error) {
	if c.TTL <= 0 {
		return c.Next.Get(ctx, name, decrypt)
	}
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[name]
	c.mu.RUnlock()
	if ok && now.Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, err := c.Next.Get(ctx, name, decrypt)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]cacheEntry)
	}
	c.entries[name] = cacheEntry{value: value, expiresAt: now.Add(c.TTL)}
	c.mu.Unlock()

	return value, nil
}

func (c *Cached) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
