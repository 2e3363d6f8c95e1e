// Package modelcache holds rendered upstream model listings for the admin
// API. Discovery hits the provider's /models endpoint, which can be slow and
// rate limited, so the rendered response body is kept per configuration for a
// short TTL. At most one entry exists per configuration; editing a
// configuration bumps its revision and the stale body falls out on the next
// lookup.
package modelcache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	rev       int64
	body      []byte
	expiresAt time.Time
}

// Cache maps configuration IDs to a single cached /models response body.
// Safe for concurrent use.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[int64]entry

	done chan struct{}
}

// New builds a Cache whose entries live for ttl, and starts a sweep goroutine
// that runs until ctx is cancelled or Close is called. A non-positive ttl
// disables caching entirely: Get always misses and Put is a no-op.
func New(ctx context.Context, ttl time.Duration) *Cache {
	c := &Cache{
		ttl:     ttl,
		entries: make(map[int64]entry),
		done:    make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Get returns the cached body for the configuration if one exists at the
// given revision and has not expired. rev is the configuration's UpdatedAt
// in Unix seconds; a revision mismatch is a miss.
func (c *Cache) Get(configID, rev int64) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[configID]
	c.mu.RUnlock()

	if !ok || e.rev != rev {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		if cur, ok := c.entries[configID]; ok && cur.rev == e.rev {
			delete(c.entries, configID)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.body, true
}

// Put stores body as the listing for the configuration at the given revision,
// replacing any previous entry for that configuration.
func (c *Cache) Put(configID, rev int64, body []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[configID] = entry{
		rev:       rev,
		body:      body,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate drops the entry for one configuration, if present. Called when
// a configuration is deleted so the listing cannot outlive it.
func (c *Cache) Invalidate(configID int64) {
	c.mu.Lock()
	delete(c.entries, configID)
	c.mu.Unlock()
}

// Len reports the number of entries held, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweep goroutine.
func (c *Cache) Close() {
	close(c.done)
}

func (c *Cache) sweep(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
