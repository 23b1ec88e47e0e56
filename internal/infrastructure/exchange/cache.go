package exchange

import (
	"sync"
	"time"
)

// Read-endpoint cache TTLs. Mutating calls invalidate the affected keys.
const (
	klinesTTL    = 60 * time.Second
	balanceTTL   = 30 * time.Second
	positionsTTL = 15 * time.Second
	ordersTTL    = 15 * time.Second
	fundingTTL   = 5 * time.Minute
)

type cacheEntry struct {
	body    []byte
	expires time.Time
}

type ttlCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newTTLCache() *ttlCache {
	return &ttlCache{entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.body, true
}

func (c *ttlCache) set(key string, body []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{body: body, expires: time.Now().Add(ttl)}
}

func (c *ttlCache) invalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
}
