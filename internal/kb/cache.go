package kb

import (
	"sync"
	"time"

	"github.com/firefly-engineering/warden/internal/clock"
)

type cacheEntry struct {
	results []Result
	expires time.Time
}

// ttlCache holds search results for a fixed time. When full, the entry
// closest to expiry is evicted.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	size    int
	clock   clock.Clock
	entries map[string]cacheEntry
}

func newTTLCache(ttl time.Duration, size int, c clock.Clock) *ttlCache {
	return &ttlCache{ttl: ttl, size: size, clock: c, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) get(key string) ([]Result, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.results, true
}

func (c *ttlCache) put(key string, results []Result) {
	if c.ttl <= 0 || c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.size {
		var victim string
		var soonest time.Time
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				victim = k
				break
			}
			if victim == "" || e.expires.Before(soonest) {
				victim, soonest = k, e.expires
			}
		}
		delete(c.entries, victim)
	}
	c.entries[key] = cacheEntry{results: results, expires: now.Add(c.ttl)}
}

func (c *ttlCache) flush() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *ttlCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
