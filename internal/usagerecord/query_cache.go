package usagerecord

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	expiresAt time.Time
	value     any
}

// queryCache memoises analytics results until the TTL expires or the store mutates.
// A nil cache is valid and disabled.
type queryCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	// gen advances on every clear. Results computed under an older generation
	// are returned to their callers but never cached.
	gen uint64

	sf singleflight.Group
}

func newQueryCache(ttl time.Duration) *queryCache {
	if ttl <= 0 {
		return nil
	}
	return &queryCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *queryCache) clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.gen++
	c.mu.Unlock()
}

func (c *queryCache) get(key string, fn func() (any, error)) (any, error) {
	if c == nil || c.ttl <= 0 {
		return fn()
	}

	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expiresAt) {
		value := entry.value
		c.mu.Unlock()
		return value, nil
	}
	gen := c.gen
	c.mu.Unlock()

	// Flights are keyed by generation so callers arriving after a clear never
	// join a computation that started before it.
	value, err, _ := c.sf.Do(strconv.FormatUint(gen, 10)+"/"+key, func() (any, error) {
		v, err := fn()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gen == gen {
			c.entries[key] = cacheEntry{
				expiresAt: time.Now().Add(c.ttl),
				value:     v,
			}
		}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// cached runs compute through the store's cache. Results handed out are cloned so
// callers never share the cached value.
func cached[T any](s *Store, kind string, req any, compute func() (T, error), clone func(T) T) (T, error) {
	if s.cache == nil {
		return compute()
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return compute()
	}
	v, err := s.cache.get(kind+":"+string(raw), func() (any, error) {
		return compute()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return clone(v.(T)), nil
}
