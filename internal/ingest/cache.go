package ingest

import (
	"context"
	"sync"
	"time"
)

type cacheKey struct {
	airport string
	source  string
}

type cacheEntry struct {
	result    Result
	fetchedAt time.Time
}

// Cache wraps a Registry with a short TTL so repeated investigations of the
// same airport within one case reuse fetched evidence. Keys are
// (airport, source); failed fetches are cached too, so a flapping source is
// not hammered during a burst of cases.
type Cache struct {
	registry *Registry
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[cacheKey]cacheEntry
}

// NewCache builds a cache over reg. A non-positive ttl disables caching.
func NewCache(reg *Registry, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Cache{
		registry: reg,
		ttl:      ttl,
		now:      now,
		entries:  make(map[cacheKey]cacheEntry),
	}
}

// Sources returns the underlying registry's source names.
func (c *Cache) Sources() []string { return c.registry.Sources() }

// FetchAll returns cached results where fresh and fetches the rest.
// Result order matches the registry's registration order.
func (c *Cache) FetchAll(ctx context.Context, airportICAO string) []Result {
	sources := c.registry.Sources()
	results := make([]Result, len(sources))
	var missing []string

	c.mu.Lock()
	cutoff := c.now().Add(-c.ttl)
	for i, src := range sources {
		entry, ok := c.entries[cacheKey{airport: airportICAO, source: src}]
		if c.ttl > 0 && ok && entry.fetchedAt.After(cutoff) {
			results[i] = entry.result
		} else {
			missing = append(missing, src)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return results
	}

	sub := NewRegistry(c.registry.timeout, c.registry.logger)
	for _, src := range missing {
		sub.Register(c.registry.Get(src))
	}
	fetched := sub.FetchAll(ctx, airportICAO)

	c.mu.Lock()
	at := c.now()
	byName := make(map[string]Result, len(fetched))
	for _, res := range fetched {
		byName[res.Source] = res
		c.entries[cacheKey{airport: airportICAO, source: res.Source}] = cacheEntry{result: res, fetchedAt: at}
	}
	c.mu.Unlock()

	for i, src := range sources {
		if res, ok := byName[src]; ok {
			results[i] = res
		}
	}
	return results
}

// Invalidate drops all cached entries for one airport.
func (c *Cache) Invalidate(airportICAO string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.airport == airportICAO {
			delete(c.entries, k)
		}
	}
}
