package mapbox

import (
	"context"
	"sync"

	"github.com/couchcryptid/profile-geofix/internal/domain"
	"github.com/couchcryptid/profile-geofix/internal/observability"
)

// CachedResolver wraps a Resolver with an in-memory LRU cache keyed on the
// normalized profile location.
type CachedResolver struct {
	inner   domain.Resolver
	cache   *lruCache
	metrics *observability.Metrics
}

// NewCachedResolver creates a cache decorator around a resolver.
func NewCachedResolver(inner domain.Resolver, maxEntries int, metrics *observability.Metrics) *CachedResolver {
	return &CachedResolver{
		inner:   inner,
		cache:   newLRUCache(maxEntries),
		metrics: metrics,
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, p *domain.Profile) (domain.Coordinates, error) {
	key := domain.NormalizeLocation(p.Location)
	if key == "" {
		return c.inner.Resolve(ctx, p)
	}
	if coords, ok := c.cache.get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("memory", "hit").Inc()
		return coords, nil
	}
	c.metrics.GeocodeCache.WithLabelValues("memory", "miss").Inc()

	coords, err := c.inner.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	// Only cache located results so "not found" answers can be retried.
	if coords.Valid() {
		c.cache.put(key, coords)
	}
	return coords, nil
}

// Len reports the number of cached locations.
func (c *CachedResolver) Len() int {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	return len(c.cache.entries)
}

// lruCache is a simple thread-safe LRU cache of coordinates.
type lruCache struct {
	maxEntries int
	mu         sync.Mutex
	entries    map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
}

type entry struct {
	key   string
	value domain.Coordinates
	prev  *entry
	next  *entry
}

func newLRUCache(maxEntries int) *lruCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &lruCache{
		maxEntries: maxEntries,
		entries:    make(map[string]*entry),
	}
}

// get returns a copy so callers cannot mutate the cached slice.
func (c *lruCache) get(key string) (domain.Coordinates, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.moveToFront(e)
	return append(domain.Coordinates(nil), e.value...), true
}

func (c *lruCache) put(key string, value domain.Coordinates) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value = append(domain.Coordinates(nil), value...)
	if e, ok := c.entries[key]; ok {
		e.value = value
		c.moveToFront(e)
		return
	}

	e := &entry{key: key, value: value}
	c.entries[key] = e
	c.addToFront(e)

	if len(c.entries) > c.maxEntries {
		c.evictTail()
	}
}

func (c *lruCache) moveToFront(e *entry) {
	if e == c.head {
		return
	}
	c.remove(e)
	c.addToFront(e)
}

func (c *lruCache) addToFront(e *entry) {
	e.next = c.head
	e.prev = nil
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *lruCache) remove(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
}

func (c *lruCache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.remove(c.tail)
}
