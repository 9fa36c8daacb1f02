package relay

import (
	"sync"
	"time"
)

// cacheEntry pairs an association with its last-touched time.
type cacheEntry struct {
	assoc    *Association
	lastSeen time.Time
}

// Cache is the time-expiring index from FlowKey to Association. All index
// mutation happens under a single mutex held only for map operations,
// never across socket I/O. Entries leave the cache only through Sweep
// (idle eviction) or Close; eviction closes the association, which is
// what terminates its relay goroutines.
type Cache struct {
	mu      sync.Mutex
	entries map[FlowKey]*cacheEntry
	ttl     time.Duration

	// now is replaceable for tests.
	now func() time.Time

	// onEvict, when set, runs after an entry is removed and closed.
	onEvict func(FlowKey)
}

// NewCache creates a cache with the given idle expiry duration.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[FlowKey]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the association for key, refreshing its recency, or nil.
func (c *Cache) Get(key FlowKey) *Association {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	e.lastSeen = c.now()
	return e.assoc
}

// GetOrCreate returns the association for key, invoking factory on a
// miss. The factory runs outside the lock so one flow's socket setup
// cannot stall lookups for other flows. The ingress loop is the only
// creator, so a miss cannot race another insert for the same key; the
// re-check after the factory call guards the invariant anyway.
func (c *Cache) GetOrCreate(key FlowKey, factory func() (*Association, error)) (*Association, bool, error) {
	if a := c.Get(key); a != nil {
		return a, false, nil
	}

	a, err := factory()
	if err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		// Lost a race; keep the canonical entry.
		c.mu.Unlock()
		a.Close()
		return e.assoc, false, nil
	}
	c.entries[key] = &cacheEntry{assoc: a, lastSeen: c.now()}
	c.mu.Unlock()

	return a, true, nil
}

// Touch refreshes the recency of key's entry. It reports whether the
// entry was present.
func (c *Cache) Touch(key FlowKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.lastSeen = c.now()
	return true
}

// Sweep evicts entries idle longer than the expiry duration and closes
// their associations. It returns the number of evicted entries.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-c.ttl)

	c.mu.Lock()
	var expired []FlowKey
	var closed []*Association
	for key, e := range c.entries {
		if e.lastSeen.Before(cutoff) {
			expired = append(expired, key)
			closed = append(closed, e.assoc)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for i, a := range closed {
		a.Close()
		if c.onEvict != nil {
			c.onEvict(expired[i])
		}
	}

	return len(expired)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Close evicts every entry regardless of recency.
func (c *Cache) Close() {
	c.mu.Lock()
	var keys []FlowKey
	var closed []*Association
	for key, e := range c.entries {
		keys = append(keys, key)
		closed = append(closed, e.assoc)
	}
	c.entries = make(map[FlowKey]*cacheEntry)
	c.mu.Unlock()

	for i, a := range closed {
		a.Close()
		if c.onEvict != nil {
			c.onEvict(keys[i])
		}
	}
}
