package strategy

import "sync"

// Key identifies a cached strategy. Pair is empty for pair-independent data.
type Key struct {
	Name string
	Pair string
}

// Cache memoizes values per strategy key until they are invalidated. It is
// safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[Key]V
}

// NewCache creates an empty cache.
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{entries: make(map[Key]V)}
}

// Get returns the cached value of key, calling load on a miss. Failed loads
// are not cached.
func (c *Cache[V]) Get(key Key, load func(Key) (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.entries[key]; ok {
		return v, nil
	}

	v, err := load(key)
	if err != nil {
		return v, err
	}
	c.entries[key] = v
	return v, nil
}

// Peek returns the cached value without loading.
func (c *Cache[V]) Peek(key Key) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Invalidate drops every entry of the named strategy.
func (c *Cache[V]) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Name == name {
			delete(c.entries, key)
		}
	}
}

// Purge drops everything.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]V)
}

// Len is the number of cached entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
