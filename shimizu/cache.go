package shimizu

import "sync"

// boundedCache is a fixed-capacity map that evicts its oldest entry
// (by insertion) when full. Overwriting an existing key keeps its
// original position.
type boundedCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    []K
	items    map[K]V
}

func newBoundedCache[K comparable, V any](capacity int) *boundedCache[K, V] {
	if capacity < 1 {
		capacity = 1
	}
	return &boundedCache[K, V]{
		capacity: capacity,
		order:    make([]K, 0, capacity),
		items:    make(map[K]V, capacity),
	}
}

func (c *boundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *boundedCache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists {
		c.items[key] = value
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.order = append(c.order, key)
	c.items[key] = value
}

func (c *boundedCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *boundedCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = c.order[:0]
	clear(c.items)
}

func (c *boundedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
