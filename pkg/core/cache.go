package core

type cacheState int

const (
	dirty cacheState = iota
	clean
)

// Cached holds a value derived from some parameter. It is either Dirty or
// Clean(key, value); Get only hits when the cache is clean and the requested
// key matches the key the value was derived from. The zero value is dirty.
type Cached[K comparable, V any] struct {
	state cacheState
	key   K
	value V
}

// Get returns the cached value when it was derived from key.
func (c *Cached[K, V]) Get(key K) (V, bool) {
	if c.state == clean && c.key == key {
		return c.value, true
	}
	var zero V
	return zero, false
}

// Set stores value as derived from key and marks the cache clean.
func (c *Cached[K, V]) Set(key K, value V) {
	c.state = clean
	c.key = key
	c.value = value
}

// Invalidate marks the cache dirty and drops the held value.
func (c *Cached[K, V]) Invalidate() {
	var zero V
	c.state = dirty
	c.value = zero
}

// Clean reports whether a value is held.
func (c *Cached[K, V]) Clean() bool {
	return c.state == clean
}
