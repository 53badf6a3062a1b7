package auth

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// DefaultCacheSize bounds how many credential managers stay live at once.
const DefaultCacheSize = 100

// Cache is an LRU of Managers keyed by credential identity, so that
// repeated requests with the same refresh token share one Manager and
// its refresh serialization.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[string]*list.Element
}

type cacheEntry struct {
	key     string
	manager *Manager
}

// NewCache returns a cache holding at most capacity managers; capacity
// <= 0 falls back to the default.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// CacheKey derives a stable cache key from a refresh token without
// holding the token itself in the key.
func CacheKey(refreshToken string) string {
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns the manager for key, building one with factory on
// a miss. The least recently used manager is evicted when the cache is
// full.
func (c *Cache) GetOrCreate(key string, factory func() (*Manager, error)) (*Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*cacheEntry).manager, nil
	}

	manager, err := factory()
	if err != nil {
		return nil, err
	}

	elem := c.order.PushFront(&cacheEntry{key: key, manager: manager})
	c.entries[key] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
	return manager, nil
}

// Remove drops the manager for key, if cached.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
		delete(c.entries, key)
	}
}

// Len reports how many managers are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every cached manager.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}
