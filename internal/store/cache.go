package store

import (
	"container/list"
	"context"
	"io"
	"sync"

	"github.com/aweris/cafsd/internal/model"
)

// Cache provides in-memory caching for objects.
type Cache interface {
	Get(key string) ([]byte, bool)
	Add(key string, value []byte)
	Has(key string) bool
	Remove(key string)
	Clear()
}

// LRUCache is a fixed capacity least-recently-used cache.
type LRUCache struct {
	maxSize int
	order   *list.List
	items   map[string]*list.Element
	mu      sync.Mutex
}

type lruEntry struct {
	key   string
	value []byte
}

// NewLRUCache creates a new LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	return &LRUCache{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Get retrieves a value from the cache and marks it recently used.
func (c *LRUCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

// Add adds a value, evicting the least recently used entry when full.
func (c *LRUCache) Add(key string, value []byte) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.maxSize {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value})
}

// Has checks if a key exists in the cache without touching its recency.
func (c *LRUCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Remove removes a key from the cache.
func (c *LRUCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

// Clear clears the cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// MaxCachedBlobSize bounds which blobs are kept by CachedBackend.
const MaxCachedBlobSize = 64 << 10

// CachedBackend serves small hot blobs from memory. Deletes bump a
// generation so a read that raced with one does not repopulate the cache.
type CachedBackend struct {
	Backend
	cache Cache

	mu  sync.Mutex
	gen uint64
}

// WithCache wraps b with an LRU read cache of the given entry count. A
// non-positive size returns b unchanged.
func WithCache(b Backend, size int) Backend {
	if size <= 0 {
		return b
	}
	return &CachedBackend{Backend: b, cache: NewLRUCache(size)}
}

func cacheKey(ns model.NamespaceID, id model.BlobID) string {
	return string(ns) + "/" + string(id)
}

func (c *CachedBackend) Get(ctx context.Context, ns model.NamespaceID, id model.BlobID) (io.ReadCloser, int64, error) {
	key := cacheKey(ns, id)
	if data, ok := c.cache.Get(key); ok {
		return newBytesReadCloser(data), int64(len(data)), nil
	}
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	rc, size, err := c.Backend.Get(ctx, ns, id)
	if err != nil || size > MaxCachedBlobSize {
		return rc, size, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, err
	}
	c.mu.Lock()
	if c.gen == gen {
		c.cache.Add(key, data)
	}
	c.mu.Unlock()
	return newBytesReadCloser(data), int64(len(data)), nil
}

func (c *CachedBackend) Has(ctx context.Context, ns model.NamespaceID, id model.BlobID) (bool, error) {
	if c.cache.Has(cacheKey(ns, id)) {
		return true, nil
	}
	return c.Backend.Has(ctx, ns, id)
}

func (c *CachedBackend) Delete(ctx context.Context, ns model.NamespaceID, id model.BlobID) error {
	err := c.Backend.Delete(ctx, ns, id)
	c.mu.Lock()
	c.gen++
	c.cache.Remove(cacheKey(ns, id))
	c.mu.Unlock()
	return err
}

// DeleteNamespace drops the whole cache; namespace drops are rare.
func (c *CachedBackend) DeleteNamespace(ctx context.Context, ns model.NamespaceID) error {
	err := c.Backend.DeleteNamespace(ctx, ns)
	c.mu.Lock()
	c.gen++
	c.cache.Clear()
	c.mu.Unlock()
	return err
}
