package embedding

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CacheKey returns the content address of text: the hex SHA-256 of its bytes.
func CacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Cache is an LRU cache of embeddings keyed by CacheKey. A capacity of zero or less
// keeps every entry.
type Cache struct {
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []float32
}

// NewCache creates a new cache with the given capacity.
func NewCache(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Get returns the cached embedding for key if present.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry).value, true
	}
	return nil, false
}

// Set stores the embedding for key, evicting the oldest entry if at capacity.
func (c *Cache) Set(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.entries[key] = elem

	if c.capacity > 0 && c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Len returns the number of cached embeddings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// CachedEmbedder wraps an Embedder with a content-addressed cache. Concurrent requests for
// the same uncached text share one provider call.
type CachedEmbedder struct {
	inner  Embedder
	cache  *Cache
	logger *zap.Logger
	group  singleflight.Group
}

// CachedOption configures a CachedEmbedder.
type CachedOption func(*CachedEmbedder)

// WithLogger sets a logger for cache misses.
func WithLogger(l *zap.Logger) CachedOption {
	return func(c *CachedEmbedder) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCachedEmbedder wraps inner with a cache holding up to capacity embeddings.
func NewCachedEmbedder(inner Embedder, capacity int, opts ...CachedOption) *CachedEmbedder {
	c := &CachedEmbedder{
		inner:  inner,
		cache:  NewCache(capacity),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Embed returns the cached embedding for text, computing and storing it on a miss.
// Failed computations are not cached.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// Another flight may have filled the entry between Get and DoChan.
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		c.logger.Debug("embedding cache miss", zap.String("key", key[:12]))
		v, err := c.inner.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, v)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EmbedBatch serves cached texts from the cache and sends the rest to the provider in one batch.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing []string
		at      []int
		keys    []string
	)
	for i, text := range texts {
		key := CacheKey(text)
		if v, ok := c.cache.Get(key); ok {
			out[i] = v
			continue
		}
		missing = append(missing, text)
		at = append(at, i)
		keys = append(keys, key)
	}
	if len(missing) == 0 {
		return out, nil
	}
	embeddings, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(missing) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(embeddings), len(missing))
	}
	for j, emb := range embeddings {
		c.cache.Set(keys[j], emb)
		out[at[j]] = emb
	}
	return out, nil
}

// Dimensions returns the wrapped provider's dimension.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Len returns the number of cached embeddings.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

// Close closes the wrapped provider.
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}
