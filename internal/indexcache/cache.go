package indexcache

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/storage"
)

// Cache holds one FileIndex per source name for the life of the process. The first Load of
// a name builds its index; later loads return it unchanged, even if the file has changed.
type Cache struct {
	mu      sync.Mutex
	indexes map[string]*FileIndex
	logger  *zap.Logger
}

// New returns an empty cache.
func New(logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{indexes: make(map[string]*FileIndex), logger: logger}
}

// Load returns the index for lp, reading lp.Out on first use.
func (c *Cache) Load(lp config.LogicalPath) (*FileIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := c.indexes[lp.Name]; ok {
		return idx, nil
	}
	idx, err := LoadFile(lp.Out, c.logger)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("loaded file index",
		zap.String("path", lp.Name), zap.String("file", lp.Out),
		zap.Int("records", len(idx.records)), zap.Int("buckets", idx.buckets.Keys()))
	c.indexes[lp.Name] = idx
	return idx, nil
}

// Len returns the number of cached indexes.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.indexes)
}

// Source returns the chunk source for lp: its table from pool when it is database backed,
// its cached file index otherwise.
func (c *Cache) Source(ctx context.Context, pool *storage.Pool, lp config.LogicalPath) (storage.ChunkSource, error) {
	if lp.HasDB() {
		store, err := pool.Acquire(ctx, lp.DBFile, lp.DBTable)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	idx, err := c.Load(lp)
	if err != nil {
		return nil, fmt.Errorf("failed to load index for %s: %w", lp.Name, err)
	}
	return idx, nil
}
