package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

type poolKey struct {
	file  string
	table string
}

// Pool hands out one SQLiteStore per (database file, table) and closes them all at the end
// of a run. It is safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	stores map[poolKey]*SQLiteStore
	opts   []Option
	logger *zap.Logger
}

// NewPool creates an empty pool. opts are applied to every store it opens.
func NewPool(logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		stores: make(map[poolKey]*SQLiteStore),
		opts:   append([]Option{WithLogger(logger)}, opts...),
		logger: logger,
	}
}

// Acquire returns the pool's store for (dbFile, table), opening it on first use.
// The pool keeps ownership; callers must not close the returned store.
func (p *Pool) Acquire(ctx context.Context, dbFile, table string) (*SQLiteStore, error) {
	key := poolKey{file: dbFile, table: table}
	if dbFile != ":memory:" {
		key.file = filepath.Clean(dbFile)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.stores[key]; ok {
		return s, nil
	}
	s, err := Open(ctx, dbFile, table, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s@%s: %w", dbFile, table, err)
	}
	p.stores[key] = s
	return s, nil
}

// Len returns the number of open stores.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stores)
}

// Close closes every store. Close failures are logged and otherwise ignored.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.stores {
		if err := s.Close(); err != nil {
			p.logger.Warn("failed to close store",
				zap.String("db", key.file), zap.String("table", key.table), zap.Error(err))
		}
		delete(p.stores, key)
	}
}

// WithPool runs fn with a fresh pool and closes the pool when fn returns, on every path.
func WithPool(logger *zap.Logger, fn func(p *Pool) error, opts ...Option) error {
	p := NewPool(logger, opts...)
	defer p.Close()
	return fn(p)
}
