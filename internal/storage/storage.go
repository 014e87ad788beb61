// Package storage persists chunk records in per-source SQLite tables and mirrors their
// embeddings into an optional vector index.
package storage

import (
	"context"
	"errors"

	"github.com/zhuochun/simple-rag/internal/models"
)

// ErrStop may be returned from an iteration callback to end the iteration early without error.
var ErrStop = errors.New("stop iteration")

// ChunkSource is the read side shared by persistent stores and in-memory file indexes.
// Iteration callbacks must not call back into the same source.
type ChunkSource interface {
	// ForEach visits every record. Each call starts a fresh pass.
	ForEach(ctx context.Context, fn func(models.ChunkRecord) error) error
	// ForEachInBuckets visits records whose bucket key is one of keys.
	ForEachInBuckets(ctx context.Context, keys []int64, fn func(models.ChunkRecord) error) error
	// ForEachUncached visits records without cached text.
	ForEachUncached(ctx context.Context, fn func(models.ChunkRecord) error) error
	// TextSearchAny returns records whose cached text contains any of terms. limit <= 0 means no limit.
	TextSearchAny(ctx context.Context, terms []string, limit int) ([]models.ChunkRecord, error)
	// Nearest returns up to k records closest to query from a native index, or nothing
	// when no native index can answer. Empty means "fall back", not "no matches".
	Nearest(ctx context.Context, query []float32, k int) ([]models.ChunkRecord, error)
	RowCount(ctx context.Context) (int64, error)
}

// ChunkStore is a ChunkSource that can be mutated.
type ChunkStore interface {
	ChunkSource
	Upsert(ctx context.Context, rec models.ChunkRecord) error
	DeleteStaleChunks(ctx context.Context, path string, valid []int) error
	DeleteStalePaths(ctx context.Context, valid []string) error
	HashLookup(ctx context.Context) (map[string]HashEntry, error)
	WithinTx(ctx context.Context, fn func(tx *Tx) error) error
	Close() error
}

// HashEntry is the reusable part of a stored chunk, looked up by content hash.
type HashEntry struct {
	Embedding []float32
	Bucket    *int64
	Text      *string
}

// Each drives fn over records in order, treating ErrStop as a clean stop.
func Each(records []models.ChunkRecord, fn func(models.ChunkRecord) error) error {
	for _, rec := range records {
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}
