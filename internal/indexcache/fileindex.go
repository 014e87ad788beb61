// Package indexcache serves file-backed sources: JSONL record files loaded once per process
// into memory and bucketed by their normalized embeddings.
package indexcache

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/vector"
)

// maxLineBytes bounds one JSONL record; a 4096-dim embedding is well under it.
const maxLineBytes = 64 << 20

// FileIndex is an immutable in-memory view of one JSONL record file.
type FileIndex struct {
	path    string
	records []models.ChunkRecord
	buckets *vector.Buckets
}

var _ storage.ChunkSource = (*FileIndex)(nil)

// LoadFile reads path into a FileIndex, normalizing each embedding and filing it under its
// bucket key. A missing file yields an empty index. Malformed lines are skipped.
func LoadFile(path string, logger *zap.Logger) (*FileIndex, error) {
	records, err := ReadRecords(path, logger)
	if err != nil {
		return nil, err
	}
	idx := &FileIndex{
		path:    path,
		records: records,
		buckets: vector.NewBuckets(vector.DefaultBucketDims),
	}
	for i := range idx.records {
		rec := &idx.records[i]
		rec.Embedding = vector.Normalize(rec.Embedding)
		key := vector.BucketKey(rec.Embedding, vector.DefaultBucketDims)
		rec.Bucket = models.Int64(key)
		idx.buckets.Add(key, i)
	}
	return idx, nil
}

// ReadRecords parses a JSONL record file as written by WriteRecords. A missing file yields no
// records. Lines that are not valid records are logged and skipped.
func ReadRecords(path string, logger *zap.Logger) ([]models.ChunkRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	var records []models.ChunkRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec models.ChunkRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Path == "" {
			logger.Warn("skipping malformed index line",
				zap.String("file", path), zap.Int("line", line), zap.Error(err))
			continue
		}
		if rec.Embedding == nil {
			rec.Embedding = []float32{}
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read index file %s: %w", path, err)
	}
	return records, nil
}

// WriteRecords replaces path with records, one JSON object per line. The file is written to a
// temporary sibling and renamed into place.
func WriteRecords(path string, records []models.ChunkRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if rec.Embedding == nil {
			rec.Embedding = []float32{}
		}
		if err := enc.Encode(rec); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to encode %s#%d: %w", rec.Path, rec.Chunk, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write index file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}

// Path returns the backing file.
func (x *FileIndex) Path() string { return x.path }

// Buckets returns the bucket map over the index's record positions.
func (x *FileIndex) Buckets() *vector.Buckets { return x.buckets }

// ForEach visits every record in file order.
func (x *FileIndex) ForEach(_ context.Context, fn func(models.ChunkRecord) error) error {
	return storage.Each(x.records, fn)
}

// ForEachInBuckets visits records filed under any of keys.
func (x *FileIndex) ForEachInBuckets(_ context.Context, keys []int64, fn func(models.ChunkRecord) error) error {
	seen := make(map[int64]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, pos := range x.buckets.Lookup(key) {
			if err := fn(x.records[pos]); err != nil {
				if errors.Is(err, storage.ErrStop) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// ForEachUncached visits every record; file indexes never cache text.
func (x *FileIndex) ForEachUncached(ctx context.Context, fn func(models.ChunkRecord) error) error {
	return x.ForEach(ctx, fn)
}

// TextSearchAny always returns nothing: there is no cached text to search.
func (x *FileIndex) TextSearchAny(context.Context, []string, int) ([]models.ChunkRecord, error) {
	return nil, nil
}

// Nearest always returns nothing: file indexes have no native vector tier.
func (x *FileIndex) Nearest(context.Context, []float32, int) ([]models.ChunkRecord, error) {
	return nil, nil
}

// RowCount returns the number of records.
func (x *FileIndex) RowCount(context.Context) (int64, error) {
	return int64(len(x.records)), nil
}
