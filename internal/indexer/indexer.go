// Package indexer keeps a source's index in step with the files under its directory. Each
// file is split by the source's reader, chunks whose content hash is already indexed reuse
// their stored embedding, and only new or changed chunks are sent to the embedding provider.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/embedding"
	"github.com/zhuochun/simple-rag/internal/fileid"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/reader"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/vector"
)

// DefaultBatchSize is the number of chunks sent to the provider per EmbedBatch call.
const DefaultBatchSize = 32

// ErrNoDir is returned when a source without a directory is indexed.
var ErrNoDir = errors.New("path has no dir")

// Stats summarizes one indexing call.
type Stats struct {
	Files    int `json:"files"`
	Chunks   int `json:"chunks"`
	Embedded int `json:"embedded"`
	Reused   int `json:"reused"`
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Chunks += o.Chunks
	s.Embedded += o.Embedded
	s.Reused += o.Reused
}

// Indexer writes chunk records for configured sources.
type Indexer struct {
	embedder  embedding.Embedder
	logger    *zap.Logger
	batchSize int
	cacheText bool
	storeOpts []storage.Option
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for progress output.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// WithBatchSize sets the provider batch size. Values <= 0 keep the default.
func WithBatchSize(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.batchSize = n
		}
	}
}

// WithCacheText controls whether chunk text is stored alongside database records, which
// lets lexical search skip reloading files. Enabled by default.
func WithCacheText(enabled bool) IndexerOption {
	return func(idx *Indexer) { idx.cacheText = enabled }
}

// WithStoreOptions passes opts to every store the indexer opens.
func WithStoreOptions(opts ...storage.Option) IndexerOption {
	return func(idx *Indexer) { idx.storeOpts = append(idx.storeOpts, opts...) }
}

// NewIndexer creates an indexer embedding through embedder.
func NewIndexer(embedder embedding.Embedder, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		embedder:  embedder,
		logger:    zap.NewNop(),
		batchSize: DefaultBatchSize,
		cacheText: true,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// IndexPath brings lp's index up to date with every file under lp.Dir. Records of files
// that are no longer present are removed.
func (idx *Indexer) IndexPath(ctx context.Context, lp config.LogicalPath) (Stats, error) {
	if lp.Dir == "" {
		return Stats{}, fmt.Errorf("%w: %s", ErrNoDir, lp.Name)
	}
	start := time.Now()
	files, err := ListFiles(lp.Dir, lp.Extensions)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	if lp.HasDB() {
		err = idx.withStore(ctx, lp, func(store *storage.SQLiteStore) error {
			lookup, err := store.HashLookup(ctx)
			if err != nil {
				return err
			}
			for _, file := range files {
				fs, err := idx.indexStoreFile(ctx, store, lp, file, lookup)
				if err != nil {
					return err
				}
				stats.add(fs)
			}
			return store.DeleteStalePaths(ctx, files)
		})
	} else {
		err = idx.rewriteOut(lp, func(existing []models.ChunkRecord) ([]models.ChunkRecord, error) {
			lookup := lookupRecords(existing)
			var all []models.ChunkRecord
			for _, file := range files {
				recs, fs, err := idx.records(ctx, lp, file, lookup)
				if err != nil {
					return nil, err
				}
				stats.add(fs)
				all = append(all, recs...)
			}
			return all, nil
		})
	}
	if err != nil {
		return stats, fmt.Errorf("failed to index %s: %w", lp.Name, err)
	}
	idx.logger.Info("indexed path",
		zap.String("path", lp.Name),
		zap.String("destination", lp.Destination()),
		zap.Int("files", stats.Files),
		zap.Int("chunks", stats.Chunks),
		zap.Int("embedded", stats.Embedded),
		zap.Int("reused", stats.Reused),
		zap.Duration("elapsed", time.Since(start)),
	)
	return stats, nil
}

// IndexFile re-indexes one file of lp. A file that no longer exists is removed instead.
func (idx *Indexer) IndexFile(ctx context.Context, lp config.LogicalPath, file string) (Stats, error) {
	absPath, err := filepath.Abs(file)
	if err != nil {
		return Stats{}, fmt.Errorf("absolute path: %w", err)
	}
	if _, err := os.Stat(absPath); errors.Is(err, os.ErrNotExist) {
		return Stats{}, idx.RemoveFile(ctx, lp, absPath)
	}

	var stats Stats
	if lp.HasDB() {
		err = idx.withStore(ctx, lp, func(store *storage.SQLiteStore) error {
			lookup, err := store.HashLookup(ctx)
			if err != nil {
				return err
			}
			stats, err = idx.indexStoreFile(ctx, store, lp, absPath, lookup)
			return err
		})
	} else {
		err = idx.rewriteOut(lp, func(existing []models.ChunkRecord) ([]models.ChunkRecord, error) {
			recs, fs, err := idx.records(ctx, lp, absPath, lookupRecords(existing))
			if err != nil {
				return nil, err
			}
			stats = fs
			return append(withoutFile(existing, absPath), recs...), nil
		})
	}
	if err != nil {
		return stats, fmt.Errorf("failed to index %s: %w", absPath, err)
	}
	idx.logger.Debug("indexer file indexed",
		zap.String("path", lp.Name), zap.String("file", absPath),
		zap.Int("chunks", stats.Chunks), zap.Int("embedded", stats.Embedded))
	return stats, nil
}

// RemoveFile drops every record of file from lp's index.
func (idx *Indexer) RemoveFile(ctx context.Context, lp config.LogicalPath, file string) error {
	var err error
	if lp.HasDB() {
		err = idx.withStore(ctx, lp, func(store *storage.SQLiteStore) error {
			return store.DeletePath(ctx, file)
		})
	} else {
		err = idx.rewriteOut(lp, func(existing []models.ChunkRecord) ([]models.ChunkRecord, error) {
			return withoutFile(existing, file), nil
		})
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", file, err)
	}
	idx.logger.Debug("indexer file removed", zap.String("path", lp.Name), zap.String("file", file))
	return nil
}

// RemoveDir drops every record of files under dir from lp's index.
func (idx *Indexer) RemoveDir(ctx context.Context, lp config.LogicalPath, dir string) error {
	prefix := filepath.Clean(dir) + string(filepath.Separator)
	var err error
	if lp.HasDB() {
		err = idx.withStore(ctx, lp, func(store *storage.SQLiteStore) error {
			return store.DeletePathPrefix(ctx, prefix)
		})
	} else {
		err = idx.rewriteOut(lp, func(existing []models.ChunkRecord) ([]models.ChunkRecord, error) {
			out := existing[:0]
			for _, rec := range existing {
				if !strings.HasPrefix(rec.Path, prefix) {
					out = append(out, rec)
				}
			}
			return out, nil
		})
	}
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	idx.logger.Debug("indexer directory removed", zap.String("path", lp.Name), zap.String("dir", dir))
	return nil
}

func (idx *Indexer) withStore(ctx context.Context, lp config.LogicalPath, fn func(*storage.SQLiteStore) error) error {
	return storage.WithPool(idx.logger, func(pool *storage.Pool) error {
		store, err := pool.Acquire(ctx, lp.DBFile, lp.DBTable)
		if err != nil {
			return err
		}
		return fn(store)
	}, idx.storeOpts...)
}

// indexStoreFile replaces file's chunks in one transaction: every current chunk is upserted
// and chunks past the new end are deleted, or nothing changes.
func (idx *Indexer) indexStoreFile(ctx context.Context, store *storage.SQLiteStore, lp config.LogicalPath, file string, lookup map[string]storage.HashEntry) (Stats, error) {
	recs, stats, err := idx.records(ctx, lp, file, lookup)
	if err != nil {
		return stats, err
	}
	valid := make([]int, len(recs))
	for i, rec := range recs {
		valid[i] = rec.Chunk
	}
	err = store.WithinTx(ctx, func(tx *storage.Tx) error {
		for _, rec := range recs {
			if !idx.cacheText {
				rec.Text = nil
			}
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return tx.DeleteStaleChunks(ctx, file, valid)
	})
	if err != nil {
		return stats, err
	}
	return stats, nil
}

// rewriteOut reads lp's JSONL file, lets fn produce the new record set and writes it back.
func (idx *Indexer) rewriteOut(lp config.LogicalPath, fn func(existing []models.ChunkRecord) ([]models.ChunkRecord, error)) error {
	existing, err := indexcache.ReadRecords(lp.Out, idx.logger)
	if err != nil {
		return err
	}
	records, err := fn(existing)
	if err != nil {
		return err
	}
	return indexcache.WriteRecords(lp.Out, records)
}

// records reads file's chunks and builds their records, reusing stored embeddings by
// content hash and embedding the rest.
func (idx *Indexer) records(ctx context.Context, lp config.LogicalPath, file string, lookup map[string]storage.HashEntry) ([]models.ChunkRecord, Stats, error) {
	stats := Stats{Files: 1}
	r, err := reader.New(lp.Reader, file)
	if err != nil {
		return nil, stats, err
	}
	if err := r.Load(); err != nil {
		return nil, stats, fmt.Errorf("failed to read %s: %w", file, err)
	}

	recs := make([]models.ChunkRecord, r.Len())
	var (
		texts []string
		at    []int
	)
	for i := range recs {
		text, _ := r.Chunk(i)
		rec := models.ChunkRecord{
			Path:  file,
			Chunk: i,
			Hash:  fileid.ContentHash(text),
			Text:  models.String(text),
		}
		if e, ok := lookup[rec.Hash]; ok && len(e.Embedding) > 0 {
			rec.Embedding = e.Embedding
			rec.Bucket = e.Bucket
			if rec.Bucket == nil {
				rec.Bucket = bucketOf(rec.Embedding)
			}
			stats.Reused++
		} else {
			texts = append(texts, text)
			at = append(at, i)
		}
		recs[i] = rec
	}

	embeddings, err := idx.embed(ctx, texts)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to embed %s: %w", file, err)
	}
	for j, emb := range embeddings {
		recs[at[j]].Embedding = emb
		recs[at[j]].Bucket = bucketOf(emb)
	}
	stats.Embedded = len(texts)
	stats.Chunks = len(recs)
	return recs, stats, nil
}

func (idx *Indexer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += idx.batchSize {
		end := min(start+idx.batchSize, len(texts))
		batch, err := idx.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("provider returned %d embeddings for %d texts", len(batch), end-start)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func bucketOf(emb []float32) *int64 {
	return models.Int64(vector.BucketKey(vector.Normalize(emb), vector.DefaultBucketDims))
}

func lookupRecords(records []models.ChunkRecord) map[string]storage.HashEntry {
	lookup := make(map[string]storage.HashEntry, len(records))
	for _, rec := range records {
		if rec.Hash != "" {
			lookup[rec.Hash] = storage.HashEntry{Embedding: rec.Embedding, Bucket: rec.Bucket}
		}
	}
	return lookup
}

func withoutFile(records []models.ChunkRecord, file string) []models.ChunkRecord {
	out := make([]models.ChunkRecord, 0, len(records))
	for _, rec := range records {
		if rec.Path != file {
			out = append(out, rec)
		}
	}
	return out
}
