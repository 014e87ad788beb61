// Package search answers semantic and lexical queries across configured sources. Database
// backed and file backed sources are searched through the same storage.ChunkSource shape.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

// DefaultTopK is the number of candidates requested from a native vector index.
const DefaultTopK = 512

// Engine runs read-only retrieval. It holds no store handles between calls: each call opens
// the stores it needs from a fresh pool and closes them before returning.
type Engine struct {
	cache     *indexcache.Cache
	embedder  embedding.Embedder
	logger    *zap.Logger
	topK      int
	radius    int
	storeOpts []storage.Option
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTopK sets the native index candidate count. Values <= 0 keep the default.
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithBucketRadius sets the Hamming radius of the bucket tier. Values <= 0 keep the default of 1.
func WithBucketRadius(r int) Option {
	return func(e *Engine) {
		if r > 0 {
			e.radius = r
		}
	}
}

// WithStoreOptions passes opts to every store the engine opens.
func WithStoreOptions(opts ...storage.Option) Option {
	return func(e *Engine) {
		e.storeOpts = append(e.storeOpts, opts...)
	}
}

// NewEngine creates an engine over cache for file backed sources. embedder should be a
// caching embedder so repeated queries cost one provider call.
func NewEngine(cache *indexcache.Cache, embedder embedding.Embedder, opts ...Option) *Engine {
	e := &Engine{
		cache:    cache,
		embedder: embedder,
		logger:   zap.NewNop(),
		topK:     DefaultTopK,
		radius:   1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Semantic embeds query and returns, per source, every chunk whose similarity to it is at
// least the source's threshold. Results keep source order and are not ranked.
func (e *Engine) Semantic(ctx context.Context, paths []config.LogicalPath, query string) ([]models.Result, error) {
	query, err := ProcessQuery(query)
	if err != nil {
		return nil, err
	}
	emb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	q := vector.Normalize(emb)

	var results []models.Result
	err = storage.WithPool(e.logger, func(pool *storage.Pool) error {
		for _, lp := range paths {
			src, err := e.cache.Source(ctx, pool, lp)
			if err != nil {
				return err
			}
			found, err := e.semanticSource(ctx, src, lp, q, reader.NewCache(lp.Reader))
			if err != nil {
				return fmt.Errorf("semantic search failed for %s: %w", lp.Name, err)
			}
			results = append(results, found...)
		}
		return nil
	}, e.storeOpts...)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// semanticSource tries the native index, then the query's neighbor buckets, then a full scan,
// stopping at the first tier that yields any candidate.
func (e *Engine) semanticSource(ctx context.Context, src storage.ChunkSource, lp config.LogicalPath, q []float32, readers *reader.Cache) ([]models.Result, error) {
	var (
		out        []models.Result
		candidates int
		mismatched int
	)
	consider := func(tier models.Tier) func(models.ChunkRecord) error {
		return func(rec models.ChunkRecord) error {
			candidates++
			score, err := vector.Dot(q, vector.Normalize(rec.Embedding))
			if errors.Is(err, vector.ErrDimensionMismatch) {
				mismatched++
				return nil
			}
			if score >= lp.Threshold {
				out = append(out, newResult(lp, rec, score, tier, readers))
			}
			return nil
		}
	}

	native, err := src.Nearest(ctx, q, e.topK)
	if err != nil {
		return nil, err
	}
	if len(native) > 0 {
		_ = storage.Each(native, consider(models.TierNative))
		e.logTier(lp, models.TierNative, candidates, len(out), mismatched)
		return out, nil
	}

	key := vector.BucketKey(q, vector.DefaultBucketDims)
	keys := vector.NeighborKeysRadius(key, vector.DefaultBucketDims, e.radius)
	if err := src.ForEachInBuckets(ctx, keys, consider(models.TierBucket)); err != nil {
		return nil, err
	}
	if candidates > 0 {
		e.logTier(lp, models.TierBucket, candidates, len(out), mismatched)
		return out, nil
	}

	if err := src.ForEach(ctx, consider(models.TierFull)); err != nil {
		return nil, err
	}
	e.logTier(lp, models.TierFull, candidates, len(out), mismatched)
	return out, nil
}

func (e *Engine) logTier(lp config.LogicalPath, tier models.Tier, candidates, kept, mismatched int) {
	e.logger.Debug("semantic search",
		zap.String("path", lp.Name),
		zap.String("tier", string(tier)),
		zap.Int("candidates", candidates),
		zap.Int("kept", kept),
		zap.Int("dimension_mismatch", mismatched),
	)
}

// Lexical returns every chunk containing at least one of terms as a literal substring.
// Cached text is searched in the store; chunks without it are reloaded through the reader.
func (e *Engine) Lexical(ctx context.Context, paths []config.LogicalPath, terms []string) ([]models.Result, error) {
	terms = NormalizeTerms(terms)
	if len(terms) == 0 {
		return nil, nil
	}

	var results []models.Result
	err := storage.WithPool(e.logger, func(pool *storage.Pool) error {
		for _, lp := range paths {
			src, err := e.cache.Source(ctx, pool, lp)
			if err != nil {
				return err
			}
			found, err := e.lexicalSource(ctx, src, lp, terms)
			if err != nil {
				return fmt.Errorf("lexical search failed for %s: %w", lp.Name, err)
			}
			results = append(results, found...)
		}
		return nil
	}, e.storeOpts...)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) lexicalSource(ctx context.Context, src storage.ChunkSource, lp config.LogicalPath, terms []string) ([]models.Result, error) {
	readers := reader.NewCache(lp.Reader)

	cached, err := src.TextSearchAny(ctx, terms, 0)
	if err != nil {
		return nil, err
	}
	out := make([]models.Result, 0, len(cached))
	for _, rec := range cached {
		out = append(out, newResult(lp, rec, 1, models.TierLexical, readers))
	}

	reloaded := 0
	err = src.ForEachUncached(ctx, func(rec models.ChunkRecord) error {
		text, ok := readers.Chunk(rec.Path, rec.Chunk)
		if !ok || !containsAny(text, terms) {
			return nil
		}
		reloaded++
		rec.Text = models.String(text)
		out = append(out, newResult(lp, rec, 1, models.TierLexical, readers))
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("lexical search",
		zap.String("path", lp.Name),
		zap.Int("cached_matches", len(cached)),
		zap.Int("reloaded_matches", reloaded),
	)
	return out, nil
}

func newResult(lp config.LogicalPath, rec models.ChunkRecord, score float64, tier models.Tier, readers *reader.Cache) models.Result {
	r := models.Result{
		Source: lp.Name,
		ID:     fileid.ChunkID(rec.Path),
		URL:    fileid.URL(rec.Path, lp.URL),
		Path:   rec.Path,
		Chunk:  rec.Chunk,
		Score:  score,
		Tier:   tier,
	}
	if rec.Text != nil {
		text := *rec.Text
		r.SetLoader(func() (string, bool) { return text, true })
	} else {
		path, chunk := rec.Path, rec.Chunk
		r.SetLoader(func() (string, bool) { return readers.Chunk(path, chunk) })
	}
	return r
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}
