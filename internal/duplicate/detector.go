// Package duplicate partitions every indexed chunk into near-duplicate clusters. Candidate
// pairs come from the same sign-bit buckets the retrieval engine uses, so a pair whose
// buckets differ by more than the configured radius is never compared.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/fileid"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/reader"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/vector"
)

// DefaultThreshold is the minimum similarity joining two chunks.
const DefaultThreshold = 0.9

// Detector finds near-duplicate clusters across sources.
type Detector struct {
	cache     *indexcache.Cache
	logger    *zap.Logger
	threshold float64
	radius    int
	storeOpts []storage.Option
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the detector's logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithThreshold sets the similarity threshold.
func WithThreshold(t float64) Option {
	return func(d *Detector) { d.threshold = t }
}

// WithBucketRadius widens the candidate neighborhood. Values <= 0 keep the default of 1.
func WithBucketRadius(r int) Option {
	return func(d *Detector) {
		if r > 0 {
			d.radius = r
		}
	}
}

// WithStoreOptions passes opts to every store the detector opens.
func WithStoreOptions(opts ...storage.Option) Option {
	return func(d *Detector) { d.storeOpts = append(d.storeOpts, opts...) }
}

// NewDetector returns a detector reading file backed sources through cache.
func NewDetector(cache *indexcache.Cache, opts ...Option) *Detector {
	d := &Detector{
		cache:     cache,
		logger:    zap.NewNop(),
		threshold: DefaultThreshold,
		radius:    1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// item is one flattened chunk. source indexes the paths slice passed to Find.
type item struct {
	source int
	path   string
	chunk  int
	emb    []float32
	key    int64
	text   *string
}

// Find returns every cluster of two or more chunks connected by a chain of pairs whose
// similarity is at least the threshold. No chunk appears in two clusters. Member text is
// resolved only for chunks that end up in a cluster.
func (d *Detector) Find(ctx context.Context, paths []config.LogicalPath) ([]models.Cluster, error) {
	logger := d.logger.With(zap.String("run_id", uuid.NewString()))
	start := time.Now()

	items, err := d.flatten(ctx, paths)
	if err != nil {
		return nil, err
	}
	buckets := vector.NewBuckets(vector.DefaultBucketDims)
	for i, it := range items {
		buckets.Add(it.key, i)
	}
	logger.Info("duplicate scan started",
		zap.Int("sources", len(paths)),
		zap.Int("chunks", len(items)),
		zap.Int("buckets", buckets.Keys()),
		zap.Float64("threshold", d.threshold),
	)

	components := d.components(items, buckets)

	readers := make([]*reader.Cache, len(paths))
	for i, lp := range paths {
		readers[i] = reader.NewCache(lp.Reader)
	}
	clusters := make([]models.Cluster, 0, len(components))
	members := 0
	for _, comp := range components {
		c := models.Cluster{Members: make([]models.ClusterMember, 0, len(comp))}
		for _, pos := range comp {
			c.Members = append(c.Members, d.member(paths, readers, items[pos]))
		}
		members += len(comp)
		clusters = append(clusters, c)
	}

	logger.Info("duplicate scan finished",
		zap.Int("clusters", len(clusters)),
		zap.Int("members", members),
		zap.Duration("elapsed", time.Since(start)),
	)
	return clusters, nil
}

// flatten loads every chunk of every source, all stores sharing one pool for the run.
func (d *Detector) flatten(ctx context.Context, paths []config.LogicalPath) ([]item, error) {
	var items []item
	err := storage.WithPool(d.logger, func(pool *storage.Pool) error {
		for i, lp := range paths {
			src, err := d.cache.Source(ctx, pool, lp)
			if err != nil {
				return err
			}
			err = src.ForEach(ctx, func(rec models.ChunkRecord) error {
				emb := vector.Normalize(rec.Embedding)
				items = append(items, item{
					source: i,
					path:   rec.Path,
					chunk:  rec.Chunk,
					emb:    emb,
					key:    vector.BucketKey(emb, vector.DefaultBucketDims),
					text:   rec.Text,
				})
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", lp.Name, err)
			}
		}
		return nil
	}, d.storeOpts...)
	if err != nil {
		return nil, err
	}
	return items, nil
}

// components walks the similarity graph with an explicit stack. Each position is claimed by
// the first component that reaches it.
func (d *Detector) components(items []item, buckets *vector.Buckets) [][]int {
	visited := make([]bool, len(items))
	var out [][]int
	for i := range items {
		if visited[i] {
			continue
		}
		visited[i] = true
		comp := []int{i}
		stack := []int{i}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, j := range buckets.Candidates(items[cur].key, d.radius) {
				if visited[j] {
					continue
				}
				score, err := vector.Dot(items[cur].emb, items[j].emb)
				if errors.Is(err, vector.ErrDimensionMismatch) || score < d.threshold {
					continue
				}
				visited[j] = true
				comp = append(comp, j)
				stack = append(stack, j)
			}
		}
		if len(comp) > 1 {
			out = append(out, comp)
		}
	}
	return out
}

func (d *Detector) member(paths []config.LogicalPath, readers []*reader.Cache, it item) models.ClusterMember {
	lp := paths[it.source]
	m := models.ClusterMember{
		Source: lp.Name,
		ID:     fileid.ChunkID(it.path),
		URL:    fileid.URL(it.path, lp.URL),
		Path:   it.path,
		Chunk:  it.chunk,
	}
	if it.text != nil {
		m.Text = *it.text
	} else if text, ok := readers[it.source].Chunk(it.path, it.chunk); ok {
		m.Text = text
	}
	return m
}
