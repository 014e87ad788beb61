package benchmark

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/embedding"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/search"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/vector"
)

const (
	benchDims    = 64
	benchRecords = 2000
)

func randomVector(rng *rand.Rand) []float32 {
	v := make([]float32, benchDims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return vector.Normalize(v)
}

// corpus writes benchRecords random chunks to a JSONL index and returns a source over it and
// an embedder mapping "query" to the first record, so every radius has a candidate.
func corpus(tb testing.TB) (config.LogicalPath, *embedding.MockEmbedder) {
	tb.Helper()
	rng := rand.New(rand.NewSource(42))
	out := filepath.Join(tb.TempDir(), "bench.jsonl")
	recs := make([]models.ChunkRecord, benchRecords)
	for i := range recs {
		recs[i] = models.ChunkRecord{
			Path:      fmt.Sprintf("/bench/doc-%04d.md", i),
			Hash:      fmt.Sprintf("h%d", i),
			Embedding: randomVector(rng),
		}
	}
	if err := indexcache.WriteRecords(out, recs); err != nil {
		tb.Fatal(err)
	}
	mock := embedding.NewMockEmbedder(benchDims)
	mock.Set("query", recs[0].Embedding)
	return config.LogicalPath{Name: "bench", Out: out, Threshold: 0.2, Reader: config.ReaderText}, mock
}

// TestBucketRecallGap reports how many full-scan hits each bucket radius keeps.
func TestBucketRecallGap(t *testing.T) {
	lp, mock := corpus(t)
	ctx := context.Background()
	paths := []config.LogicalPath{lp}

	full, err := search.NewEngine(indexcache.New(nil), mock, search.WithBucketRadius(vector.DefaultBucketDims)).
		Semantic(ctx, paths, "query")
	if err != nil {
		t.Fatal(err)
	}
	if len(full) == 0 {
		t.Fatal("full scan found nothing")
	}
	prev := 0
	for radius := 0; radius <= vector.DefaultBucketDims; radius++ {
		got, err := search.NewEngine(indexcache.New(nil), mock, search.WithBucketRadius(radius)).
			Semantic(ctx, paths, "query")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) < prev || len(got) > len(full) {
			t.Errorf("radius %d: %d hits, previous %d, full %d", radius, len(got), prev, len(full))
		}
		prev = len(got)
		t.Logf("radius %2d: recall %d/%d", radius, len(got), len(full))
	}
	if prev != len(full) {
		t.Errorf("radius %d should match the full scan: %d != %d", vector.DefaultBucketDims, prev, len(full))
	}
}

func benchmarkSemantic(b *testing.B, radius int) {
	lp, mock := corpus(b)
	e := search.NewEngine(indexcache.New(nil), embedding.NewCachedEmbedder(mock, 16), search.WithBucketRadius(radius))
	ctx := context.Background()
	paths := []config.LogicalPath{lp}
	if _, err := e.Semantic(ctx, paths, "query"); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Semantic(ctx, paths, "query")
	}
}

func BenchmarkSemantic_bucketRadius1(b *testing.B)  { benchmarkSemantic(b, 1) }
func BenchmarkSemantic_bucketRadius3(b *testing.B)  { benchmarkSemantic(b, 3) }
func BenchmarkSemantic_bucketRadius10(b *testing.B) { benchmarkSemantic(b, 10) }

func BenchmarkSemantic_sqliteNative(b *testing.B) {
	rng := rand.New(rand.NewSource(42))
	dbFile := filepath.Join(b.TempDir(), "bench.db")
	ctx := context.Background()
	s, err := storage.Open(ctx, dbFile, "bench")
	if err != nil {
		b.Fatal(err)
	}
	err = s.WithinTx(ctx, func(tx *storage.Tx) error {
		for i := 0; i < benchRecords; i++ {
			v := randomVector(rng)
			rec := models.ChunkRecord{
				Path:      fmt.Sprintf("/bench/doc-%04d.md", i),
				Hash:      fmt.Sprintf("h%d", i),
				Embedding: v,
				Bucket:    models.Int64(vector.BucketKey(v, vector.DefaultBucketDims)),
			}
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	_ = s.Close()
	if err != nil {
		b.Fatal(err)
	}
	mock := embedding.NewMockEmbedder(benchDims)
	mock.Set("query", randomVector(rng))
	lp := config.LogicalPath{Name: "bench", DBFile: dbFile, DBTable: "bench", Threshold: 0.2, Reader: config.ReaderText}
	e := search.NewEngine(indexcache.New(nil), embedding.NewCachedEmbedder(mock, 16))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Semantic(ctx, []config.LogicalPath{lp}, "query")
	}
}

func BenchmarkBucketKey(b *testing.B) {
	v := randomVector(rand.New(rand.NewSource(1)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = vector.BucketKey(v, vector.DefaultBucketDims)
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	e := embedding.NewMockEmbedder(384)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}
