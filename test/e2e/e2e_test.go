package e2e

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/duplicate"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/indexer"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/search"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/vector"
)

const (
	e2eSearchLimit = 30
	e2eDimensions  = 64
)

// wordEmbedder embeds text as a bag of hashed, lowercased words, so texts sharing words
// score higher than texts that do not.
type wordEmbedder struct{}

func (wordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, e2eDimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		v[h.Sum32()%e2eDimensions]++
	}
	return v, nil
}

func (e wordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (wordEmbedder) Dimensions() int { return e2eDimensions }
func (wordEmbedder) Close() error    { return nil }

// indexCorpus writes the corpus under dir and indexes it into a SQLite table and a JSONL file.
func indexCorpus(t *testing.T, dir string, ext func(int) string, reader string) (map[string]string, []config.LogicalPath) {
	t.Helper()
	corpus := BuildCorpus()
	docDir := filepath.Join(dir, "docs")
	files, err := corpus.WriteFiles(docDir, ext, WriteMinimalFile)
	if err != nil {
		t.Fatal(err)
	}
	base := config.LogicalPath{
		Dir:        docDir,
		Threshold:  0.05,
		Reader:     reader,
		Extensions: SupportedFileExtensions,
	}
	db := base
	db.Name, db.DBFile, db.DBTable = "db", filepath.Join(dir, "index.db"), "docs"
	file := base
	file.Name, file.Out = "file", filepath.Join(dir, "docs.jsonl")
	paths := []config.LogicalPath{db, file}

	idx := indexer.NewIndexer(wordEmbedder{}, indexer.WithBatchSize(16))
	for _, lp := range paths {
		stats, err := idx.IndexPath(context.Background(), lp)
		if err != nil {
			t.Fatalf("index %s: %v", lp.Name, err)
		}
		if stats.Files != corpus.TotalDocs {
			t.Fatalf("%s: indexed %d files, want %d", lp.Name, stats.Files, corpus.TotalDocs)
		}
	}
	return files, paths
}

func resultPaths(results []models.Result) map[string]bool {
	out := make(map[string]bool, len(results))
	for _, r := range results {
		out[r.Path] = true
	}
	return out
}

func containsAny(got map[string]bool, expected []string) bool {
	for _, p := range expected {
		if got[p] {
			return true
		}
	}
	return false
}

func expectedPaths(files map[string]string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if p, ok := files[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func TestE2E_SearchReturnsCorrectResults(t *testing.T) {
	dir := t.TempDir()
	files, paths := indexCorpus(t, dir, func(int) string { return ".md" }, config.ReaderText)
	corpus := BuildCorpus()
	if corpus.TotalQueries == 0 {
		t.Fatal("corpus has no query test cases")
	}

	// Radius 10 covers every bucket key, so the bucket tier sees the whole index.
	engine := search.NewEngine(indexcache.New(nil), wordEmbedder{},
		search.WithBucketRadius(vector.DefaultBucketDims),
		search.WithStoreOptions(storage.WithVectorIndex(false)),
	)
	ctx := context.Background()

	for _, lp := range paths {
		lp := lp
		for _, tc := range corpus.TestCases {
			tc := tc
			want := expectedPaths(files, tc.ExpectedDocIDs)
			t.Run(lp.Name+"/"+tc.Description, func(t *testing.T) {
				lexical, err := engine.Lexical(ctx, []config.LogicalPath{lp}, []string{tc.Query})
				if err != nil {
					t.Fatalf("lexical search failed: %v", err)
				}
				if !containsAny(resultPaths(lexical), want) {
					t.Errorf("lexical %q: expected one of %v, got %d results", tc.Query, want, len(lexical))
				}

				semantic, err := engine.Semantic(ctx, []config.LogicalPath{lp}, tc.Query)
				if err != nil {
					t.Fatalf("semantic search failed: %v", err)
				}
				top := search.Rank(semantic, e2eSearchLimit)
				if !containsAny(resultPaths(top), want) {
					t.Errorf("semantic %q: expected one of %v in top %d of %d results", tc.Query, want, e2eSearchLimit, len(semantic))
				}
			})
		}
	}
}

// TestE2E_FileIndexingSearch indexes files of every supported type with the document reader
// and runs the lexical query test cases against them.
func TestE2E_FileIndexingSearch(t *testing.T) {
	dir := t.TempDir()
	exts := SupportedFileExtensions
	files, paths := indexCorpus(t, dir, func(i int) string { return exts[i%len(exts)] }, config.ReaderDocument)
	engine := search.NewEngine(indexcache.New(nil), wordEmbedder{})
	ctx := context.Background()

	var run int
	for _, tc := range BuildCorpus().TestCases {
		want := expectedPaths(files, tc.ExpectedDocIDs)
		if len(want) == 0 {
			continue
		}
		run++
		results, err := engine.Lexical(ctx, paths, []string{tc.Query})
		if err != nil {
			t.Fatalf("lexical search failed: %v", err)
		}
		got := resultPaths(results)
		if !containsAny(got, want) {
			t.Errorf("query %q: expected one of %v (%s)", tc.Query, want, filepath.Ext(want[0]))
		}
	}
	if run == 0 {
		t.Fatal("no query test cases matched the file-based corpus")
	}
	t.Logf("ran %d query test cases across %d extensions", run, len(exts))
}

// Every document is indexed into both backings, so each must cluster with its twin.
func TestE2E_DuplicatesAcrossBackings(t *testing.T) {
	dir := t.TempDir()
	files, paths := indexCorpus(t, dir, func(int) string { return ".md" }, config.ReaderText)
	detector := duplicate.NewDetector(indexcache.New(nil),
		duplicate.WithThreshold(0.99),
		duplicate.WithBucketRadius(vector.DefaultBucketDims),
	)
	clusters, err := detector.Find(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) == 0 {
		t.Fatal("expected clusters")
	}
	seen := make(map[string]int)
	for _, c := range clusters {
		sources := make(map[string]bool)
		for _, m := range c.Members {
			seen[m.Path]++
			sources[m.Source] = true
		}
		if !sources["db"] || !sources["file"] {
			t.Errorf("cluster should span both backings: %+v", c.Members)
		}
	}
	for id, path := range files {
		if seen[path] != 2 {
			t.Errorf("%s appears %d times across clusters, want once per backing", id, seen[path])
		}
	}
}
