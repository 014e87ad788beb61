package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/embedding"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/storage"
	"github.com/zhuochun/simple-rag/internal/vector"
)

func record(path string, chunk int, emb []float32, text *string) models.ChunkRecord {
	key := vector.BucketKey(vector.Normalize(emb), vector.DefaultBucketDims)
	return models.ChunkRecord{
		Path:      path,
		Chunk:     chunk,
		Hash:      fmt.Sprintf("%s#%d", path, chunk),
		Embedding: emb,
		Bucket:    models.Int64(key),
		Text:      text,
	}
}

func seedStore(t *testing.T, dbFile, table string, recs []models.ChunkRecord) {
	t.Helper()
	ctx := context.Background()
	s, err := storage.Open(ctx, dbFile, table)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	for _, rec := range recs {
		if err := s.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
}

func dbPath(t *testing.T, name string, threshold float64) config.LogicalPath {
	return config.LogicalPath{
		Name:      name,
		DBFile:    filepath.Join(t.TempDir(), "index.db"),
		DBTable:   name,
		Threshold: threshold,
		Reader:    config.ReaderText,
	}
}

func keys(results []models.Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, fmt.Sprintf("%s#%d", r.Path, r.Chunk))
	}
	sort.Strings(out)
	return out
}

func newTestEngine(mock *embedding.MockEmbedder, opts ...Option) *Engine {
	return NewEngine(indexcache.New(nil), embedding.NewCachedEmbedder(mock, 16), opts...)
}

func TestSemantic_thresholdAndIdentity(t *testing.T) {
	lp := dbPath(t, "notes", 0.8)
	lp.URL = "https://example.com/n/"
	seedStore(t, lp.DBFile, lp.DBTable, []models.ChunkRecord{
		record("/home/me/notes/close.md", 0, []float32{1, 0.1, 0, 0}, models.String("close")),
		record("/home/me/notes/near.md", 1, []float32{0.9, 0.3, 0, 0}, nil),
		record("/home/me/notes/far.md", 0, []float32{0, 1, 0, 0}, nil),
		record("/home/me/notes/opposite.md", 0, []float32{-1, 0, 0, 0}, nil),
	})

	mock := embedding.NewMockEmbedder(4)
	mock.Set("query", []float32{2, 0, 0, 0})
	e := newTestEngine(mock, WithStoreOptions(storage.WithVectorIndex(false)))

	results, err := e.Semantic(context.Background(), []config.LogicalPath{lp}, "  query ")
	if err != nil {
		t.Fatal(err)
	}
	if got := keys(results); strings.Join(got, ",") != "/home/me/notes/close.md#0,/home/me/notes/near.md#1" {
		t.Fatalf("results = %v", got)
	}
	for _, r := range results {
		if r.Score < 0.8 || r.Score > 1.0001 {
			t.Errorf("score out of range: %+v", r)
		}
		if r.Source != "notes" || r.Tier != models.TierBucket {
			t.Errorf("result = %+v", r)
		}
		if r.Path == "/home/me/notes/close.md" {
			if r.ID != "notes/close.md" || r.URL != "https://example.com/n/close" {
				t.Errorf("identity = %q, %q", r.ID, r.URL)
			}
			if text, ok := r.Text(); !ok || text != "close" {
				t.Errorf("cached text = %q, %v", text, ok)
			}
		}
	}
}

func TestSemantic_nativeTier(t *testing.T) {
	lp := dbPath(t, "notes", 0.5)
	seedStore(t, lp.DBFile, lp.DBTable, []models.ChunkRecord{
		record("/a.md", 0, []float32{1, 0, 0}, nil),
		record("/b.md", 0, []float32{0, 0, 1}, nil),
	})
	mock := embedding.NewMockEmbedder(3)
	mock.Set("q", []float32{1, 0.2, 0})

	results, err := newTestEngine(mock).Semantic(context.Background(), []config.LogicalPath{lp}, "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Path != "/a.md" || results[0].Tier != models.TierNative {
		t.Errorf("results = %+v", results)
	}
}

func TestSemantic_legacyRowsUseFullScan(t *testing.T) {
	lp := dbPath(t, "old", 0.5)
	legacy := record("/legacy.md", 0, []float32{1, 1}, nil)
	legacy.Bucket = nil
	seedStore(t, lp.DBFile, lp.DBTable, []models.ChunkRecord{legacy})

	mock := embedding.NewMockEmbedder(2)
	mock.Set("q", []float32{1, 1})
	e := newTestEngine(mock, WithStoreOptions(storage.WithVectorIndex(false)))
	results, err := e.Semantic(context.Background(), []config.LogicalPath{lp}, "q")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Tier != models.TierFull {
		t.Errorf("results = %+v", results)
	}
}

func TestSemantic_tiersAgree(t *testing.T) {
	const dims = 8
	rng := rand.New(rand.NewSource(7))
	randomVector := func() []float32 {
		v := make([]float32, dims)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		return v
	}

	var recs []models.ChunkRecord
	for i := 0; i < 80; i++ {
		recs = append(recs, record(fmt.Sprintf("/doc%02d.md", i), i%3, randomVector(), nil))
	}
	query := randomVector()
	const threshold = 0.3

	q := vector.Normalize(query)
	var want []string
	for _, rec := range recs {
		score, err := vector.Dot(q, vector.Normalize(rec.Embedding))
		if err != nil {
			t.Fatal(err)
		}
		if score >= threshold {
			want = append(want, fmt.Sprintf("%s#%d", rec.Path, rec.Chunk))
		}
	}
	sort.Strings(want)
	if len(want) == 0 {
		t.Fatal("fixture produced no expected matches")
	}

	lp := dbPath(t, "random", threshold)
	seedStore(t, lp.DBFile, lp.DBTable, recs)
	mock := embedding.NewMockEmbedder(dims)
	mock.Set("q", query)
	paths := []config.LogicalPath{lp}
	ctx := context.Background()

	engines := map[string]*Engine{
		"native": newTestEngine(mock, WithTopK(len(recs))),
		"bucket": newTestEngine(mock, WithBucketRadius(vector.DefaultBucketDims),
			WithStoreOptions(storage.WithVectorIndex(false))),
	}
	for name, e := range engines {
		results, err := e.Semantic(ctx, paths, "q")
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got := keys(results); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("%s tier = %v, want %v", name, got, want)
		}
	}

	// A radius-1 bucket scan may miss matches but never returns one below threshold.
	narrow := newTestEngine(mock, WithStoreOptions(storage.WithVectorIndex(false)))
	results, err := narrow.Semantic(ctx, paths, "q")
	if err != nil {
		t.Fatal(err)
	}
	wanted := make(map[string]bool, len(want))
	for _, k := range want {
		wanted[k] = true
	}
	for _, k := range keys(results) {
		if !wanted[k] {
			t.Errorf("radius-1 result %s is not a true match", k)
		}
	}
}

func TestSemantic_fileSource(t *testing.T) {
	dir := t.TempDir()
	note := filepath.Join(dir, "today.md")
	if err := os.WriteFile(note, []byte("a note about gardening\n"), 0600); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "index.jsonl")
	if err := indexcache.WriteRecords(out, []models.ChunkRecord{
		{Path: note, Chunk: 0, Hash: "h", Embedding: []float32{0, 3}},
		{Path: filepath.Join(dir, "gone.md"), Chunk: 0, Hash: "g", Embedding: []float32{0, 1}},
		{Path: filepath.Join(dir, "other.md"), Chunk: 0, Hash: "o", Embedding: []float32{1, 0}},
	}); err != nil {
		t.Fatal(err)
	}
	lp := config.LogicalPath{Name: "garden", Out: out, Threshold: 0.9, Reader: config.ReaderText}

	mock := embedding.NewMockEmbedder(2)
	mock.Set("plants", []float32{0, 1})
	results, err := newTestEngine(mock).Semantic(context.Background(), []config.LogicalPath{lp}, "plants")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results {
		if r.Tier != models.TierBucket {
			t.Errorf("tier = %s", r.Tier)
		}
		text, ok := r.Text()
		switch r.Path {
		case note:
			if !ok || !strings.Contains(text, "gardening") || r.URL != "file://"+note {
				t.Errorf("note result = %+v, %q, %v", r, text, ok)
			}
		default:
			if ok {
				t.Errorf("missing file should not resolve text, got %q", text)
			}
		}
	}
}

func TestSemantic_queryEmbeddedOnce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.jsonl")
	lp := config.LogicalPath{Name: "empty", Out: out, Threshold: 0.5}
	mock := embedding.NewMockEmbedder(4)
	e := newTestEngine(mock)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.Semantic(ctx, []config.LogicalPath{lp}, "same question"); err != nil {
			t.Fatal(err)
		}
	}
	if mock.Calls() != 1 {
		t.Errorf("provider called %d times", mock.Calls())
	}
}

func TestSemantic_emptyQuery(t *testing.T) {
	e := newTestEngine(embedding.NewMockEmbedder(4))
	if _, err := e.Semantic(context.Background(), nil, "   "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestSemantic_openFailure(t *testing.T) {
	lp := config.LogicalPath{Name: "bad", DBFile: filepath.Join(t.TempDir(), "x.db"), DBTable: "bad table"}
	mock := embedding.NewMockEmbedder(2)
	if _, err := newTestEngine(mock).Semantic(context.Background(), []config.LogicalPath{lp}, "q"); !errors.Is(err, storage.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestLexical(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatal(err)
		}
		return path
	}
	fooFile := write("foo.md", "all about foo\n")
	plainFile := write("plain.md", "nothing to see\n")

	lp := dbPath(t, "notes", 0.5)
	seedStore(t, lp.DBFile, lp.DBTable, []models.ChunkRecord{
		record("/cached-bar.md", 0, []float32{1, 0}, models.String("a bar walks in")),
		record("/cached-none.md", 0, []float32{1, 0}, models.String("neither term")),
		record(fooFile, 0, []float32{1, 0}, nil),
		record(plainFile, 0, []float32{1, 0}, nil),
		record(filepath.Join(dir, "deleted.md"), 0, []float32{1, 0}, nil),
	})

	out := filepath.Join(dir, "file.jsonl")
	if err := indexcache.WriteRecords(out, []models.ChunkRecord{
		{Path: fooFile, Chunk: 0, Embedding: []float32{1}},
		{Path: plainFile, Chunk: 0, Embedding: []float32{1}},
	}); err != nil {
		t.Fatal(err)
	}
	filePath := config.LogicalPath{Name: "files", Out: out, Reader: config.ReaderText}

	e := newTestEngine(embedding.NewMockEmbedder(2))
	results, err := e.Lexical(context.Background(), []config.LogicalPath{lp, filePath}, []string{"foo", " bar ", "", "foo"})
	if err != nil {
		t.Fatal(err)
	}
	got := keys(results)
	want := []string{"/cached-bar.md#0", fooFile + "#0", fooFile + "#0"}
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("lexical = %v, want %v", got, want)
	}
	for _, r := range results {
		text, ok := r.Text()
		if !ok || !(strings.Contains(text, "foo") || strings.Contains(text, "bar")) {
			t.Errorf("result text = %q, %v", text, ok)
		}
		if r.Tier != models.TierLexical || r.Score != 1 {
			t.Errorf("result = %+v", r)
		}
	}
}

func TestLexical_noTerms(t *testing.T) {
	e := newTestEngine(embedding.NewMockEmbedder(2))
	results, err := e.Lexical(context.Background(), []config.LogicalPath{{Name: "x", Out: "/nonexistent"}}, []string{" ", ""})
	if err != nil || results != nil {
		t.Errorf("Lexical = %v, %v", results, err)
	}
}

func TestNormalizeTerms(t *testing.T) {
	got := NormalizeTerms([]string{" a", "b ", "", "a", "  ", "c"})
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("NormalizeTerms = %v", got)
	}
}

func TestRank(t *testing.T) {
	results := []models.Result{
		{Source: "b", Path: "/x", Score: 0.8},
		{Source: "a", Path: "/y", Score: 0.9},
		{Source: "a", Path: "/x", Score: 0.8},
		{Source: "a", Path: "/x", Chunk: 1, Score: 0.8},
	}
	got := Rank(results, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].Path != "/y" || got[1].Source != "a" || got[1].Chunk != 0 || got[2].Chunk != 1 {
		t.Errorf("Rank = %+v", got)
	}
	if len(Rank(nil, 5)) != 0 {
		t.Error("empty input")
	}
}

func TestStatus(t *testing.T) {
	lp := dbPath(t, "notes", 0.5)
	seedStore(t, lp.DBFile, lp.DBTable, []models.ChunkRecord{
		record("/a.md", 0, []float32{1, 0}, nil),
		record("/b.md", 0, []float32{0, 1}, nil),
	})
	out := filepath.Join(t.TempDir(), "f.jsonl")
	if err := indexcache.WriteRecords(out, []models.ChunkRecord{{Path: "/c.md", Embedding: []float32{1}}}); err != nil {
		t.Fatal(err)
	}
	file := config.LogicalPath{Name: "file", Out: out, Reader: config.ReaderNote}

	st, err := newTestEngine(embedding.NewMockEmbedder(2)).Status(context.Background(), []config.LogicalPath{lp, file})
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 2 {
		t.Fatalf("status = %+v", st)
	}
	if st[0].Rows != 2 || st[0].Dimension != 2 || st[0].DiskUsageBytes == 0 || st[0].Destination != lp.DBFile+"@notes" {
		t.Errorf("db status = %+v", st[0])
	}
	if st[1].Rows != 1 || st[1].VectorIndex || st[1].DiskUsageBytes == 0 || st[1].Reader != config.ReaderNote {
		t.Errorf("file status = %+v", st[1])
	}
}
