package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/duplicate"
	"github.com/zhuochun/simple-rag/internal/embedding"
	"github.com/zhuochun/simple-rag/internal/indexcache"
	"github.com/zhuochun/simple-rag/internal/indexer"
	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/search"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// newTestServer serves a file-backed "notes" source with three indexed chunks and an
// unindexed "fresh" source.
func newTestServer(t *testing.T, watch WatchService) (*Server, config.LogicalPath) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "notes")
	alpha := filepath.Join(src, "alpha.md")
	beta := filepath.Join(src, "beta.md")
	gamma := filepath.Join(src, "gamma.md")
	writeFile(t, alpha, "alpha apples\n")
	writeFile(t, beta, "beta bananas\n")
	writeFile(t, gamma, "alpha apples again\n")

	notes := config.LogicalPath{
		Name:          "notes",
		Dir:           src,
		Out:           filepath.Join(dir, "notes.jsonl"),
		Threshold:     0.5,
		Reader:        config.ReaderText,
		URL:           "https://example.com/notes/",
		SearchDefault: true,
		Extensions:    []string{".md"},
	}
	recs := []models.ChunkRecord{
		{Path: alpha, Chunk: 0, Hash: "a", Embedding: []float32{1, 0, 0, 0}},
		{Path: beta, Chunk: 0, Hash: "b", Embedding: []float32{0, 1, 0, 0}},
		{Path: gamma, Chunk: 0, Hash: "c", Embedding: []float32{1, 0.01, 0, 0}},
	}
	if err := indexcache.WriteRecords(notes.Out, recs); err != nil {
		t.Fatal(err)
	}

	freshDir := filepath.Join(dir, "fresh")
	writeFile(t, filepath.Join(freshDir, "one.md"), "first fresh note\n")
	writeFile(t, filepath.Join(freshDir, "two.md"), "second fresh note\n")
	fresh := config.LogicalPath{
		Name:       "fresh",
		Dir:        freshDir,
		Out:        filepath.Join(dir, "fresh.jsonl"),
		Threshold:  0.5,
		Reader:     config.ReaderText,
		Extensions: []string{".md"},
	}

	mock := embedding.NewMockEmbedder(4)
	mock.Set("apples", []float32{1, 0, 0, 0})
	cache := indexcache.New(nil)
	engine := search.NewEngine(cache, mock)
	detector := duplicate.NewDetector(cache)
	idx := indexer.NewIndexer(mock)
	srv := NewServer(engine, detector, idx, []config.LogicalPath{notes, fresh},
		config.ServerConfig{Host: "localhost", Port: 8080}, zap.NewNop(), watch)
	return srv, notes
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandleSearch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Routes()

	w := do(t, h, http.MethodPost, "/api/v1/search", SearchRequest{Query: "apples", Limit: 1})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
	var out SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Total != 2 || len(out.Results) != 1 {
		t.Fatalf("total %d, results %d", out.Total, len(out.Results))
	}
	top := out.Results[0]
	if filepath.Base(top.Path) != "alpha.md" || top.Source != "notes" || top.ID != "notes/alpha.md" {
		t.Errorf("top = %+v", top.Result)
	}
	if top.URL != "https://example.com/notes/alpha" {
		t.Errorf("url = %q", top.URL)
	}
	if !strings.Contains(top.Text, "alpha apples") {
		t.Errorf("text = %q", top.Text)
	}
}

func TestHandleSearch_badRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Routes()
	tests := []struct {
		name string
		path string
		body interface{}
	}{
		{"invalid body", "/api/v1/search", "{"},
		{"empty query", "/api/v1/search", SearchRequest{Query: "   "}},
		{"unknown path", "/api/v1/search", SearchRequest{Query: "apples", Paths: []string{"nope"}}},
		{"grep without terms", "/api/v1/grep", GrepRequest{Terms: []string{" ", ""}}},
		{"grep invalid body", "/api/v1/grep", "not json"},
		{"index unknown path", "/api/v1/index", IndexRequest{Paths: []string{"nope"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodPost, tt.path, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400", w.Code)
			}
			var out map[string]string
			if err := json.NewDecoder(w.Body).Decode(&out); err != nil || out["error"] == "" {
				t.Errorf("error body = %v, %v", out, err)
			}
		})
	}
}

func TestHandleGrep(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := do(t, srv.Routes(), http.MethodPost, "/api/v1/grep", GrepRequest{Terms: []string{"bananas"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var out SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Results) != 1 || filepath.Base(out.Results[0].Path) != "beta.md" {
		t.Fatalf("results = %+v", out.Results)
	}
	if out.Results[0].Tier != models.TierLexical || out.Results[0].Score != 1 {
		t.Errorf("result = %+v", out.Results[0].Result)
	}
}

func TestHandleDuplicates(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := do(t, srv.Routes(), http.MethodGet, "/api/v1/duplicates?path=notes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var out DuplicatesResponse
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Count != 1 || out.Clusters[0].Size() != 2 {
		t.Fatalf("clusters = %+v", out.Clusters)
	}
	names := []string{filepath.Base(out.Clusters[0].Members[0].Path), filepath.Base(out.Clusters[0].Members[1].Path)}
	if strings.Join(names, ",") != "alpha.md,gamma.md" && strings.Join(names, ",") != "gamma.md,alpha.md" {
		t.Errorf("members = %v", names)
	}

	w = do(t, srv.Routes(), http.MethodGet, "/api/v1/duplicates?path=nope", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown path status: got %d", w.Code)
	}
}

func TestHandleIndex(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := do(t, srv.Routes(), http.MethodPost, "/api/v1/index", IndexRequest{Paths: []string{"fresh"}})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var out map[string]indexer.Stats
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if got := out["fresh"]; got.Files != 2 || got.Chunks != 2 || got.Embedded != 2 {
		t.Errorf("stats = %+v", got)
	}
	if _, ok := out["notes"]; ok {
		t.Error("only the named path should be indexed")
	}
}

func TestHandlePathsAndStatus(t *testing.T) {
	srv, notes := newTestServer(t, nil)
	h := srv.Routes()

	w := do(t, h, http.MethodGet, "/api/v1/paths", nil)
	var paths []PathInfo
	if err := json.NewDecoder(w.Body).Decode(&paths); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0].Name != "notes" || !paths[0].SearchDefault || paths[1].SearchDefault {
		t.Errorf("paths = %+v", paths)
	}
	if paths[0].Destination != notes.Out {
		t.Errorf("destination = %q", paths[0].Destination)
	}

	w = do(t, h, http.MethodGet, "/api/v1/status?path=notes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", w.Code, w.Body.String())
	}
	var status []search.PathStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if len(status) != 1 || status[0].Rows != 3 || status[0].DiskUsageBytes <= 0 || status[0].VectorIndex {
		t.Errorf("status = %+v", status)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if got := w.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}
}

func TestHandleWatchDirectoriesList(t *testing.T) {
	srv, _ := newTestServer(t, &mockWatchService{dirs: []string{"/tmp/docs"}})
	w := do(t, srv.Routes(), http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	var out struct {
		Directories []string `json:"directories"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Directories) != 1 || out.Directories[0] != "/tmp/docs" {
		t.Errorf("directories: got %v", out.Directories)
	}
}

func TestHandleWatchDirectoriesList_NotEnabled(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	w := do(t, srv.Routes(), http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d, want 501", w.Code)
	}
}

func TestGetRequestID_unknown(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := GetRequestID(r.Context()); got != "unknown" {
		t.Errorf("GetRequestID = %q", got)
	}
}
