package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/search"
)

func sampleResults() []models.ResolvedResult {
	return []models.ResolvedResult{
		{
			Result: models.Result{Source: "notes", ID: "notes/a.md", URL: "https://x/a", Path: "/n/notes/a.md", Score: 0.91, Tier: models.TierBucket},
			Text:   "the quick brown fox",
		},
		{
			Result: models.Result{Source: "journal", ID: "2024/05.md", URL: "file:///j/2024/05.md", Path: "/j/2024/05.md", Chunk: 2, Score: 0.8, Tier: models.TierFull},
		},
	}
}

func TestParseOutputFormat(t *testing.T) {
	for _, s := range []string{"text", "compact", "json"} {
		if got, err := ParseOutputFormat(s); err != nil || string(got) != s {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", s, got, err)
		}
	}
	if _, err := ParseOutputFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestWriteResults_JSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResults(&buf, sampleResults(), nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	var decoded []struct {
		Source string  `json:"source"`
		ID     string  `json:"id"`
		Score  float64 `json:"score"`
		Tier   string  `json:"tier"`
		Text   string  `json:"text"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if len(decoded) != 2 || decoded[0].ID != "notes/a.md" || decoded[0].Text != "the quick brown fox" || decoded[0].Tier != "bucket" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded[1].Text != "" {
		t.Errorf("unresolved text should be empty, got %q", decoded[1].Text)
	}
}

func TestWriteResults_JSON_empty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResults(&buf, nil, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty results = %q, want []", buf.String())
	}
}

func TestWriteResults_text(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResults(&buf, sampleResults(), []string{"fox"}, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Found 2 results", "[notes] Rank: 1 | Score: 0.9100 | Tier: bucket", "URL: https://x/a", "quick brown fox", "[journal] Rank: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteResults_compact(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResults(&buf, sampleResults(), nil, OutputCompact); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "0.9100\tnotes\tnotes/a.md\thttps://x/a" {
		t.Errorf("compact = %q", lines)
	}
}

func TestWriteClusters(t *testing.T) {
	clusters := []models.Cluster{{Members: []models.ClusterMember{
		{Source: "notes", ID: "notes/a.md", Path: "/n/a.md", Text: "same   text\nhere"},
		{Source: "notes", ID: "notes/b.md", Path: "/n/b.md", Chunk: 1},
	}}}

	var buf bytes.Buffer
	if err := WriteClusters(&buf, clusters, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Found 1 clusters", "Cluster 1 (2 chunks)", "[notes] notes/b.md#1", "same text here"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := WriteClusters(&buf, nil, OutputJSON); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("empty clusters = %q", buf.String())
	}
}

func TestWriteStatus(t *testing.T) {
	status := []search.PathStatus{
		{Name: "notes", Destination: "/d/index.db@notes", Reader: "note", Rows: 12, VectorIndex: true, Dimension: 384, DiskUsageBytes: 2048},
		{Name: "journal", Destination: "/d/journal.jsonl", Reader: "journal", Rows: 3, DiskUsageBytes: 10},
	}
	var buf bytes.Buffer
	if err := WriteStatus(&buf, status, OutputText); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"notes\n", "Chunks:       12", "yes (384 dims)", "2.0 KiB", "Vector index: no", "10 B"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteChunks(t *testing.T) {
	var buf bytes.Buffer
	WriteChunks(&buf, "a.md", []string{"one", "two"})
	if got := buf.String(); got != "Chunks of a.md [2]:\none\n---\ntwo\n---\n" {
		t.Errorf("WriteChunks = %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		s      string
		maxLen int
		want   string
	}{
		{"empty", "", 5, ""},
		{"short", "hi", 5, "hi"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"multibyte", "日本語テキスト", 3, "日本語..."},
		{"maxLen zero", "ab", 0, "ab"},
		{"maxLen negative", "ab", -1, "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.s, tt.maxLen)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		name     string
		s        string
		maxWords int
		want     string
	}{
		{"empty", "", 3, ""},
		{"few words", "one two", 3, "one two"},
		{"exact", "one two three", 3, "one two three"},
		{"more", "one two three four", 3, "one two three..."},
		{"single long", "word", 1, "word"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateWords(tt.s, tt.maxWords)
			if got != tt.want {
				t.Errorf("TruncateWords(%q, %d) = %q, want %q", tt.s, tt.maxWords, got, tt.want)
			}
		})
	}
}
