package reader

import (
	"strings"
	"testing"
)

func TestJournalReader(t *testing.T) {
	path := writeFile(t, "2024-01.md", strings.Join([]string{
		"# January",
		"before any section",
		"## Monday",
		"Read [the paper](https://example.com/p) today.",
		"",
		"  <img src=\"x.png\">",
		"Wrote notes.",
		"## 精力 check",
		"tired",
		"very tired",
		"## Tuesday",
		"only one line",
		"## Wednesday",
		"line one",
		"line two",
	}, "\n"))
	r := NewJournalReader(path)
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	monday, _ := r.Chunk(0)
	if monday != "## Monday\nRead the paper today.\nWrote notes." {
		t.Errorf("monday = %q", monday)
	}
	wednesday, _ := r.Chunk(1)
	if wednesday != "## Wednesday\nline one\nline two" {
		t.Errorf("wednesday = %q", wednesday)
	}
}

func TestJournalReader_customSkip(t *testing.T) {
	path := writeFile(t, "j.md", "## Work\na\nb\n## Home\nc\nd\n")
	r := NewJournalReader(path)
	r.SkipHeadings = []string{"Work"}
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
	if c, _ := r.Chunk(0); !strings.HasPrefix(c, "## Home") {
		t.Errorf("chunk = %q", c)
	}
}
