package reader

import "strings"

// TextReader chunks markdown or plain text by token budget, preferring blank-line cuts.
// Leading frontmatter, property lines ("- key: value"), wiki-link list items and HTML lines
// are not indexed. A later "---" rule is a preferred cut point.
type TextReader struct {
	chunks
	file string

	// MaxTokens is the per-chunk budget; DefaultMaxTokens when zero.
	MaxTokens int
}

// NewTextReader returns an unloaded TextReader.
func NewTextReader(file string) *TextReader {
	return &TextReader{file: file}
}

// Load parses the file.
func (r *TextReader) Load() error {
	if r.loaded {
		return nil
	}
	sp := newSplitter(r.MaxTokens)
	first := true
	inFrontmatter := false
	_, err := eachLine(r.file, func(line string) {
		stripped := strings.TrimSpace(line)
		atStart := first
		first = false

		switch {
		case inFrontmatter:
			if stripped == "---" || stripped == "..." {
				inFrontmatter = false
			}
			return
		case atStart && stripped == "---":
			inFrontmatter = true
			return
		case strings.HasPrefix(line, "- ") && strings.Contains(line, ":"),
			strings.HasPrefix(line, "  - [["),
			strings.HasPrefix(line, "<"):
			return
		case stripped == "---":
			sp.mark()
			return
		}
		sp.add(line)
	})
	if err != nil {
		return err
	}
	r.items = sp.finish()
	r.loaded = true
	return nil
}
