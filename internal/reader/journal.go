package reader

import (
	"regexp"
	"strings"
)

// DefaultSkipHeadings are journal sections that are never indexed.
var DefaultSkipHeadings = []string{"精力", "感恩"}

var markdownLink = regexp.MustCompile(`\[([^\]]+)\]\(([^\)]+)\)`)

const minJournalLines = 3

// JournalReader chunks a journal by "## " sections. Text before the first section, empty
// lines and HTML lines are dropped, markdown links are reduced to their text, and sections
// shorter than three lines or under a skipped heading are not indexed.
type JournalReader struct {
	chunks
	file string

	// SkipHeadings overrides DefaultSkipHeadings when non-nil.
	SkipHeadings []string
}

// NewJournalReader returns an unloaded JournalReader.
func NewJournalReader(file string) *JournalReader {
	return &JournalReader{file: file}
}

// Load parses the file.
func (r *JournalReader) Load() error {
	if r.loaded {
		return nil
	}
	skip := r.SkipHeadings
	if skip == nil {
		skip = DefaultSkipHeadings
	}

	var (
		started bool
		heading string
		lines   []string
		out     []string
	)
	push := func() {
		for _, k := range skip {
			if strings.Contains(heading, k) {
				return
			}
		}
		if len(lines) >= minJournalLines {
			out = append(out, strings.Join(lines, "\n"))
		}
	}

	_, err := eachLine(r.file, func(raw string) {
		line := chomp(raw)
		if strings.TrimSpace(line) == "" {
			return
		}
		if strings.HasPrefix(line, "## ") {
			if started {
				push()
			}
			started = true
			heading = strings.TrimSpace(line[3:])
			lines = []string{cleanLine(line)}
			return
		}
		if !started || strings.HasPrefix(strings.TrimLeft(line, " \t"), "<") {
			return
		}
		lines = append(lines, cleanLine(line))
	})
	if err != nil {
		return err
	}
	if started {
		push()
	}
	r.items = out
	r.loaded = true
	return nil
}

func cleanLine(line string) string {
	return markdownLink.ReplaceAllString(line, "$1")
}
