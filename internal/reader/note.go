package reader

import (
	"regexp"
	"strings"
)

var (
	noteHeader = regexp.MustCompile(`^## (.+?) \[(.+?)\]$`)
	noteStatus = regexp.MustCompile(`^- \[([ xX])\] `)
)

// Note is one "## Title [Source]" section of a notes file.
type Note struct {
	Title  string
	Source string
	Line   int
	Body   []string
	Done   bool
}

// NoteReader reads reading-list files made of "## Title [Source]" sections, each carrying a
// "- [x] link" status line. Only finished notes become chunks; status lines and blank lines
// are not part of a chunk.
type NoteReader struct {
	chunks
	file  string
	notes []Note
}

// NewNoteReader returns an unloaded NoteReader.
func NewNoteReader(file string) *NoteReader {
	return &NoteReader{file: file}
}

// Load parses the file.
func (r *NoteReader) Load() error {
	if r.loaded {
		return nil
	}
	var (
		notes  []Note
		cur    *Note
		lineno int
	)
	_, err := eachLine(r.file, func(raw string) {
		lineno++
		line := chomp(raw)
		if m := noteHeader.FindStringSubmatch(line); m != nil {
			if cur != nil {
				notes = append(notes, *cur)
			}
			cur = &Note{Title: m[1], Source: m[2], Line: lineno, Body: []string{line}}
			return
		}
		if cur == nil {
			return
		}
		if m := noteStatus.FindStringSubmatch(line); m != nil {
			cur.Done = m[1] != " "
			return
		}
		if strings.TrimSpace(line) != "" {
			cur.Body = append(cur.Body, line)
		}
	})
	if err != nil {
		return err
	}
	if cur != nil {
		notes = append(notes, *cur)
	}

	r.notes = notes
	for _, n := range notes {
		if n.Done {
			r.items = append(r.items, strings.Join(n.Body, "\n"))
		}
	}
	r.loaded = true
	return nil
}

// Notes returns every parsed note, finished or not.
func (r *NoteReader) Notes() []Note {
	return r.notes
}
