// Package reader splits source files into the chunks that get embedded and indexed.
// A Reader loads a file once and serves chunks by index; a missing file has no chunks.
package reader

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

// Kinds.
const (
	KindText     = "text"
	KindNote     = "note"
	KindJournal  = "journal"
	KindDocument = "document"
)

// DefaultMaxTokens is the token budget of one text chunk.
const DefaultMaxTokens = 6000

// ErrUnknownKind is returned by New for an unsupported reader kind.
var ErrUnknownKind = errors.New("unknown reader kind")

// Reader serves the chunks of one file.
type Reader interface {
	// Load parses the file. It is idempotent; a missing file loads as zero chunks.
	Load() error
	// Chunk returns chunk i. Negative indexes count from the end.
	Chunk(i int) (string, bool)
	// Len returns the number of chunks. It is zero before Load.
	Len() int
}

// New returns an unloaded reader of kind for file.
func New(kind, file string) (Reader, error) {
	switch strings.ToLower(kind) {
	case KindText:
		return NewTextReader(file), nil
	case KindNote:
		return NewNoteReader(file), nil
	case KindJournal:
		return NewJournalReader(file), nil
	case KindDocument:
		return NewDocumentReader(file), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Kinds returns the supported reader kinds.
func Kinds() []string {
	return []string{KindText, KindNote, KindJournal, KindDocument}
}

var tokenPattern = regexp.MustCompile(`\p{Han}|[\p{L}\p{N}]+|[^\s]`)

// CountTokens approximates a model token count: each Han character, each run of letters or
// digits, and each other non-space character counts as one.
func CountTokens(s string) int {
	if s == "" {
		return 0
	}
	return len(tokenPattern.FindAllStringIndex(s, -1))
}

// chunks is the loaded state shared by every reader.
type chunks struct {
	loaded bool
	items  []string
}

func (c *chunks) Chunk(i int) (string, bool) {
	n := len(c.items)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return "", false
	}
	return c.items[i], true
}

func (c *chunks) Len() int { return len(c.items) }

// eachLine calls fn for every line of file, line terminator included. A missing file
// reports found=false and no error.
func eachLine(file string, fn func(line string)) (found bool, err error) {
	f, err := os.Open(file)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			fn(line)
		}
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return true, fmt.Errorf("failed to read %s: %w", file, err)
		}
	}
}

// chomp drops one trailing line terminator.
func chomp(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

// splitter accumulates lines into chunks of about limit tokens, cutting at the last blank
// line (or explicit boundary) when one exists.
type splitter struct {
	limit    int
	lines    []string
	boundary int
	tokens   int
	out      []string
}

func newSplitter(limit int) *splitter {
	if limit <= 0 {
		limit = DefaultMaxTokens
	}
	return &splitter{limit: limit}
}

func (s *splitter) add(line string) {
	stripped := strings.TrimSpace(line)
	s.lines = append(s.lines, line)
	s.tokens += CountTokens(stripped)
	if stripped == "" {
		s.boundary = len(s.lines)
	}
	if s.tokens < s.limit {
		return
	}
	at := s.boundary
	if at == 0 {
		at = len(s.lines)
	}
	s.emit(s.lines[:at])
	s.lines = append([]string(nil), s.lines[at:]...)
	s.tokens = 0
	for _, l := range s.lines {
		s.tokens += CountTokens(strings.TrimSpace(l))
	}
	s.boundary = 0
}

// mark records a split point without adding a line.
func (s *splitter) mark() {
	s.boundary = len(s.lines)
}

func (s *splitter) emit(lines []string) {
	text := strings.Join(lines, "")
	if strings.TrimSpace(text) != "" {
		s.out = append(s.out, text)
	}
}

func (s *splitter) finish() []string {
	if len(s.lines) > 0 {
		s.emit(s.lines)
		s.lines = nil
	}
	return s.out
}
