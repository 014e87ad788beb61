package reader

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// DocumentReader chunks binary documents. Each page, sheet or slide is a section; sections are
// split further by token budget but never merged. Files with other extensions are read as
// plain text.
type DocumentReader struct {
	chunks
	file string

	// MaxTokens is the per-chunk budget; DefaultMaxTokens when zero.
	MaxTokens int
}

// NewDocumentReader returns an unloaded DocumentReader.
func NewDocumentReader(file string) *DocumentReader {
	return &DocumentReader{file: file}
}

// Load extracts and chunks the document.
func (r *DocumentReader) Load() error {
	if r.loaded {
		return nil
	}
	content, err := os.ReadFile(r.file)
	if errors.Is(err, os.ErrNotExist) {
		r.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", r.file, err)
	}
	sections, err := extractSections(content, strings.ToLower(filepath.Ext(r.file)))
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", r.file, err)
	}
	var out []string
	for _, section := range sections {
		sp := newSplitter(r.MaxTokens)
		for _, line := range strings.SplitAfter(section, "\n") {
			if line != "" {
				sp.add(line)
			}
		}
		out = append(out, sp.finish()...)
	}
	r.items = out
	r.loaded = true
	return nil
}

func extractSections(content []byte, ext string) ([]string, error) {
	switch ext {
	case ".pdf":
		return pdfPages(content)
	case ".xlsx":
		return excelSheets(content)
	case ".docx":
		return docxBody(content)
	case ".pptx":
		return pptxSlides(content)
	case ".odp":
		return openDocumentParts(content, "</draw:page>")
	case ".ods":
		return openDocumentParts(content, "</table:table>")
	default:
		return []string{plainText(content)}, nil
	}
}

func plainText(content []byte) string {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�")
	}
	return string(content)
}

func pdfPages(content []byte) ([]string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}

func excelSheets(content []byte) ([]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("open Excel: %w", err)
	}
	defer f.Close()

	var sheets []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("get rows for sheet %q: %w", sheet, err)
		}
		var b strings.Builder
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		sheets = append(sheets, b.String())
	}
	return sheets, nil
}
