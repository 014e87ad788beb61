package reader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	contentTypesPath     = "[Content_Types].xml"
	docxDefaultBodyPath  = "word/document.xml"
	docxMainContentType  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"
	pptxSlidePrefix      = "ppt/slides/slide"
	openDocumentBodyPath = "content.xml"
)

var (
	wordText  = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	slideText = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
	odfText   = regexp.MustCompile(`<text:(?:p|h|span)[^>]*>([^<]*)</text:(?:p|h|span)>`)

	// The main document part may be declared with either attribute first.
	docxPartName = []*regexp.Regexp{
		regexp.MustCompile(`<Override[^>]+PartName="([^"]+)"[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"`),
		regexp.MustCompile(`<Override[^>]+ContentType="` + regexp.QuoteMeta(docxMainContentType) + `"[^>]+PartName="([^"]+)"`),
	}
)

func openZip(content []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("not a zip: %w", err)
	}
	return zr, nil
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", f.Name, err)
	}
	return string(b), nil
}

func findZipFile(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// docxBody returns the document as one section with one line per paragraph. Runs inside a
// paragraph are concatenated.
func docxBody(content []byte) ([]string, error) {
	zr, err := openZip(content)
	if err != nil {
		return nil, err
	}
	bodyPath := docxDefaultBodyPath
	if ct := findZipFile(zr, contentTypesPath); ct != nil {
		if types, err := readZipFile(ct); err == nil {
			for _, re := range docxPartName {
				if m := re.FindStringSubmatch(types); m != nil {
					bodyPath = strings.TrimPrefix(m[1], "/")
					break
				}
			}
		}
	}
	f := findZipFile(zr, bodyPath)
	if f == nil {
		return nil, fmt.Errorf("%s not found", bodyPath)
	}
	body, err := readZipFile(f)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, para := range strings.Split(body, "</w:p>") {
		var line strings.Builder
		for _, m := range wordText.FindAllStringSubmatch(para, -1) {
			line.WriteString(m[1])
		}
		if text := strings.TrimSpace(line.String()); text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	return []string{b.String()}, nil
}

// pptxSlides returns one section per slide in slide-number order.
func pptxSlides(content []byte) ([]string, error) {
	zr, err := openZip(content)
	if err != nil {
		return nil, err
	}
	type slide struct {
		n    int
		text string
	}
	var slides []slide
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, pptxSlidePrefix) || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(f.Name, pptxSlidePrefix), ".xml"))
		if err != nil {
			continue
		}
		xml, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, m := range slideText.FindAllStringSubmatch(xml, -1) {
			if text := strings.TrimSpace(m[1]); text != "" {
				b.WriteString(text)
				b.WriteByte('\n')
			}
		}
		slides = append(slides, slide{n: n, text: b.String()})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })
	out := make([]string, len(slides))
	for i, s := range slides {
		out[i] = s.text
	}
	return out, nil
}

// openDocumentParts splits an OpenDocument content.xml at sep (one page or one table) and
// returns the text elements of each part, one per line.
func openDocumentParts(content []byte, sep string) ([]string, error) {
	zr, err := openZip(content)
	if err != nil {
		return nil, err
	}
	f := findZipFile(zr, openDocumentBodyPath)
	if f == nil {
		return nil, fmt.Errorf("%s not found", openDocumentBodyPath)
	}
	xml, err := readZipFile(f)
	if err != nil {
		return nil, err
	}
	var parts []string
	for _, part := range strings.Split(xml, sep) {
		var b strings.Builder
		for _, m := range odfText.FindAllStringSubmatch(part, -1) {
			if text := strings.TrimSpace(m[1]); text != "" {
				b.WriteString(text)
				b.WriteByte('\n')
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	return parts, nil
}
