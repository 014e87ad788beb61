package search

import "strings"

// Highlight returns a preview of content of at most maxLen runes. When the first occurrence
// of any term falls outside the head, the preview starts a quarter window before it.
// Elided ends are marked "...".
// maxLen <= 0 returns content unchanged.
func Highlight(content string, terms []string, maxLen int) string {
	runes := []rune(content)
	if maxLen <= 0 || len(runes) <= maxLen {
		return content
	}
	start := 0
	if at := firstMatch(content, terms); at >= 0 {
		pos := len([]rune(content[:at]))
		if pos >= maxLen {
			start = pos - maxLen/4
		}
	}
	end := min(start+maxLen, len(runes))
	if end-start < maxLen {
		start = max(0, end-maxLen)
	}
	preview := string(runes[start:end])
	if start > 0 {
		preview = "..." + preview
	}
	if end < len(runes) {
		preview += "..."
	}
	return preview
}

func firstMatch(content string, terms []string) int {
	first := -1
	for _, t := range terms {
		if t == "" {
			continue
		}
		if i := strings.Index(content, t); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}
