// Package cli provides output formatting for the simple-rag command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/search"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to an OutputFormat.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputCompact, OutputJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

const snippetLen = 200

// WriteResults writes ranked results. terms selects the snippet window in text output; for
// semantic results it is usually the query's words.
func WriteResults(w io.Writer, results []models.ResolvedResult, terms []string, format OutputFormat) error {
	switch format {
	case OutputJSON:
		if results == nil {
			results = []models.ResolvedResult{}
		}
		return writeJSON(w, results)
	case OutputCompact:
		for _, r := range results {
			fmt.Fprintf(w, "%.4f\t%s\t%s\t%s\n", r.Score, r.Source, r.ID, r.URL)
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d results\n\n", len(results))
		for i, r := range results {
			fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "[%s] Rank: %d | Score: %.4f | Tier: %s\n", r.Source, i+1, r.Score, r.Tier)
			fmt.Fprintf(w, "ID: %s\n", r.ID)
			fmt.Fprintf(w, "URL: %s\n", r.URL)
			if r.Text != "" {
				fmt.Fprintf(w, "\n%s\n", search.Highlight(r.Text, terms, snippetLen))
			}
			fmt.Fprintln(w)
		}
		return nil
	}
}

// WriteClusters writes near-duplicate clusters.
func WriteClusters(w io.Writer, clusters []models.Cluster, format OutputFormat) error {
	if format == OutputJSON {
		if clusters == nil {
			clusters = []models.Cluster{}
		}
		return writeJSON(w, clusters)
	}
	fmt.Fprintf(w, "Found %d clusters\n", len(clusters))
	for i, c := range clusters {
		fmt.Fprintf(w, "\nCluster %d (%d chunks)\n", i+1, c.Size())
		for _, m := range c.Members {
			if format == OutputCompact {
				fmt.Fprintf(w, "  %s\t%s\n", m.Source, m.ID)
				continue
			}
			fmt.Fprintf(w, "  [%s] %s#%d %s\n", m.Source, m.ID, m.Chunk, m.URL)
			if m.Text != "" {
				fmt.Fprintf(w, "    %s\n", TruncateWords(strings.Join(strings.Fields(m.Text), " "), 24))
			}
		}
	}
	return nil
}

// WriteStatus writes per-source index status.
func WriteStatus(w io.Writer, status []search.PathStatus, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, status)
	}
	for _, st := range status {
		vec := "no"
		if st.VectorIndex {
			vec = fmt.Sprintf("yes (%d dims)", st.Dimension)
		}
		fmt.Fprintf(w, "%s\n", st.Name)
		fmt.Fprintf(w, "  Index:        %s\n", st.Destination)
		fmt.Fprintf(w, "  Reader:       %s\n", st.Reader)
		fmt.Fprintf(w, "  Chunks:       %d\n", st.Rows)
		fmt.Fprintf(w, "  Vector index: %s\n", vec)
		fmt.Fprintf(w, "  Disk usage:   %s\n", FormatBytes(st.DiskUsageBytes))
	}
	return nil
}

// WriteChunks prints the chunks a reader produced, separated by "---" lines.
func WriteChunks(w io.Writer, file string, chunks []string) {
	fmt.Fprintf(w, "Chunks of %s [%d]:\n", file, len(chunks))
	for _, c := range chunks {
		fmt.Fprintf(w, "%s\n---\n", c)
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
