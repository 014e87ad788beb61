package models

// Tier names the search path that produced a semantic result.
type Tier string

const (
	// TierNative is the vector-index mirror's top-K search.
	TierNative Tier = "native"
	// TierBucket is the scan restricted to the query's neighbor buckets.
	TierBucket Tier = "bucket"
	// TierFull is the unfiltered linear scan.
	TierFull Tier = "full"
	// TierLexical marks literal substring matches.
	TierLexical Tier = "lexical"
)

// Result is a single retrieval hit. Results are not ranked; ordering beyond the
// threshold filter is left to the caller.
type Result struct {
	Source string  `json:"source"`
	ID     string  `json:"id"`
	URL    string  `json:"url"`
	Path   string  `json:"path"`
	Chunk  int     `json:"chunk"`
	Score  float64 `json:"score"`
	Tier   Tier    `json:"tier"`

	loader func() (string, bool)
}

// SetLoader installs the lazy text loader used by Text.
func (r *Result) SetLoader(fn func() (string, bool)) {
	r.loader = fn
}

// Text loads the chunk's text. The second value is false when the chunk can no
// longer be resolved (file removed, chunk index out of range).
func (r *Result) Text() (string, bool) {
	if r.loader == nil {
		return "", false
	}
	return r.loader()
}

// ResolvedResult is a Result with its text loaded, for output.
type ResolvedResult struct {
	Result
	Text string `json:"text,omitempty"`
}

// Resolve loads the text of each result. Unresolvable text is left empty.
func Resolve(results []Result) []ResolvedResult {
	out := make([]ResolvedResult, 0, len(results))
	for _, r := range results {
		text, _ := r.Text()
		out = append(out, ResolvedResult{Result: r, Text: text})
	}
	return out
}
