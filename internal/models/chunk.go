// Package models defines core data structures for chunk records, retrieval results and duplicate clusters.
package models

// ChunkRecord is one indexed chunk of a source file. (Path, Chunk) is unique within a store.
type ChunkRecord struct {
	Path      string    `json:"path"`
	Chunk     int       `json:"chunk"`
	Hash      string    `json:"hash,omitempty"`
	Embedding []float32 `json:"embedding"`
	// Bucket is nil for legacy rows indexed before bucket keys existed.
	Bucket *int64 `json:"bucket,omitempty"`
	// Text is the cached chunk text, when the store keeps it.
	Text *string `json:"-"`
}

// HasText reports whether the record carries cached text.
func (r *ChunkRecord) HasText() bool {
	return r.Text != nil
}

// Int64 returns a pointer to v. Convenience for optional bucket values.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to s. Convenience for optional cached text.
func String(s string) *string {
	return &s
}
