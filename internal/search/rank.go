package search

import (
	"sort"

	"github.com/zhuochun/simple-rag/internal/models"
)

// Rank orders results by descending score for display, breaking ties by source, path and
// chunk. The input slice is sorted in place. A positive limit truncates the result.
func Rank(results []models.Result, limit int) []models.Result {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		return a.Chunk < b.Chunk
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
