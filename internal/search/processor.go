package search

import (
	"errors"
	"strings"
)

// ErrEmptyQuery is returned for a semantic query with no text.
var ErrEmptyQuery = errors.New("query is empty")

// ProcessQuery trims query and rejects it when nothing is left.
func ProcessQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}
	return query, nil
}

// NormalizeTerms trims each term and drops empties and repeats, keeping first-seen order.
func NormalizeTerms(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
