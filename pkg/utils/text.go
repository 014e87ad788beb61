// Package utils provides shared utilities for text, math, and logging.
package utils

import "regexp"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Truncate returns s truncated to maxLen characters, with "..." appended if truncated.
// If maxLen is 0 or negative, returns s unchanged.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// IsIdentifier reports whether s is safe to splice into SQL as a table or index name:
// letters, digits and underscores, not starting with a digit.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}
