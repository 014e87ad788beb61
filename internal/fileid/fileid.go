// Package fileid derives the stable identifiers attached to indexed chunks: the content hash
// that lets unchanged chunks skip re-embedding, and the short ID and URL shown with results.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ContentHash returns the hex SHA-256 of chunk text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ChunkID returns the last two segments of path, e.g. "notes/today.md".
func ChunkID(path string) string {
	var segs []string
	for _, s := range strings.Split(filepath.ToSlash(filepath.Clean(path)), "/") {
		if s != "" && s != "." {
			segs = append(segs, s)
		}
	}
	if len(segs) > 2 {
		segs = segs[len(segs)-2:]
	}
	return strings.Join(segs, "/")
}

// URL returns base followed by the file name without extension when base is set,
// and a file:// URL of path otherwise.
func URL(path, base string) string {
	if base == "" {
		return "file://" + path
	}
	name := filepath.Base(path)
	return base + strings.TrimSuffix(name, filepath.Ext(name))
}
