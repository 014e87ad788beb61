package indexer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ListFiles walks dir recursively and returns the absolute paths of regular files whose
// extension is in allowedExts (every file when allowedExts is empty), in lexical order.
// Hidden directories below dir are skipped.
func ListFiles(dir string, allowedExts []string) ([]string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var files []string
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Indexable(path, allowedExts) {
			return nil
		}
		// Resolve symlinks so we only index regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", absDir, err)
	}
	return files, nil
}

// Indexable reports whether path has one of allowedExts. Empty allowedExts allows everything.
func Indexable(path string, allowedExts []string) bool {
	return len(allowedExts) == 0 || extensionAllowed(filepath.Ext(path), allowedExts)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
