package search

import (
	"context"
	"fmt"

	"github.com/zhuochun/simple-rag/internal/config"
	"github.com/zhuochun/simple-rag/internal/storage"
)

// PathStatus describes the index of one source.
type PathStatus struct {
	Name           string `json:"name"`
	Destination    string `json:"destination"`
	Reader         string `json:"reader"`
	Rows           int64  `json:"rows"`
	VectorIndex    bool   `json:"vector_index"`
	Dimension      int    `json:"dimension,omitempty"`
	DiskUsageBytes int64  `json:"disk_usage_bytes"`
}

// Status reports row counts and index state for paths.
func (e *Engine) Status(ctx context.Context, paths []config.LogicalPath) ([]PathStatus, error) {
	out := make([]PathStatus, 0, len(paths))
	err := storage.WithPool(e.logger, func(pool *storage.Pool) error {
		for _, lp := range paths {
			st := PathStatus{Name: lp.Name, Destination: lp.Destination(), Reader: lp.Reader}
			src, err := e.cache.Source(ctx, pool, lp)
			if err != nil {
				return err
			}
			if st.Rows, err = src.RowCount(ctx); err != nil {
				return fmt.Errorf("failed to count rows of %s: %w", lp.Name, err)
			}
			files := []string{lp.Out}
			if store, ok := src.(*storage.SQLiteStore); ok {
				st.VectorIndex = store.VectorIndexAvailable()
				st.Dimension = store.Dimension()
				files = storage.StoreFiles(lp.DBFile)
			}
			if st.DiskUsageBytes, err = storage.DiskUsageBytes(files...); err != nil {
				return fmt.Errorf("failed to measure %s: %w", lp.Name, err)
			}
			out = append(out, st)
		}
		return nil
	}, e.storeOpts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}
