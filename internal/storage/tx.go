package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zhuochun/simple-rag/internal/models"
)

// Tx groups store mutations that commit or roll back together.
// Inside WithinTx, use only the Tx methods; the store's own methods would wait on the
// connection the transaction holds.
type Tx struct {
	s  *SQLiteStore
	tx *sql.Tx
}

// WithinTx runs fn in a transaction. It commits when fn returns nil and rolls back
// everything fn did when fn returns an error or panics.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx *Tx) error) error {
	prevDim := s.Dimension()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			s.restoreDimension(prevDim)
		}
	}()

	if err := fn(&Tx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// restoreDimension forgets a dimension learned inside a rolled-back transaction.
func (s *SQLiteStore) restoreDimension(dim int) {
	s.mu.Lock()
	s.dim = dim
	s.mu.Unlock()
}

// Upsert inserts rec or overwrites the stored record with the same (path, chunk).
func (t *Tx) Upsert(ctx context.Context, rec models.ChunkRecord) error {
	return t.s.upsert(ctx, t.tx, rec)
}

// DeleteStaleChunks removes chunks of path whose index is not in valid.
func (t *Tx) DeleteStaleChunks(ctx context.Context, path string, valid []int) error {
	return t.s.deleteStaleChunks(ctx, t.tx, path, valid)
}

// DeleteStalePaths removes every record whose path is not in valid.
func (t *Tx) DeleteStalePaths(ctx context.Context, valid []string) error {
	return t.s.deleteStalePaths(ctx, t.tx, valid)
}

// DeletePath removes every chunk of path.
func (t *Tx) DeletePath(ctx context.Context, path string) error {
	return t.s.deleteStaleChunks(ctx, t.tx, path, nil)
}

// DeletePathPrefix removes every record whose path starts with prefix.
func (t *Tx) DeletePathPrefix(ctx context.Context, prefix string) error {
	return t.s.deletePathPrefix(ctx, t.tx, prefix)
}
