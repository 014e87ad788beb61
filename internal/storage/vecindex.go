package storage

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/vector"
)

// vecDriverName is a go-sqlite3 driver whose connections carry the vector SQL functions.
// Stores opened with the plain "sqlite3" driver probe as unavailable and skip the mirror.
const vecDriverName = "sqlite3_vec"

func init() {
	sql.Register(vecDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("vec_distance_l2", distanceL2, true); err != nil {
				return err
			}
			return conn.RegisterFunc("vec_from_json", blobFromJSON, true)
		},
	})
}

// distanceL2 compares two float32 blobs. Mismatched lengths fail the statement.
func distanceL2(a, b []byte) (float64, error) {
	return vector.L2Distance(vector.DecodeBlob(a), vector.DecodeBlob(b))
}

// blobFromJSON converts a stored JSON embedding into a normalized float32 blob.
func blobFromJSON(raw string) []byte {
	return vector.EncodeBlob(vector.Normalize(vector.DecodeJSON(raw)))
}

// vecIndex holds the mirror's capability flag. The flag starts unavailable, may be set once
// during Open, and afterwards only ever moves from available to unavailable.
type vecIndex struct {
	available atomic.Bool
}

// VectorIndexAvailable reports whether the native vector index mirror is in use.
func (s *SQLiteStore) VectorIndexAvailable() bool {
	return s.vec.available.Load()
}

func (s *SQLiteStore) disableVectorIndex(op string, err error) {
	if s.vec.available.CompareAndSwap(true, false) {
		s.logger.Warn("vector index disabled, falling back to bucket scan",
			zap.String("op", op), zap.Error(err))
	}
}

// initVectorIndex probes for the distance function and creates the mirror table. The mirror
// is rebuilt when the table is new or when a write marked it stale while it was unavailable.
// Every failure leaves the mirror disabled.
func (s *SQLiteStore) initVectorIndex(ctx context.Context) {
	var probe float64
	if err := s.db.QueryRowContext(ctx, `SELECT vec_distance_l2(x'', x'')`).Scan(&probe); err != nil {
		s.logger.Debug("vector index unavailable", zap.Error(err))
		return
	}
	var existed int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, s.table+"_vec",
	).Scan(&existed); err != nil {
		s.logger.Warn("vector index unavailable", zap.Error(err))
		return
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS `+s.names.vec+` (rowid INTEGER PRIMARY KEY, embedding BLOB NOT NULL)`,
	); err != nil {
		s.logger.Warn("vector index unavailable", zap.Error(err))
		return
	}
	stale, err := s.vectorStale(ctx)
	if err != nil {
		s.logger.Warn("vector index unavailable", zap.Error(err))
		return
	}
	s.vec.available.Store(true)
	if !stale && (existed > 0 || s.dim == 0) {
		return
	}
	if err := s.rebuildVectorIndex(ctx); err != nil {
		s.disableVectorIndex("rebuild", err)
		if err := s.markVectorStale(ctx, s.db); err != nil {
			s.logger.Warn("failed to mark vector index stale", zap.Error(err))
		}
	}
}

// vectorStale reports whether the mirror missed writes made while it was unavailable.
func (s *SQLiteStore) vectorStale(ctx context.Context) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+s.names.meta+` WHERE key = ?`, metaVectorStale,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return raw == "1", nil
}

// markVectorStale records that the chunk table changed without the mirror following. It runs
// on ex so the mark commits or rolls back with the write that caused it.
func (s *SQLiteStore) markVectorStale(ctx context.Context, ex execer) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+s.names.meta+` (key, value) VALUES (?, '1')`, metaVectorStale,
	)
	return err
}

// rebuildVectorIndex refills the mirror from the chunk table and clears the stale mark.
func (s *SQLiteStore) rebuildVectorIndex(ctx context.Context) error {
	s.logger.Info("rebuilding vector index", zap.Int("dim", s.dim))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.names.vec); err != nil {
		return err
	}
	if s.dim > 0 {
		// Rows of another dimension are left out; they are legacy data no query can match.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO `+s.names.vec+` (rowid, embedding)
			 SELECT rowid, vec_from_json(embedding) FROM `+s.names.chunks+`
			 WHERE length(vec_from_json(embedding)) = ?`,
			s.dim*4,
		); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM `+s.names.meta+` WHERE key = ?`, metaVectorStale,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// syncVector mirrors one upserted row, keyed by the chunk row's rowid. While the mirror is
// unavailable the write is recorded as a stale mark instead.
func (s *SQLiteStore) syncVector(ctx context.Context, ex execer, path string, chunk int, embedding []float32) error {
	if !s.vec.available.Load() {
		return s.markVectorStale(ctx, ex)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+s.names.vec+` (rowid, embedding)
		 SELECT rowid, ? FROM `+s.names.chunks+` WHERE path = ? AND chunk = ?`,
		vector.EncodeBlob(vector.Normalize(embedding)), path, chunk,
	)
	if err != nil {
		s.disableVectorIndex("sync", err)
		return s.markVectorStale(ctx, ex)
	}
	return nil
}

// deleteVectors removes mirror rows for the chunk rows matched by where.
func (s *SQLiteStore) deleteVectors(ctx context.Context, ex execer, where string, args []any) error {
	if !s.vec.available.Load() {
		return s.markVectorStale(ctx, ex)
	}
	_, err := ex.ExecContext(ctx,
		`DELETE FROM `+s.names.vec+` WHERE rowid IN (SELECT rowid FROM `+s.names.chunks+` WHERE `+where+`)`,
		args...,
	)
	if err != nil {
		s.disableVectorIndex("delete", err)
		return s.markVectorStale(ctx, ex)
	}
	return nil
}

// Nearest returns up to k records ordered by ascending L2 distance between their normalized
// embedding and the normalized query. It returns nothing when the mirror is unavailable,
// has no dimension yet, or query has a different dimension.
func (s *SQLiteStore) Nearest(ctx context.Context, query []float32, k int) ([]models.ChunkRecord, error) {
	if k <= 0 || !s.vec.available.Load() {
		return nil, nil
	}
	dim := s.Dimension()
	if dim == 0 || len(query) != dim {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.path, c.chunk, c.hash, c.embedding, c.bucket, c.text
		 FROM `+s.names.vec+` v JOIN `+s.names.chunks+` c ON c.rowid = v.rowid
		 ORDER BY vec_distance_l2(v.embedding, ?)
		 LIMIT ?`,
		vector.EncodeBlob(vector.Normalize(query)), k,
	)
	if err != nil {
		s.disableVectorIndex("search", err)
		return nil, nil
	}
	defer rows.Close()

	var out []models.ChunkRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			s.disableVectorIndex("search", err)
			return nil, nil
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		s.disableVectorIndex("search", err)
		return nil, nil
	}
	return out, nil
}
