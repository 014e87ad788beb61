package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/zhuochun/simple-rag/internal/models"
	"github.com/zhuochun/simple-rag/internal/vector"
	"github.com/zhuochun/simple-rag/pkg/utils"
)

const (
	chunkDeleteBatch = 200
	pathDeleteBatch  = 100
	bucketQueryBatch = 500

	metaVectorDim   = "vector_dim"
	metaVectorStale = "vector_stale"
)

// execer is the statement surface shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a ChunkStore backed by one table of a SQLite database.
// A handle serves one writer; callers must not share a table across processes for writing.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	table  string
	names  tableNames
	logger *zap.Logger

	mu  sync.Mutex
	dim int

	vec vecIndex
}

type tableNames struct {
	chunks    string
	meta      string
	vec       string
	hashIdx   string
	bucketIdx string
	pathIdx   string
}

func newTableNames(table string) tableNames {
	return tableNames{
		chunks:    quote(table),
		meta:      quote(table + "_meta"),
		vec:       quote(table + "_vec"),
		hashIdx:   quote(table + "_hash_idx"),
		bucketIdx: quote(table + "_bucket_idx"),
		pathIdx:   quote(table + "_path_idx"),
	}
}

func quote(identifier string) string {
	return `"` + identifier + `"`
}

// Option configures a SQLiteStore.
type Option func(*options)

type options struct {
	logger      *zap.Logger
	vectorIndex bool
}

// WithLogger sets a logger for store events (vector index degradation, rebuilds).
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithVectorIndex enables or disables the native vector index mirror. Enabled by default.
func WithVectorIndex(enabled bool) Option {
	return func(o *options) { o.vectorIndex = enabled }
}

// Open opens or creates the chunk table named table in the SQLite database at dbFile.
// Parent directories are created if they do not exist. The table name must be a plain
// identifier; anything else is rejected with a *ValidationError.
func Open(ctx context.Context, dbFile, table string, opts ...Option) (*SQLiteStore, error) {
	if !utils.IsIdentifier(table) {
		return nil, &ValidationError{
			Field:  "table",
			Value:  table,
			Reason: "use letters, digits and underscores only, starting with a letter or underscore",
		}
	}
	if dbFile == "" {
		return nil, &ValidationError{Field: "database path", Reason: "must not be empty"}
	}
	o := options{logger: zap.NewNop(), vectorIndex: true}
	for _, opt := range opts {
		opt(&o)
	}

	if dbFile != ":memory:" {
		if dir := filepath.Dir(dbFile); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	driver := "sqlite3"
	if o.vectorIndex {
		driver = vecDriverName
	}
	db, err := sql.Open(driver, dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection per handle: keeps ":memory:" databases coherent and writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		path:   dbFile,
		table:  table,
		names:  newTableNames(table),
		logger: o.logger.With(zap.String("db", dbFile), zap.String("table", table)),
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadDimension(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load vector dimension: %w", err)
	}
	s.initVectorIndex(ctx)
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	n := s.names
	schema := []string{
		`CREATE TABLE IF NOT EXISTS ` + n.chunks + ` (
			path TEXT NOT NULL,
			chunk INTEGER NOT NULL,
			hash TEXT NOT NULL,
			embedding TEXT NOT NULL,
			bucket INTEGER,
			text TEXT,
			PRIMARY KEY(path, chunk)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + n.hashIdx + ` ON ` + n.chunks + `(hash)`,
		`CREATE INDEX IF NOT EXISTS ` + n.bucketIdx + ` ON ` + n.chunks + `(bucket)`,
		`CREATE INDEX IF NOT EXISTS ` + n.pathIdx + ` ON ` + n.chunks + `(path)`,
		`CREATE TABLE IF NOT EXISTS ` + n.meta + ` (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// loadDimension reads the persisted vector dimension, or learns it from an existing row.
func (s *SQLiteStore) loadDimension(ctx context.Context) error {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM `+s.names.meta+` WHERE key = ?`, metaVectorDim,
	).Scan(&raw)
	switch {
	case err == nil:
		dim, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("malformed %s %q: %w", metaVectorDim, raw, err)
		}
		s.dim = dim
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	var embedding string
	err = s.db.QueryRowContext(ctx,
		`SELECT embedding FROM `+s.names.chunks+` WHERE embedding != '[]' LIMIT 1`,
	).Scan(&embedding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if dim := len(vector.DecodeJSON(embedding)); dim > 0 {
		if err := s.persistDimension(ctx, s.db, dim); err != nil {
			return err
		}
		s.dim = dim
	}
	return nil
}

func (s *SQLiteStore) persistDimension(ctx context.Context, ex execer, dim int) error {
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+s.names.meta+` (key, value) VALUES (?, ?)`,
		metaVectorDim, strconv.Itoa(dim),
	)
	return err
}

// checkDimension fixes the store dimension on first use and rejects later mismatches.
func (s *SQLiteStore) checkDimension(ctx context.Context, ex execer, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim == 0 {
		if err := s.persistDimension(ctx, ex, dim); err != nil {
			return fmt.Errorf("failed to persist vector dimension: %w", err)
		}
		s.dim = dim
		return nil
	}
	if dim != s.dim {
		return &ValidationError{
			Field:  "embedding",
			Reason: fmt.Sprintf("dimension %d does not match store dimension %d", dim, s.dim),
			Err:    vector.ErrDimensionMismatch,
		}
	}
	return nil
}

// Dimension returns the fixed embedding dimension, or 0 if no embedding has been stored yet.
func (s *SQLiteStore) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

// Table returns the chunk table name.
func (s *SQLiteStore) Table() string { return s.table }

// Path returns the database file.
func (s *SQLiteStore) Path() string { return s.path }

func validateRecord(rec models.ChunkRecord) error {
	switch {
	case rec.Path == "":
		return &ValidationError{Field: "path", Reason: "missing source path"}
	case rec.Chunk < 0:
		return &ValidationError{Field: "chunk", Value: strconv.Itoa(rec.Chunk), Reason: "chunk index must not be negative"}
	case rec.Hash == "":
		return &ValidationError{Field: "hash", Reason: "missing content hash"}
	case len(rec.Embedding) == 0:
		return &ValidationError{Field: "embedding", Reason: "missing embedding"}
	}
	return nil
}

func (s *SQLiteStore) upsert(ctx context.Context, ex execer, rec models.ChunkRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	if err := s.checkDimension(ctx, ex, len(rec.Embedding)); err != nil {
		return err
	}
	raw, err := vector.EncodeJSON(rec.Embedding)
	if err != nil {
		return err
	}
	var bucket sql.NullInt64
	if rec.Bucket != nil {
		bucket = sql.NullInt64{Int64: *rec.Bucket, Valid: true}
	}
	var text sql.NullString
	if rec.Text != nil {
		text = sql.NullString{String: *rec.Text, Valid: true}
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO `+s.names.chunks+` (path, chunk, hash, embedding, bucket, text)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path, chunk) DO UPDATE SET
			hash = excluded.hash,
			embedding = excluded.embedding,
			bucket = excluded.bucket,
			text = excluded.text`,
		rec.Path, rec.Chunk, rec.Hash, raw, bucket, text,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %s#%d: %w", rec.Path, rec.Chunk, err)
	}
	if err := s.syncVector(ctx, ex, rec.Path, rec.Chunk, rec.Embedding); err != nil {
		return fmt.Errorf("failed to mark vector index stale: %w", err)
	}
	return nil
}

func (s *SQLiteStore) deleteStaleChunks(ctx context.Context, ex execer, path string, valid []int) error {
	existing, err := queryInts(ctx, ex, `SELECT chunk FROM `+s.names.chunks+` WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to list chunks for %s: %w", path, err)
	}
	keep := make(map[int]bool, len(valid))
	for _, c := range valid {
		keep[c] = true
	}
	var stale []any
	for _, c := range existing {
		if !keep[c] {
			stale = append(stale, c)
		}
	}
	for start := 0; start < len(stale); start += chunkDeleteBatch {
		end := min(start+chunkDeleteBatch, len(stale))
		slice := stale[start:end]
		where := `path = ? AND chunk IN (` + placeholders(len(slice)) + `)`
		args := append([]any{path}, slice...)
		if err := s.deleteVectors(ctx, ex, where, args); err != nil {
			return fmt.Errorf("failed to mark vector index stale: %w", err)
		}
		if _, err := ex.ExecContext(ctx, `DELETE FROM `+s.names.chunks+` WHERE `+where, args...); err != nil {
			return fmt.Errorf("failed to delete stale chunks for %s: %w", path, err)
		}
	}
	return nil
}

func (s *SQLiteStore) deleteStalePaths(ctx context.Context, ex execer, valid []string) error {
	existing, err := queryStrings(ctx, ex, `SELECT DISTINCT path FROM `+s.names.chunks)
	if err != nil {
		return fmt.Errorf("failed to list paths: %w", err)
	}
	keep := make(map[string]bool, len(valid))
	for _, p := range valid {
		keep[p] = true
	}
	var stale []any
	for _, p := range existing {
		if !keep[p] {
			stale = append(stale, p)
		}
	}
	return s.deletePaths(ctx, ex, stale)
}

// deletePathPrefix removes every record whose path starts with prefix. The match is literal,
// so LIKE wildcards in file names have no effect.
func (s *SQLiteStore) deletePathPrefix(ctx context.Context, ex execer, prefix string) error {
	if prefix == "" {
		return &ValidationError{Field: "prefix", Reason: "must not be empty"}
	}
	matched, err := queryStrings(ctx, ex,
		`SELECT DISTINCT path FROM `+s.names.chunks+` WHERE substr(path, 1, ?) = ?`,
		len(prefix), prefix,
	)
	if err != nil {
		return fmt.Errorf("failed to list paths under %s: %w", prefix, err)
	}
	paths := make([]any, len(matched))
	for i, p := range matched {
		paths[i] = p
	}
	return s.deletePaths(ctx, ex, paths)
}

func (s *SQLiteStore) deletePaths(ctx context.Context, ex execer, paths []any) error {
	for start := 0; start < len(paths); start += pathDeleteBatch {
		end := min(start+pathDeleteBatch, len(paths))
		slice := paths[start:end]
		where := `path IN (` + placeholders(len(slice)) + `)`
		if err := s.deleteVectors(ctx, ex, where, slice); err != nil {
			return fmt.Errorf("failed to mark vector index stale: %w", err)
		}
		if _, err := ex.ExecContext(ctx, `DELETE FROM `+s.names.chunks+` WHERE `+where, slice...); err != nil {
			return fmt.Errorf("failed to delete paths: %w", err)
		}
	}
	return nil
}

// Upsert inserts rec or overwrites the stored record with the same (path, chunk).
func (s *SQLiteStore) Upsert(ctx context.Context, rec models.ChunkRecord) error {
	return s.WithinTx(ctx, func(tx *Tx) error { return tx.Upsert(ctx, rec) })
}

// DeleteStaleChunks removes chunks of path whose index is not in valid.
func (s *SQLiteStore) DeleteStaleChunks(ctx context.Context, path string, valid []int) error {
	return s.WithinTx(ctx, func(tx *Tx) error { return tx.DeleteStaleChunks(ctx, path, valid) })
}

// DeleteStalePaths removes every record whose path is not in valid.
func (s *SQLiteStore) DeleteStalePaths(ctx context.Context, valid []string) error {
	return s.WithinTx(ctx, func(tx *Tx) error { return tx.DeleteStalePaths(ctx, valid) })
}

// DeletePath removes every chunk of path.
func (s *SQLiteStore) DeletePath(ctx context.Context, path string) error {
	return s.DeleteStaleChunks(ctx, path, nil)
}

// DeletePathPrefix removes every record whose path starts with prefix.
func (s *SQLiteStore) DeletePathPrefix(ctx context.Context, prefix string) error {
	return s.WithinTx(ctx, func(tx *Tx) error { return tx.DeletePathPrefix(ctx, prefix) })
}

const selectColumns = `path, chunk, hash, embedding, bucket, text`

// ForEach visits every record in storage order.
func (s *SQLiteStore) ForEach(ctx context.Context, fn func(models.ChunkRecord) error) error {
	return s.iterate(ctx, fn, `SELECT `+selectColumns+` FROM `+s.names.chunks)
}

// ForEachInBuckets visits records whose bucket is one of keys. Rows without a bucket are never visited.
func (s *SQLiteStore) ForEachInBuckets(ctx context.Context, keys []int64, fn func(models.ChunkRecord) error) error {
	stopped := false
	guard := func(rec models.ChunkRecord) error {
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStop) {
				stopped = true
			}
			return err
		}
		return nil
	}
	for start := 0; start < len(keys) && !stopped; start += bucketQueryBatch {
		end := min(start+bucketQueryBatch, len(keys))
		args := make([]any, 0, end-start)
		for _, k := range keys[start:end] {
			args = append(args, k)
		}
		query := `SELECT ` + selectColumns + ` FROM ` + s.names.chunks +
			` WHERE bucket IN (` + placeholders(len(args)) + `)`
		if err := s.iterate(ctx, guard, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// ForEachUncached visits records without cached text.
func (s *SQLiteStore) ForEachUncached(ctx context.Context, fn func(models.ChunkRecord) error) error {
	return s.iterate(ctx, fn, `SELECT `+selectColumns+` FROM `+s.names.chunks+` WHERE text IS NULL`)
}

// TextSearchAny returns records whose cached text contains at least one of terms
// as a literal, case-sensitive substring.
func (s *SQLiteStore) TextSearchAny(ctx context.Context, terms []string, limit int) ([]models.ChunkRecord, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	conds := make([]string, len(terms))
	args := make([]any, 0, len(terms)+1)
	for i, term := range terms {
		conds[i] = `INSTR(text, ?) > 0`
		args = append(args, term)
	}
	query := `SELECT ` + selectColumns + ` FROM ` + s.names.chunks +
		` WHERE text IS NOT NULL AND (` + strings.Join(conds, " OR ") + `)`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.collect(ctx, query, args...)
}

// RandomChunks returns up to n records in random order.
func (s *SQLiteStore) RandomChunks(ctx context.Context, n int) ([]models.ChunkRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	return s.collect(ctx, `SELECT `+selectColumns+` FROM `+s.names.chunks+` ORDER BY RANDOM() LIMIT ?`, n)
}

// HashLookup maps content hashes to their stored embedding, bucket and text so unchanged
// chunks can skip re-embedding.
func (s *SQLiteStore) HashLookup(ctx context.Context) (map[string]HashEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hash, embedding, bucket, text FROM `+s.names.chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashes: %w", err)
	}
	defer rows.Close()

	lookup := make(map[string]HashEntry)
	for rows.Next() {
		var (
			hash, embedding string
			bucket          sql.NullInt64
			text            sql.NullString
		)
		if err := rows.Scan(&hash, &embedding, &bucket, &text); err != nil {
			return nil, err
		}
		if hash == "" {
			continue
		}
		entry := HashEntry{Embedding: vector.DecodeJSON(embedding)}
		if bucket.Valid {
			entry.Bucket = models.Int64(bucket.Int64)
		}
		if text.Valid {
			entry.Text = models.String(text.String)
		}
		lookup[hash] = entry
	}
	return lookup, rows.Err()
}

// RowCount returns the number of stored records.
func (s *SQLiteStore) RowCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+s.names.chunks).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) iterate(ctx context.Context, fn func(models.ChunkRecord) error, query string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) collect(ctx context.Context, query string, args ...any) ([]models.ChunkRecord, error) {
	var out []models.ChunkRecord
	err := s.iterate(ctx, func(rec models.ChunkRecord) error {
		out = append(out, rec)
		return nil
	}, query, args...)
	return out, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (models.ChunkRecord, error) {
	var (
		rec       models.ChunkRecord
		embedding string
		bucket    sql.NullInt64
		text      sql.NullString
	)
	if err := row.Scan(&rec.Path, &rec.Chunk, &rec.Hash, &embedding, &bucket, &text); err != nil {
		return rec, fmt.Errorf("failed to scan chunk: %w", err)
	}
	rec.Embedding = vector.DecodeJSON(embedding)
	if bucket.Valid {
		rec.Bucket = models.Int64(bucket.Int64)
	}
	if text.Valid {
		rec.Text = models.String(text.String)
	}
	return rec, nil
}

func queryInts(ctx context.Context, ex execer, query string, args ...any) ([]int, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryStrings(ctx context.Context, ex execer, query string, args ...any) ([]string, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
