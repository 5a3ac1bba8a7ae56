package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kb-forge/coreengine/internal/chunk"

	_ "github.com/mattn/go-sqlite3" // CGO driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // Pure-Go driver, registered as "sqlite"
)

// Driver selects the SQL driver used by SQLiteMetadataStore. The BM25 index
// (sqlite_bm25.go) always uses the pure-Go driver; only the metadata store
// offers the cgo choice (§2/§11).
type Driver string

const (
	DriverCGO  Driver = "cgo"  // github.com/mattn/go-sqlite3
	DriverPure Driver = "pure" // modernc.org/sqlite
)

// SQLiteMetadataStore implements MetadataStore over a single SQLite database
// file, grounded on the WAL-mode/pragma setup of the teacher's
// SQLiteBM25Index (sqlite_bm25.go), generalized to the FileMetadata/
// IndexManifest/Chunk data model of §3.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// NewSQLiteMetadataStore opens (creating if needed) a metadata store at
// path, using driver ("cgo" or "pure"; defaults to pure for CGO-constrained
// builds). An empty path opens an in-memory store for testing.
func NewSQLiteMetadataStore(path string, driver Driver) (*SQLiteMetadataStore, error) {
	driverName := "sqlite" // modernc.org/sqlite registers as "sqlite"
	if driver == DriverCGO {
		driverName = "sqlite3" // mattn/go-sqlite3 registers as "sqlite3"
	}

	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS manifests (
		scope_id TEXT PRIMARY KEY,
		payload  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS files (
		scope_id TEXT NOT NULL,
		path     TEXT NOT NULL,
		mtime    INTEGER NOT NULL,
		size     INTEGER NOT NULL,
		hash     TEXT NOT NULL,
		source_id TEXT NOT NULL,
		PRIMARY KEY (scope_id, path)
	);

	CREATE TABLE IF NOT EXISTS chunks (
		id        TEXT PRIMARY KEY,
		scope_id  TEXT NOT NULL,
		path      TEXT NOT NULL,
		payload   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_scope_path ON chunks(scope_id, path);

	CREATE TABLE IF NOT EXISTS overlay_state (
		scope_id TEXT PRIMARY KEY,
		payload  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS query_history (
		query_id  TEXT PRIMARY KEY,
		scope_id  TEXT NOT NULL,
		ts        INTEGER NOT NULL,
		payload   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_history_scope ON query_history(scope_id, ts);

	CREATE TABLE IF NOT EXISTS feedback (
		feedback_id TEXT PRIMARY KEY,
		query_id    TEXT NOT NULL,
		payload     TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoint (
		id             INTEGER PRIMARY KEY CHECK (id = 1),
		stage          TEXT NOT NULL,
		total          INTEGER NOT NULL,
		embedded_count INTEGER NOT NULL,
		embedder_model TEXT NOT NULL,
		ts             INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteMetadataStore) SaveManifest(ctx context.Context, scopeID string, m *IndexManifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO manifests (scope_id, payload) VALUES (?, ?)
		 ON CONFLICT(scope_id) DO UPDATE SET payload = excluded.payload`,
		scopeID, string(payload))
	return err
}

func (s *SQLiteMetadataStore) GetManifest(ctx context.Context, scopeID string) (*IndexManifest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM manifests WHERE scope_id = ?`, scopeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m IndexManifest
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteMetadataStore) SaveFileMetadata(ctx context.Context, scopeID string, files []*FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO files (scope_id, path, mtime, size, hash, source_id) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope_id, path) DO UPDATE SET mtime=excluded.mtime, size=excluded.size,
		 hash=excluded.hash, source_id=excluded.source_id`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, scopeID, f.Path, f.Mtime.UnixNano(), f.Size, f.Hash, f.SourceID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) GetFileMetadata(ctx context.Context, scopeID, path string) (*FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT path, mtime, size, hash, source_id FROM files WHERE scope_id = ? AND path = ?`, scopeID, path)
	return scanFileMetadata(row)
}

func (s *SQLiteMetadataStore) ListFileMetadata(ctx context.Context, scopeID string) ([]*FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, mtime, size, hash, source_id FROM files WHERE scope_id = ?`, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FileMetadata
	for rows.Next() {
		f, err := scanFileMetadataRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) DeleteFileMetadata(ctx context.Context, scopeID string, paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM files WHERE scope_id = ? AND path = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range paths {
		if _, err := stmt.ExecContext(ctx, scopeID, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) SaveChunks(ctx context.Context, chunks []*chunk.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, scope_id, path, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range chunks {
		payload, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.ScopeID, c.Path, string(payload)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) GetChunk(ctx context.Context, id string) (*chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM chunks WHERE id = ?`, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c chunk.Chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLiteMetadataStore) GetChunks(ctx context.Context, ids []string) ([]*chunk.Chunk, error) {
	out := make([]*chunk.Chunk, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetChunk(ctx, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLiteMetadataStore) GetChunksByPath(ctx context.Context, scopeID, path string) ([]*chunk.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM chunks WHERE scope_id = ? AND path = ?`, scopeID, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*chunk.Chunk
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c chunk.Chunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) DeleteChunks(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM chunks WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteMetadataStore) DeleteChunksByPath(ctx context.Context, scopeID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE scope_id = ? AND path = ?`, scopeID, path)
	return err
}

func (s *SQLiteMetadataStore) SaveOverlayState(ctx context.Context, scopeID string, state *OverlayState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO overlay_state (scope_id, payload) VALUES (?, ?)
		 ON CONFLICT(scope_id) DO UPDATE SET payload = excluded.payload`,
		scopeID, string(payload))
	return err
}

func (s *SQLiteMetadataStore) GetOverlayState(ctx context.Context, scopeID string) (*OverlayState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM overlay_state WHERE scope_id = ?`, scopeID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st OverlayState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteMetadataStore) SaveQueryHistory(ctx context.Context, entry *QueryHistoryEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO query_history (query_id, scope_id, ts, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(query_id) DO UPDATE SET payload = excluded.payload`,
		entry.QueryID, entry.ScopeID, entry.Timestamp.UnixNano(), string(payload))
	return err
}

func (s *SQLiteMetadataStore) SaveFeedback(ctx context.Context, entry *FeedbackEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feedback (feedback_id, query_id, payload) VALUES (?, ?, ?)
		 ON CONFLICT(feedback_id) DO UPDATE SET payload = excluded.payload`,
		entry.FeedbackID, entry.QueryID, string(payload))
	return err
}

func (s *SQLiteMetadataStore) ListQueryHistory(ctx context.Context, scopeID string, limit int) ([]*QueryHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM query_history WHERE scope_id = ? ORDER BY ts DESC LIMIT ?`, scopeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*QueryHistoryEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e QueryHistoryEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (s *SQLiteMetadataStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteMetadataStore) SaveIndexCheckpoint(ctx context.Context, stage string, total, embeddedCount int, embedderModel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoint (id, stage, total, embedded_count, embedder_model, ts) VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stage=excluded.stage, total=excluded.total,
		 embedded_count=excluded.embedded_count, embedder_model=excluded.embedder_model, ts=excluded.ts`,
		stage, total, embeddedCount, embedderModel, time.Now().UnixNano())
	return err
}

func (s *SQLiteMetadataStore) LoadIndexCheckpoint(ctx context.Context) (*IndexCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cp IndexCheckpoint
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT stage, total, embedded_count, embedder_model, ts FROM checkpoint WHERE id = 1`).
		Scan(&cp.Stage, &cp.Total, &cp.EmbeddedCount, &cp.EmbedderModel, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.Timestamp = time.Unix(0, ts)
	return &cp, nil
}

func (s *SQLiteMetadataStore) ClearIndexCheckpoint(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoint WHERE id = 1`)
	return err
}

func (s *SQLiteMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileMetadata(row *sql.Row) (*FileMetadata, error) {
	return scanFileMetadataRowLike(row)
}

func scanFileMetadataRows(rows *sql.Rows) (*FileMetadata, error) {
	return scanFileMetadataRowLike(rows)
}

func scanFileMetadataRowLike(rs rowScanner) (*FileMetadata, error) {
	var f FileMetadata
	var mtimeNano int64
	err := rs.Scan(&f.Path, &mtimeNano, &f.Size, &f.Hash, &f.SourceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.Mtime = time.Unix(0, mtimeNano)
	return &f, nil
}
