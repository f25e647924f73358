package chronodb

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	// SQLite driver, pure Go implementation.
	_ "modernc.org/sqlite"
)

// SQLiteIndexConfig configures the SQLite-backed IndexBackend.
type SQLiteIndexConfig struct {
	Path        string
	CacheSize   int
	JournalMode string
	Synchronous string
	BusyTimeout int
}

// DefaultSQLiteIndexConfig returns sensible defaults.
func DefaultSQLiteIndexConfig(path string) SQLiteIndexConfig {
	return SQLiteIndexConfig{
		Path:        path,
		CacheSize:   2000,
		JournalMode: "WAL",
		Synchronous: "NORMAL",
		BusyTimeout: 5000,
	}
}

// SQLiteIndexBackend is the durable IndexBackend of §4.7: index
// documents and per-branch dirty flags are persisted in a SQLite
// database, so a query-serving process restart never loses the record
// of a prior index-write failure.
type SQLiteIndexBackend struct {
	db *sql.DB

	mu       sync.RWMutex
	indexers map[string]Indexer
}

// NewSQLiteIndexBackend opens (creating if necessary) the SQLite index
// database at cfg.Path.
func NewSQLiteIndexBackend(cfg SQLiteIndexConfig) (*SQLiteIndexBackend, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 2000
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_pragma=cache_size(%d)&_pragma=journal_mode(%s)&_pragma=synchronous(%s)&_pragma=busy_timeout(%d)",
		cfg.Path, cfg.CacheSize, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorWrite, "open index database", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteIndexBackend{db: db, indexers: map[string]Indexer{}}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteIndexBackend) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	index_name TEXT NOT NULL,
	branch TEXT NOT NULL,
	keyspace TEXT NOT NULL,
	logical_key TEXT NOT NULL,
	value TEXT NOT NULL,
	valid_from INTEGER NOT NULL,
	valid_to INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_lookup
	ON documents(index_name, branch, value, valid_from, valid_to);
CREATE INDEX IF NOT EXISTS idx_documents_key
	ON documents(index_name, branch, keyspace, logical_key, valid_to);

CREATE TABLE IF NOT EXISTS dirty_flags (
	branch TEXT PRIMARY KEY
);
`
	_, err := b.db.Exec(schema)
	if err != nil {
		return newStorageError(StorageErrorWrite, "initialize index schema", "", err)
	}
	return nil
}

func (b *SQLiteIndexBackend) RegisterIndexer(idx Indexer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexers[idx.Name()] = idx
}

// ApplyModifications closes out the previous document (if any) for each
// touched (keyspace, key) and inserts a new open-ended document wherever
// an indexer accepts the new value, all inside one transaction so a
// crash mid-write leaves either the whole delta applied or none of it.
func (b *SQLiteIndexBackend) ApplyModifications(ctx context.Context, branch string, mods []Modification) error {
	b.mu.RLock()
	indexers := make([]Indexer, 0, len(b.indexers))
	for _, idx := range b.indexers {
		indexers = append(indexers, idx)
	}
	b.mu.RUnlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return newStorageError(StorageErrorWrite, "begin index transaction", "", err)
	}
	defer tx.Rollback()

	closeStmt, err := tx.PrepareContext(ctx, `
		UPDATE documents SET valid_to = ?
		WHERE index_name = ? AND branch = ? AND keyspace = ? AND logical_key = ? AND valid_to = ?`)
	if err != nil {
		return newStorageError(StorageErrorWrite, "prepare index close statement", "", err)
	}
	defer closeStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, index_name, branch, keyspace, logical_key, value, valid_from, valid_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return newStorageError(StorageErrorWrite, "prepare index insert statement", "", err)
	}
	defer insertStmt.Close()

	infinite := int64(math.MaxInt64)
	for _, indexer := range indexers {
		for _, mod := range mods {
			if _, err := closeStmt.ExecContext(ctx, int64(mod.Timestamp), indexer.Name(), branch, mod.Keyspace, mod.Key, infinite); err != nil {
				return newStorageError(StorageErrorWrite, "close index document", "", err)
			}
			if mod.Tombstone {
				continue
			}
			value, ok := indexer.Extract(mod.Value)
			if !ok {
				continue
			}
			id := uuid.NewString()
			if _, err := insertStmt.ExecContext(ctx, id, indexer.Name(), branch, mod.Keyspace, mod.Key, value, int64(mod.Timestamp), infinite); err != nil {
				return newStorageError(StorageErrorWrite, "insert index document", "", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return newStorageError(StorageErrorWrite, "commit index transaction", "", err)
	}
	return nil
}

func (b *SQLiteIndexBackend) Query(ctx context.Context, indexName, branch, value string, t uint64) ([]string, error) {
	if b.IsDirty(branch) {
		return nil, newIndexError(indexName, ErrIndexDirty)
	}

	b.mu.RLock()
	_, ok := b.indexers[indexName]
	b.mu.RUnlock()
	if !ok {
		return nil, newIndexError(indexName, ErrIndexUnknown)
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT logical_key FROM documents
		WHERE index_name = ? AND branch = ? AND value = ? AND valid_from <= ? AND valid_to > ?
		ORDER BY logical_key`, indexName, branch, value, int64(t), int64(t))
	if err != nil {
		return nil, newStorageError(StorageErrorRead, "query index", "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newStorageError(StorageErrorRead, "scan index row", "", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (b *SQLiteIndexBackend) IsDirty(branch string) bool {
	var count int
	_ = b.db.QueryRow(`SELECT COUNT(*) FROM dirty_flags WHERE branch = ?`, branch).Scan(&count)
	return count > 0
}

func (b *SQLiteIndexBackend) MarkDirty(branch string) {
	_, _ = b.db.Exec(`INSERT OR IGNORE INTO dirty_flags (branch) VALUES (?)`, branch)
}

// Rebuild discards every document for branch and replays mods from
// scratch, then clears the dirty flag.
func (b *SQLiteIndexBackend) Rebuild(ctx context.Context, branch string, mods []Modification) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE branch = ?`, branch); err != nil {
		return newStorageError(StorageErrorWrite, "clear index documents", "", err)
	}
	if err := b.ApplyModifications(ctx, branch, mods); err != nil {
		return fmt.Errorf("chronodb: rebuild index for branch %q: %w", branch, err)
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM dirty_flags WHERE branch = ?`, branch); err != nil {
		return newStorageError(StorageErrorWrite, "clear dirty flag", "", err)
	}
	return nil
}

func (b *SQLiteIndexBackend) Close() error {
	return b.db.Close()
}
