package chronodb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ChronoDB is the top-level handle over an embedded temporal key-value
// store: a set of branches, each holding a chunked, order-preserving
// history of (keyspace, key) -> value writes, plus an optional
// secondary index and an optional bounded read cache.
type ChronoDB struct {
	cfg Config

	backend   ChunkStorageBackend
	encryptor *Encryptor

	registry *BranchRegistry
	resolver *BranchResolver
	gcm      *GlobalChunkManager
	matrix   *TemporalMatrix
	index    IndexBackend
	cache    *ReadCache
	pipeline *CommitPipeline

	mu     sync.RWMutex
	closed bool
}

// Open creates or opens a ChronoDB store rooted at cfg.Path.
func Open(ctx context.Context, cfg Config) (*ChronoDB, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, newStorageError(StorageErrorWrite, "create store directory", cfg.Path, err)
	}

	backend, err := buildChunkStorageBackend(cfg)
	if err != nil {
		return nil, err
	}

	encryptor, err := buildEncryptor(cfg)
	if err != nil {
		return nil, err
	}

	registry, err := newBranchRegistry(ctx, backend)
	if err != nil {
		return nil, err
	}
	resolver := newBranchResolver(registry)

	walDir := filepath.Join(cfg.Path, "wal")
	if err := os.MkdirAll(walDir, 0o755); err != nil {
		return nil, newStorageError(StorageErrorWrite, "create WAL directory", walDir, err)
	}

	gcm := newGlobalChunkManager(GlobalChunkManagerConfig{
		Backend:      backend,
		WALDir:       walDir,
		Compress:     cfg.Storage.CompressionEnabled,
		Encryptor:    encryptor,
		MaxOpenFiles: cfg.Branches.MaxOpenFiles,
		Logger:       cfg.Logger,
	})

	matrix := newTemporalMatrix(gcm, resolver)

	index, err := buildIndexBackend(cfg)
	if err != nil {
		return nil, err
	}

	var cache *ReadCache
	if cfg.Cache.Enabled {
		cache = NewReadCache(cfg.Cache.MaxSize, cfg.Cache.AssumeImmutable)
	}

	pipeline := newCommitPipeline(gcm, matrix, index, cache, registry, RetryConfig{
		MaxAttempts:       cfg.Retry.MaxAttempts,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryIf:           IsRetryable,
	}, cfg.Logger)

	return &ChronoDB{
		cfg:       cfg,
		backend:   backend,
		encryptor: encryptor,
		registry:  registry,
		resolver:  resolver,
		gcm:       gcm,
		matrix:    matrix,
		index:     index,
		cache:     cache,
		pipeline:  pipeline,
	}, nil
}

func buildChunkStorageBackend(cfg Config) (ChunkStorageBackend, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "file":
		return NewFileBackend(cfg.Storage.FileBaseDir)
	case "s3":
		return NewS3Backend(cfg.Storage.S3)
	case "tiered":
		hot, err := NewFileBackend(cfg.Storage.FileBaseDir)
		if err != nil {
			return nil, err
		}
		cold, err := NewS3Backend(cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		return NewTieredBackend(hot, cold, cfg.Storage.HotColdAge), nil
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", ErrInvalidArgument, cfg.Storage.Backend)
	}
}

// buildEncryptor derives the at-rest encryption key from cfg.Storage,
// persisting a random salt alongside the store on first use so the same
// password derives the same key across restarts.
func buildEncryptor(cfg Config) (*Encryptor, error) {
	if len(cfg.Storage.EncryptionKey) > 0 {
		return NewEncryptorWithKey(cfg.Storage.EncryptionKey)
	}
	if cfg.Storage.KeyPassword == "" {
		return nil, nil
	}

	saltPath := filepath.Join(cfg.Path, "encryption.salt")
	salt, err := os.ReadFile(saltPath)
	if err == nil {
		return NewEncryptorWithSalt(cfg.Storage.KeyPassword, salt)
	}
	if !os.IsNotExist(err) {
		return nil, newStorageError(StorageErrorRead, "read encryption salt", saltPath, err)
	}

	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: cfg.Storage.KeyPassword})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(saltPath, enc.Salt(), 0o600); err != nil {
		return nil, newStorageError(StorageErrorWrite, "write encryption salt", saltPath, err)
	}
	return enc, nil
}

func buildIndexBackend(cfg Config) (IndexBackend, error) {
	switch cfg.Index.Backend {
	case "memory":
		return NewMemoryIndexBackend(), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Index.SQLitePath), 0o755); err != nil {
			return nil, newStorageError(StorageErrorWrite, "create index directory", cfg.Index.SQLitePath, err)
		}
		return NewSQLiteIndexBackend(DefaultSQLiteIndexConfig(cfg.Index.SQLitePath))
	default:
		return nil, fmt.Errorf("%w: unknown index backend %q", ErrInvalidArgument, cfg.Index.Backend)
	}
}

// RegisterIndexer adds a named secondary index computed from committed
// values. Indexers must be re-registered after every Open, since only
// their descriptor's effects (the documents they produced) persist.
func (db *ChronoDB) RegisterIndexer(idx Indexer) {
	db.index.RegisterIndexer(idx)
}

// CreateBranch forks a new branch named name from origin as of
// branchingTimestamp. Reads against name at T <= branchingTimestamp fall
// through to origin.
func (db *ChronoDB) CreateBranch(ctx context.Context, name, origin string, branchingTimestamp uint64) (Branch, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return Branch{}, ErrClosed
	}
	return db.registry.Create(ctx, name, origin, branchingTimestamp)
}

// Branches lists every known branch name.
func (db *ChronoDB) Branches() []string {
	return db.registry.Names()
}

// Commit atomically applies mutations to branch and returns the
// timestamp assigned to the commit. If the base data commits but the
// index write fails, the timestamp is returned together with an error
// wrapping ErrIndexWriteFailed.
func (db *ChronoDB) Commit(ctx context.Context, branch string, mutations []Mutation, opts ...CommitOption) (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0, ErrClosed
	}
	return db.pipeline.Commit(ctx, branch, mutations, opts...)
}

// GetNow returns the highest timestamp visible on branch, 0 if branch
// (and everything it falls through to) has no commits yet.
func (db *ChronoDB) GetNow(ctx context.Context, branch string) (uint64, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return 0, ErrClosed
	}
	return db.pipeline.GetNow(ctx, branch)
}

// CommitMetadataAt returns the persisted commit-metadata record for
// branch at exactly timestamp t, if a commit landed there.
func (db *ChronoDB) CommitMetadataAt(ctx context.Context, branch string, t uint64) (CommitMetadata, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return CommitMetadata{}, false, ErrClosed
	}
	return db.matrix.CommitMetadataAt(ctx, branch, t)
}

// Get returns the value of (keyspace, key) on branch as of timestamp t,
// consulting the read cache first if one is configured.
func (db *ChronoDB) Get(ctx context.Context, branch, keyspace, key string, t uint64) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, false, ErrClosed
	}

	if err := ValidateKeyspace(keyspace); err != nil {
		return nil, false, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, false, err
	}

	if db.cache != nil {
		if value, tombstone, found := db.cache.Get(branch, keyspace, key, t); found {
			if tombstone {
				return nil, false, nil
			}
			return value, true, nil
		}
	}

	value, found, err := db.matrix.Get(ctx, branch, keyspace, key, t)
	if err != nil {
		return nil, false, err
	}

	if db.cache != nil {
		db.cache.Put(branch, keyspace, key, t, value, !found)
	}
	return value, found, nil
}

// History returns every recorded value of (keyspace, key) on branch with
// tFrom <= T <= tTo, in the requested order.
func (db *ChronoDB) History(ctx context.Context, branch, keyspace, key string, tFrom, tTo uint64, ascending bool) ([]HistoryEntry, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	if err := ValidateKeyspace(keyspace); err != nil {
		return nil, err
	}
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return db.matrix.History(ctx, branch, keyspace, key, tFrom, tTo, ascending)
}

// Query answers a point-in-time equality lookup against a named
// secondary index.
func (db *ChronoDB) Query(ctx context.Context, indexName, branch, value string, t uint64) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.index.Query(ctx, indexName, branch, value, t)
}

// RebuildIndex discards and recomputes branch's index documents from its
// full committed history, clearing the dirty flag set after a prior
// index-write failure.
func (db *ChronoDB) RebuildIndex(ctx context.Context, branch string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	bm, err := db.gcm.branchManager(ctx, branch)
	if err != nil {
		return err
	}

	var all []Modification
	for _, cf := range bm.AllChunksAscending() {
		mods, err := db.matrix.ModificationsInChunk(ctx, branch, cf, cf.ValidFrom(), InfiniteTimestamp)
		if err != nil {
			return err
		}
		all = append(all, mods...)
	}
	return db.index.Rebuild(ctx, branch, all)
}

// Rollover seals branch's current head chunk and opens a new one,
// starting immediately after tNow. Callers typically drive this from a
// size- or age-based policy external to ChronoDB.
func (db *ChronoDB) Rollover(ctx context.Context, branch string, tNow uint64) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}

	bm, err := db.gcm.branchManager(ctx, branch)
	if err != nil {
		return err
	}
	head := bm.Head()
	if err := db.gcm.EnsureClosed(head.DataKey()); err != nil && err != ErrHandleBusy {
		return err
	}

	_, _, err = bm.PerformRollover(ctx, tNow)
	return err
}

// Close flushes and closes every open chunk handle and the secondary
// index store. It is safe to call Close more than once.
func (db *ChronoDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	if err := db.gcm.Shutdown(); err != nil && firstErr == nil {
		firstErr = err
	}
	if db.index != nil {
		if err := db.index.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
