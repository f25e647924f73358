package chronodb

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
)

// chunkHandle is one open OrderedKvStore over a chunk's data key, shared
// by every transaction currently reading or writing that chunk.
// refCount is the number of live transactions on it; a handle with
// refCount 0 is eligible for LRU eviction.
type chunkHandle struct {
	key      string
	store    OrderedKvStore
	refCount int
}

// GlobalChunkManager owns every open chunk handle across every branch
// and enforces a process-wide cap on how many may be open at once,
// evicting the least-recently-used idle handle when the cap is
// exceeded. This is grounded directly on the original implementation's
// GlobalChunkManager: a branch-directory lock guarding per-branch chunk
// managers, and a separate handle-pool lock guarding the open-handle
// map, an LRU order, and per-handle reference counts.
type GlobalChunkManager struct {
	backend      ChunkStorageBackend
	walDir       string
	compress     bool
	encryptor    *Encryptor
	maxOpenFiles int
	logger       *slog.Logger

	branchesMu sync.RWMutex
	branches   map[string]*BranchChunkManager

	poolMu   sync.Mutex
	handles  map[string]*chunkHandle
	lru      []string
}

// GlobalChunkManagerConfig groups the storage-facing knobs GlobalChunkManager needs.
type GlobalChunkManagerConfig struct {
	Backend      ChunkStorageBackend
	WALDir       string
	Compress     bool
	Encryptor    *Encryptor
	MaxOpenFiles int
	Logger       *slog.Logger
}

func newGlobalChunkManager(cfg GlobalChunkManagerConfig) *GlobalChunkManager {
	if cfg.MaxOpenFiles <= 0 {
		cfg.MaxOpenFiles = DefaultMaxOpenFiles
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GlobalChunkManager{
		backend:      cfg.Backend,
		walDir:       cfg.WALDir,
		compress:     cfg.Compress,
		encryptor:    cfg.Encryptor,
		maxOpenFiles: cfg.MaxOpenFiles,
		logger:       cfg.Logger,
		branches:     map[string]*BranchChunkManager{},
		handles:      map[string]*chunkHandle{},
	}
}

// branchManager returns (creating if necessary) the BranchChunkManager
// for branch, mirroring fileSystemLock's read-then-upgrade pattern.
func (g *GlobalChunkManager) branchManager(ctx context.Context, branch string) (*BranchChunkManager, error) {
	g.branchesMu.RLock()
	bm, ok := g.branches[branch]
	g.branchesMu.RUnlock()
	if ok {
		return bm, nil
	}

	g.branchesMu.Lock()
	defer g.branchesMu.Unlock()
	if bm, ok := g.branches[branch]; ok {
		return bm, nil
	}
	bm, err := newBranchChunkManager(ctx, branch, g.backend, g.logger)
	if err != nil {
		return nil, err
	}
	g.branches[branch] = bm
	return bm, nil
}

func (g *GlobalChunkManager) walPathFor(key string) string {
	return filepath.Join(g.walDir, key+".wal")
}

// openHandleLocked returns the handle for key, opening it if needed, and
// increments its reference count. Must be called with poolMu held.
func (g *GlobalChunkManager) openHandleLocked(ctx context.Context, key string) (*chunkHandle, error) {
	if h, ok := g.handles[key]; ok {
		h.refCount++
		g.touchLocked(key)
		return h, nil
	}

	store, err := NewFileKvStore(ctx, g.backend, key, g.walPathFor(key), g.compress, g.encryptor)
	if err != nil {
		return nil, err
	}

	h := &chunkHandle{key: key, store: store, refCount: 1}
	g.handles[key] = h
	g.lru = append(g.lru, key)
	g.evictIdleLocked()
	return h, nil
}

// touchLocked moves key to the most-recently-used end of the LRU order.
func (g *GlobalChunkManager) touchLocked(key string) {
	for i, k := range g.lru {
		if k == key {
			g.lru = append(g.lru[:i], g.lru[i+1:]...)
			break
		}
	}
	g.lru = append(g.lru, key)
}

// evictIdleLocked closes least-recently-used handles with no live
// transactions until the open-handle count is at or below the
// configured threshold, or no more handles are evictable.
func (g *GlobalChunkManager) evictIdleLocked() {
	for len(g.handles) > g.maxOpenFiles {
		evicted := false
		for i, key := range g.lru {
			h, ok := g.handles[key]
			if !ok {
				g.lru = append(g.lru[:i], g.lru[i+1:]...)
				evicted = true
				break
			}
			if h.refCount > 0 {
				continue
			}
			if err := h.store.Close(); err != nil {
				g.logger.Warn("chronodb: error closing idle chunk handle", "key", key, "err", err)
			}
			delete(g.handles, key)
			g.lru = append(g.lru[:i], g.lru[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			return
		}
	}
}

// releaseHandle decrements key's reference count and runs eviction again,
// since a handle that just became idle may now be a candidate.
func (g *GlobalChunkManager) releaseHandle(key string) {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()

	h, ok := g.handles[key]
	if !ok {
		return
	}
	if h.refCount > 0 {
		h.refCount--
	}
	g.evictIdleLocked()
}

// trackedTxn wraps a KvTxn with an onClose callback fired exactly once,
// on whichever of Commit/Rollback happens first. The callback is a
// closure over the owning handle's key, not a back-pointer from the
// transaction to the manager, per the fall-through/no-back-pointer
// design note.
type trackedTxn struct {
	KvTxn
	mu      sync.Mutex
	closed  bool
	onClose func()
}

func (t *trackedTxn) fire() {
	t.mu.Lock()
	already := t.closed
	t.closed = true
	t.mu.Unlock()
	if !already && t.onClose != nil {
		t.onClose()
	}
}

func (t *trackedTxn) Commit() error {
	err := t.KvTxn.Commit()
	t.fire()
	return err
}

func (t *trackedTxn) Rollback() error {
	err := t.KvTxn.Rollback()
	t.fire()
	return err
}

// OpenTransaction opens a transaction against the chunk covering
// timestamp t on branch. Real (non-bogus) transactions may only be
// opened against the branch's head chunk.
func (g *GlobalChunkManager) OpenTransaction(ctx context.Context, branch string, t uint64, bogus bool) (KvTxn, *ChunkFile, error) {
	bm, err := g.branchManager(ctx, branch)
	if err != nil {
		return nil, nil, err
	}

	cf, err := bm.ChunkForTimestamp(t)
	if err != nil {
		return nil, nil, err
	}
	if !bogus && !cf.IsHead() {
		return nil, nil, ErrChunkSealed
	}

	g.poolMu.Lock()
	h, err := g.openHandleLocked(ctx, cf.DataKey())
	g.poolMu.Unlock()
	if err != nil {
		return nil, nil, err
	}

	txn, err := h.store.BeginTxn(ctx, bogus)
	if err != nil {
		g.releaseHandle(cf.DataKey())
		return nil, nil, err
	}

	key := cf.DataKey()
	tracked := &trackedTxn{KvTxn: txn, onClose: func() { g.releaseHandle(key) }}
	return tracked, cf, nil
}

// OpenHeadTransaction opens a real (non-bogus) transaction against
// branch's current head chunk, used by CommitPipeline.
func (g *GlobalChunkManager) OpenHeadTransaction(ctx context.Context, branch string) (KvTxn, *ChunkFile, error) {
	bm, err := g.branchManager(ctx, branch)
	if err != nil {
		return nil, nil, err
	}
	head := bm.Head()
	return g.OpenTransaction(ctx, branch, head.ValidFrom(), false)
}

// EnsureClosed fails with ErrHandleBusy if the handle for key still has
// live transactions, matching ensureTuplDbIsClosed's refusal to close a
// database out from under an in-flight transaction.
func (g *GlobalChunkManager) EnsureClosed(key string) error {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()

	h, ok := g.handles[key]
	if !ok {
		return nil
	}
	if h.refCount > 0 {
		return ErrHandleBusy
	}
	if err := h.store.Close(); err != nil {
		return err
	}
	delete(g.handles, key)
	for i, k := range g.lru {
		if k == key {
			g.lru = append(g.lru[:i], g.lru[i+1:]...)
			break
		}
	}
	return nil
}

// Shutdown closes every open chunk handle unconditionally, per §4.4:
// unlike EnsureClosed, a live transaction on a handle does not stop
// Shutdown from closing it. Any transaction still open against a handle
// this closes will fail on its next operation; that's an accepted
// consequence of tearing down the whole store; the caller is expected to
// have quiesced its own callers before calling Close.
func (g *GlobalChunkManager) Shutdown() error {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()

	var firstErr error
	for key, h := range g.handles {
		if h.refCount > 0 {
			g.logger.Warn("chronodb: shutdown closing chunk handle with live transactions", "key", key, "refCount", h.refCount)
		}
		if err := h.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(g.handles, key)
	}
	g.lru = nil
	return firstErr
}

// OpenHandleCount reports how many chunk handles are currently open,
// used by tests exercising the MAX_OPEN_FILES_THRESHOLD boundary.
func (g *GlobalChunkManager) OpenHandleCount() int {
	g.poolMu.Lock()
	defer g.poolMu.Unlock()
	return len(g.handles)
}
