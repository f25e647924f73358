package chronodb

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mutation is one write within a commit. A nil or empty Value is a
// tombstone: it records that (Keyspace, Key) had no value from this
// commit's timestamp onward, without physically removing prior history.
type Mutation struct {
	Keyspace string
	Key      string
	Value    []byte
}

// commitOptions holds the values a CommitOption can set on a single
// Commit call.
type commitOptions struct {
	payload []byte
}

// CommitOption configures a single Commit call.
type CommitOption func(*commitOptions)

// WithCommitPayload attaches an opaque payload to a commit's persisted
// metadata record, per §3's `(branch, t, payload?)` commit-metadata
// schema. Callers that don't need one can omit this option entirely.
func WithCommitPayload(payload []byte) CommitOption {
	return func(o *commitOptions) { o.payload = payload }
}

// CommitPipeline serializes commits per branch, assigns each commit the
// next timestamp after that branch's last committed one, and applies
// the write to both the temporal matrix and the secondary index as one
// atomic unit from the caller's point of view, per §4.8: base data and
// index are committed together, but if the index write fails after the
// base data has already landed, the base data stays durable, the
// branch's index is marked dirty, and Commit reports ErrIndexWriteFailed
// alongside the assigned timestamp rather than rolling back.
type CommitPipeline struct {
	gcm      *GlobalChunkManager
	matrix   *TemporalMatrix
	index    IndexBackend
	cache    *ReadCache
	registry *BranchRegistry
	retryer  *Retryer
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	nextMu sync.Mutex
	next   map[string]uint64
}

func newCommitPipeline(gcm *GlobalChunkManager, matrix *TemporalMatrix, index IndexBackend, cache *ReadCache, registry *BranchRegistry, retryCfg RetryConfig, logger *slog.Logger) *CommitPipeline {
	return &CommitPipeline{
		gcm:      gcm,
		matrix:   matrix,
		index:    index,
		cache:    cache,
		registry: registry,
		retryer:  NewRetryer(retryCfg),
		logger:   logger,
		locks:    map[string]*sync.Mutex{},
		next:     map[string]uint64{},
	}
}

func (p *CommitPipeline) lockFor(branch string) *sync.Mutex {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l, ok := p.locks[branch]
	if !ok {
		l = &sync.Mutex{}
		p.locks[branch] = l
	}
	return l
}

// lastAppliedTimestamp returns the highest mutation timestamp already
// present in branch's own chunks, searching from the head chunk back to
// the oldest, and whether any of those chunks has mutations at all.
func (p *CommitPipeline) lastAppliedTimestamp(ctx context.Context, branch string) (uint64, bool, error) {
	bm, err := p.gcm.branchManager(ctx, branch)
	if err != nil {
		return 0, false, err
	}
	chunks := bm.AllChunksAscending()

	for i := len(chunks) - 1; i >= 0; i-- {
		c := chunks[i]
		mods, err := p.matrix.ModificationsInChunk(ctx, branch, c, c.ValidFrom(), InfiniteTimestamp)
		if err != nil {
			return 0, false, err
		}

		var t uint64
		found := false
		for _, m := range mods {
			if !found || m.Timestamp >= t {
				t = m.Timestamp
				found = true
			}
		}
		if found {
			return t, true, nil
		}
	}
	return 0, false, nil
}

// nextTimestamp returns the timestamp the next commit on branch should
// use, computing it on first access by scanning the branch's chunks for
// the highest timestamp already present. The result is never 0 (0 means
// "no commit yet") and never below the head chunk's ValidFrom, so a
// commit after a rollover lands inside the new head's interval.
func (p *CommitPipeline) nextTimestamp(ctx context.Context, branch string) (uint64, error) {
	bm, err := p.gcm.branchManager(ctx, branch)
	if err != nil {
		return 0, err
	}
	headFrom := bm.Head().ValidFrom()

	p.nextMu.Lock()
	if t, ok := p.next[branch]; ok {
		p.nextMu.Unlock()
		if t < headFrom {
			t = headFrom
		}
		return t, nil
	}
	p.nextMu.Unlock()

	last, found, err := p.lastAppliedTimestamp(ctx, branch)
	if err != nil {
		return 0, err
	}

	var t uint64
	if found {
		t = last + 1
	} else {
		b, err := p.registry.Get(branch)
		if err != nil {
			return 0, err
		}
		t = headFrom
		// A freshly forked branch's own chunk manager always starts a new
		// head chunk at ValidFrom=0, independent of BranchingTimestamp; a
		// commit before BranchingTimestamp+1 would land in the branch's
		// own chunk but never be reachable through Get/History, which
		// route t <= BranchingTimestamp to the origin (§4.6). The
		// branch's first commit must therefore start after the fork
		// point, not at its chunk's raw ValidFrom.
		if !b.isMaster() && t <= b.BranchingTimestamp {
			t = b.BranchingTimestamp + 1
		}
	}
	if t == 0 {
		t = 1
	}
	if t < headFrom {
		t = headFrom
	}

	p.nextMu.Lock()
	p.next[branch] = t
	p.nextMu.Unlock()
	return t, nil
}

// GetNow returns the highest timestamp with durably published commit
// metadata on branch, falling through to origin (capped at the branch's
// own BranchingTimestamp, per §4.6) when branch has no commits of its
// own yet. Returns 0 for a branch with no visible commits at all,
// matching §8's `getNow("master") == 0` boundary scenario for an empty
// store.
func (p *CommitPipeline) GetNow(ctx context.Context, branch string) (uint64, error) {
	b, err := p.registry.Get(branch)
	if err != nil {
		return 0, err
	}

	last, found, err := p.lastAppliedTimestamp(ctx, branch)
	if err != nil {
		return 0, err
	}
	if found {
		return last, nil
	}
	if b.isMaster() {
		return 0, nil
	}

	parentNow, err := p.GetNow(ctx, b.Origin)
	if err != nil {
		return 0, err
	}
	if parentNow < b.BranchingTimestamp {
		return parentNow, nil
	}
	return b.BranchingTimestamp, nil
}

// Commit applies mutations to branch as a single new timestamp and
// returns that timestamp. Commit metadata (§3, §4.8 step 6) is written
// into the same head-chunk transaction as the mutations themselves, so
// it shares the transaction's atomicity: a crash can never leave t
// visible without its metadata, or vice versa. If the base data commits
// but the index write fails, Commit returns t together with an error
// wrapping ErrIndexWriteFailed, and the branch's index is marked dirty.
func (p *CommitPipeline) Commit(ctx context.Context, branch string, mutations []Mutation, opts ...CommitOption) (uint64, error) {
	if len(mutations) == 0 {
		return 0, fmt.Errorf("chronodb: commit requires at least one mutation")
	}
	if !p.registry.Exists(branch) {
		return 0, newBranchError(branch, ErrBranchUnknown)
	}

	var options commitOptions
	for _, opt := range opts {
		opt(&options)
	}

	lock := p.lockFor(branch)
	lock.Lock()
	defer lock.Unlock()

	t, err := p.nextTimestamp(ctx, branch)
	if err != nil {
		return 0, err
	}
	if err := ValidateTimestamp(t); err != nil {
		return 0, err
	}

	txn, cf, err := p.gcm.OpenHeadTransaction(ctx, branch)
	if err != nil {
		return 0, err
	}

	for _, m := range mutations {
		if err := ValidateKeyspace(m.Keyspace); err != nil {
			_ = txn.Rollback()
			return 0, err
		}
		if err := ValidateKey(m.Key); err != nil {
			_ = txn.Rollback()
			return 0, err
		}
		if err := p.matrix.Put(txn, m.Keyspace, m.Key, t, m.Value); err != nil {
			_ = txn.Rollback()
			return 0, newStorageError(StorageErrorWrite, "apply mutation", cf.DataKey(), err)
		}
	}

	meta := CommitMetadata{Timestamp: t, MutationCount: len(mutations), Payload: options.payload}
	if err := putCommitMetadata(txn, meta); err != nil {
		_ = txn.Rollback()
		return 0, err
	}

	if err := txn.Commit(); err != nil {
		return 0, newStorageError(StorageErrorWrite, "commit chunk transaction", cf.DataKey(), err)
	}
	cf.IncrementRowCount(len(mutations))

	mods := make([]Modification, len(mutations))
	for i, m := range mutations {
		mods[i] = Modification{
			Keyspace:  m.Keyspace,
			Key:       m.Key,
			Timestamp: t,
			Value:     m.Value,
			Tombstone: len(m.Value) == 0,
		}
	}

	var indexErr error
	if p.index != nil {
		result := p.retryer.Do(ctx, func() error {
			return p.index.ApplyModifications(ctx, branch, mods)
		})
		if result.LastErr != nil {
			p.index.MarkDirty(branch)
			p.logger.Warn("chronodb: index write failed, branch marked dirty",
				"branch", branch, "timestamp", t, "attempts", result.Attempts, "err", result.LastErr)
			indexErr = fmt.Errorf("%w: branch %q at %d: %v", ErrIndexWriteFailed, branch, t, result.LastErr)
		}
	}

	if p.cache != nil {
		for _, m := range mutations {
			p.cache.InvalidateKeyFrom(branch, m.Keyspace, m.Key, t)
		}
		for _, desc := range p.registry.Descendants(branch) {
			p.cache.InvalidateDescendantBefore(desc.Name, desc.BranchingTimestamp)
		}
	}

	p.nextMu.Lock()
	p.next[branch] = t + 1
	p.nextMu.Unlock()

	return t, indexErr
}
