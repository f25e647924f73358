package chronodb

import "context"

// HistoryEntry is one point in a key's value history.
type HistoryEntry struct {
	Timestamp uint64
	Value     []byte
	Tombstone bool
}

// TemporalMatrix implements the get/put/history/modificationsBetween
// operations of §4.5 on top of a GlobalChunkManager and BranchResolver.
// It is the only caller that understands how a (branch, keyspace, key, T)
// coordinate maps onto encoded temporal keys and chunk boundaries; every
// other component works in terms of branches and timestamps only.
type TemporalMatrix struct {
	gcm      *GlobalChunkManager
	resolver *BranchResolver
}

func newTemporalMatrix(gcm *GlobalChunkManager, resolver *BranchResolver) *TemporalMatrix {
	return &TemporalMatrix{gcm: gcm, resolver: resolver}
}

// Put writes value for (keyspace, key) at timestamp t through an
// already-open transaction on branch's head chunk. A nil/empty value is
// a tombstone.
func (m *TemporalMatrix) Put(txn KvTxn, keyspace, key string, t uint64, value []byte) error {
	return txn.Put(EncodeTemporalKey(keyspace, key, t), value)
}

// Get resolves the value of (keyspace, key) as of timestamp t on branch,
// walking backward across sealed chunks and, if branch's own history
// does not reach far enough back, falling through to its origin branch
// per §4.6.
func (m *TemporalMatrix) Get(ctx context.Context, branch, keyspace, key string, t uint64) ([]byte, bool, error) {
	curBranch, curT := branch, t

	for {
		b, err := m.resolver.Resolve(curBranch, curT)
		if err != nil {
			return nil, false, err
		}

		bm, err := m.gcm.branchManager(ctx, b.Name)
		if err != nil {
			return nil, false, err
		}

		value, found, err := m.searchChunksBackward(ctx, b.Name, bm, keyspace, key, curT)
		if err != nil {
			return nil, false, err
		}
		if found {
			if len(value) == 0 {
				return nil, false, nil
			}
			return value, true, nil
		}

		if b.isMaster() {
			return nil, false, nil
		}
		curBranch = b.Origin
		curT = b.BranchingTimestamp
	}
}

// searchChunksBackward walks branch's chunks from the one covering t
// backward until a row for (keyspace, key) is found or the branch's
// earliest chunk is exhausted.
func (m *TemporalMatrix) searchChunksBackward(ctx context.Context, branch string, bm *BranchChunkManager, keyspace, key string, t uint64) ([]byte, bool, error) {
	cf, err := bm.ChunkForTimestamp(t)
	if err != nil {
		return nil, false, nil
	}

	for cf != nil {
		bound := t
		if !cf.Contains(t) {
			bound = cf.ValidTo() - 1
		}

		value, found, err := m.floorInChunk(ctx, branch, cf, keyspace, key, bound)
		if err != nil {
			return nil, false, err
		}
		if found {
			return value, true, nil
		}

		if cf.Index == 0 {
			break
		}
		cf = m.previousChunk(bm, cf)
		if cf == nil {
			break
		}
		t = cf.ValidTo() - 1
	}
	return nil, false, nil
}

func (m *TemporalMatrix) previousChunk(bm *BranchChunkManager, cf *ChunkFile) *ChunkFile {
	all := bm.AllChunksAscending()
	for i, c := range all {
		if c.Index == cf.Index && i > 0 {
			return all[i-1]
		}
	}
	return nil
}

func (m *TemporalMatrix) floorInChunk(ctx context.Context, branch string, cf *ChunkFile, keyspace, key string, t uint64) ([]byte, bool, error) {
	txn, _, err := m.gcm.OpenTransaction(ctx, branch, cf.ValidFrom(), true)
	if err != nil {
		return nil, false, err
	}
	defer txn.Rollback()

	entry, ok, err := txn.Floor(upperBoundKey(keyspace, key, t))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	tk, err := DecodeTemporalKey(entry.Key)
	if err != nil {
		return nil, false, err
	}
	if !sameLogicalKey(tk, keyspace, key) {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// History returns every recorded value of (keyspace, key) with
// tFrom <= T <= tTo on branch, including any falling through from an
// origin branch, in the requested order.
func (m *TemporalMatrix) History(ctx context.Context, branch, keyspace, key string, tFrom, tTo uint64, ascending bool) ([]HistoryEntry, error) {
	var out []HistoryEntry

	b, err := m.resolver.Resolve(branch, tTo)
	if err != nil {
		return nil, err
	}

	// A child branch owns rows with T > BranchingTimestamp; the fork
	// point itself, and everything before it, belongs to the origin.
	ownFrom := tFrom
	if !b.isMaster() && ownFrom <= b.BranchingTimestamp {
		ownFrom = b.BranchingTimestamp + 1
	}
	if ownFrom <= tTo {
		entries, err := m.scanOwnChunks(ctx, b.Name, keyspace, key, ownFrom, tTo)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}

	if !b.isMaster() && tFrom <= b.BranchingTimestamp {
		parentEntries, err := m.History(ctx, b.Origin, keyspace, key, tFrom, b.BranchingTimestamp, true)
		if err != nil {
			return nil, err
		}
		out = append(parentEntries, out...)
	}

	sortHistory(out, ascending)
	return out, nil
}

func (m *TemporalMatrix) scanOwnChunks(ctx context.Context, branch, keyspace, key string, tFrom, tTo uint64) ([]HistoryEntry, error) {
	bm, err := m.gcm.branchManager(ctx, branch)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for _, cf := range bm.ChunksInRange(tFrom, tTo) {
		txn, _, err := m.gcm.OpenTransaction(ctx, branch, cf.ValidFrom(), true)
		if err != nil {
			return nil, err
		}
		lo := prefixLowKey(keyspace, key)
		hi := upperBoundKey(keyspace, key, tTo)
		entries, err := txn.Scan(lo, hi, true)
		_ = txn.Rollback()
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			tk, err := DecodeTemporalKey(e.Key)
			if err != nil {
				return nil, err
			}
			if !sameLogicalKey(tk, keyspace, key) || tk.Timestamp < tFrom || tk.Timestamp > tTo {
				continue
			}
			out = append(out, HistoryEntry{Timestamp: tk.Timestamp, Value: e.Value, Tombstone: len(e.Value) == 0})
		}
	}
	return out, nil
}

func sortHistory(entries []HistoryEntry, ascending bool) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			less := entries[j-1].Timestamp > entries[j].Timestamp
			if !ascending {
				less = entries[j-1].Timestamp < entries[j].Timestamp
			}
			if !less {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Modification is one temporally-keyed write discovered while scanning a
// commit's range, the raw material CommitPipeline hands to IndexBackend.
type Modification struct {
	Keyspace  string
	Key       string
	Timestamp uint64
	Value     []byte
	Tombstone bool
}

// ModificationsAt returns every (keyspace, key) written at exactly
// timestamp t in the chunk of branch whose validity interval covers t.
func (m *TemporalMatrix) ModificationsAt(ctx context.Context, branch string, t uint64) ([]Modification, error) {
	bm, err := m.gcm.branchManager(ctx, branch)
	if err != nil {
		return nil, err
	}
	cf, err := bm.ChunkForTimestamp(t)
	if err != nil {
		return nil, err
	}
	return m.modificationsInChunk(ctx, branch, cf, t, t)
}

// ModificationsInChunk returns every write in cf whose timestamp falls in
// [tFrom, tTo], used by index rebuild to replay one chunk at a time.
func (m *TemporalMatrix) ModificationsInChunk(ctx context.Context, branch string, cf *ChunkFile, tFrom, tTo uint64) ([]Modification, error) {
	return m.modificationsInChunk(ctx, branch, cf, tFrom, tTo)
}

func (m *TemporalMatrix) modificationsInChunk(ctx context.Context, branch string, cf *ChunkFile, tFrom, tTo uint64) ([]Modification, error) {
	txn, _, err := m.gcm.OpenTransaction(ctx, branch, cf.ValidFrom(), true)
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()

	entries, err := txn.Scan([]byte{}, maxByteKey, true)
	if err != nil {
		return nil, err
	}

	var out []Modification
	for _, e := range entries {
		tk, err := DecodeTemporalKey(e.Key)
		if err != nil {
			return nil, err
		}
		if tk.Keyspace == commitMetaKeyspace {
			continue
		}
		if tk.Timestamp < tFrom || tk.Timestamp > tTo {
			continue
		}
		out = append(out, Modification{
			Keyspace:  tk.Keyspace,
			Key:       tk.Key,
			Timestamp: tk.Timestamp,
			Value:     e.Value,
			Tombstone: len(e.Value) == 0,
		})
	}
	return out, nil
}
