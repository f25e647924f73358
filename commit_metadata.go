package chronodb

import (
	"context"
	"encoding/json"
)

// commitMetaKeyspace is a reserved keyspace commit metadata is written
// under, alongside a commit's own mutations, inside the branch's head
// chunk, following §6's `chronodb_indexers_<branch>`/
// `chronodb_indexdirty_<branch>` management-key convention. It is never
// returned by Get/History and is filtered out of modificationsInChunk's
// results so it never reaches the secondary index.
const commitMetaKeyspace = "chronodb_commit_meta"

const commitMetaKey = "meta"

// CommitMetadata is the durable record persisted at (branch, t) as part
// of every commit, per §3's `(branch, t, payload?)` schema and §4.8 step
// 6. Because it is written into the same KV transaction as the commit's
// base-data mutations, it shares that transaction's atomicity: after a
// crash and recovery, either both are visible or neither is, satisfying
// §8's commit-atomicity invariant without a separate two-phase write.
type CommitMetadata struct {
	Timestamp     uint64
	MutationCount int
	Payload       []byte `json:",omitempty"`
}

func encodeCommitMetadata(m CommitMetadata) ([]byte, error) {
	return json.Marshal(m)
}

func decodeCommitMetadata(data []byte) (CommitMetadata, error) {
	var m CommitMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return CommitMetadata{}, newStorageError(StorageErrorCorruption, "decode commit metadata", "", err)
	}
	return m, nil
}

// putCommitMetadata writes m's record into txn under the reserved commit
// metadata keyspace, to be committed atomically alongside the rest of
// the commit's mutations.
func putCommitMetadata(txn KvTxn, m CommitMetadata) error {
	data, err := encodeCommitMetadata(m)
	if err != nil {
		return newStorageError(StorageErrorWrite, "encode commit metadata", "", err)
	}
	return txn.Put(EncodeTemporalKey(commitMetaKeyspace, commitMetaKey, m.Timestamp), data)
}

// CommitMetadataAt returns the persisted metadata for branch's commit at
// exactly timestamp t, if one exists.
func (m *TemporalMatrix) CommitMetadataAt(ctx context.Context, branch string, t uint64) (CommitMetadata, bool, error) {
	bm, err := m.gcm.branchManager(ctx, branch)
	if err != nil {
		return CommitMetadata{}, false, err
	}
	cf, err := bm.ChunkForTimestamp(t)
	if err != nil {
		return CommitMetadata{}, false, nil
	}

	txn, _, err := m.gcm.OpenTransaction(ctx, branch, cf.ValidFrom(), true)
	if err != nil {
		return CommitMetadata{}, false, err
	}
	defer txn.Rollback()

	entry, ok, err := txn.Floor(upperBoundKey(commitMetaKeyspace, commitMetaKey, t))
	if err != nil {
		return CommitMetadata{}, false, err
	}
	if !ok {
		return CommitMetadata{}, false, nil
	}
	tk, err := DecodeTemporalKey(entry.Key)
	if err != nil {
		return CommitMetadata{}, false, err
	}
	if tk.Keyspace != commitMetaKeyspace || tk.Key != commitMetaKey || tk.Timestamp != t {
		return CommitMetadata{}, false, nil
	}
	meta, err := decodeCommitMetadata(entry.Value)
	if err != nil {
		return CommitMetadata{}, false, err
	}
	return meta, true, nil
}
