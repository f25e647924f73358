package chronodb

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Indexer computes the indexed value for one named secondary index from
// a committed value, or reports ok=false to skip indexing that write
// (e.g. a value that fails to parse for that index, or a tombstone).
// Only an Indexer's descriptor is ever persisted; the Indexer itself
// must be re-registered by name each time a store is opened, matching
// the "no closures survive a restart" rule of §4.7 and §9.
type Indexer interface {
	Name() string
	Extract(value []byte) (string, bool)
}

// IndexDocument is one entry in a secondary index: "key K had indexed
// value V from ValidFrom until ValidTo" within one branch's keyspace.
// ValidTo is InfiniteTimestamp while the document is still current.
type IndexDocument struct {
	IndexName string
	Branch    string
	Keyspace  string
	Key       string
	Value     string
	ValidFrom uint64
	ValidTo   uint64
}

func (d IndexDocument) covers(t uint64) bool {
	return t >= d.ValidFrom && (d.ValidTo == InfiniteTimestamp || t < d.ValidTo)
}

// IndexBackend is the pluggable secondary-index store of §4.7: it
// consumes the modifications produced by each commit and answers
// point-in-time equality queries against a named index. An index whose
// last write failed is marked dirty and refuses queries until rebuilt.
type IndexBackend interface {
	RegisterIndexer(idx Indexer)
	ApplyModifications(ctx context.Context, branch string, mods []Modification) error
	Query(ctx context.Context, indexName, branch, value string, t uint64) ([]string, error)
	IsDirty(branch string) bool
	MarkDirty(branch string)
	Rebuild(ctx context.Context, branch string, mods []Modification) error
	Close() error
}

// MemoryIndexBackend is an in-process IndexBackend, grounded on the
// teacher's map-and-mutex time index: documents are kept in per-index
// slices ordered by ValidFrom for a linear-scan floor lookup, which is
// adequate for the document volumes an embedded index sees.
type MemoryIndexBackend struct {
	mu        sync.RWMutex
	indexers  map[string]Indexer
	documents map[string][]IndexDocument // key: indexName + "\x00" + branch
	dirty     map[string]bool
}

// NewMemoryIndexBackend creates an empty in-memory secondary index store.
func NewMemoryIndexBackend() *MemoryIndexBackend {
	return &MemoryIndexBackend{
		indexers:  map[string]Indexer{},
		documents: map[string][]IndexDocument{},
		dirty:     map[string]bool{},
	}
}

func (b *MemoryIndexBackend) RegisterIndexer(idx Indexer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.indexers[idx.Name()] = idx
}

func bucketKey(indexName, branch string) string { return indexName + "\x00" + branch }

// ApplyModifications closes out the previous document for any
// (keyspace,key) touched by mods and opens a new one wherever an
// indexer accepts the new value, mirroring TuplIndexManagerBackend's
// document update-and-append pattern in the original implementation.
func (b *MemoryIndexBackend) ApplyModifications(ctx context.Context, branch string, mods []Modification) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, indexer := range b.indexers {
		bk := bucketKey(indexer.Name(), branch)
		docs := b.documents[bk]

		for _, mod := range mods {
			for i := range docs {
				d := &docs[i]
				if d.Keyspace == mod.Keyspace && d.Key == mod.Key && d.ValidTo == InfiniteTimestamp {
					d.ValidTo = mod.Timestamp
				}
			}
			if mod.Tombstone {
				continue
			}
			value, ok := indexer.Extract(mod.Value)
			if !ok {
				continue
			}
			docs = append(docs, IndexDocument{
				IndexName: indexer.Name(),
				Branch:    branch,
				Keyspace:  mod.Keyspace,
				Key:       mod.Key,
				Value:     value,
				ValidFrom: mod.Timestamp,
				ValidTo:   InfiniteTimestamp,
			})
		}
		b.documents[bk] = docs
	}
	return nil
}

// Query returns every key whose indexed value equals value as of t.
func (b *MemoryIndexBackend) Query(ctx context.Context, indexName, branch, value string, t uint64) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.dirty[branch] {
		return nil, newIndexError(indexName, ErrIndexDirty)
	}
	if _, ok := b.indexers[indexName]; !ok {
		return nil, newIndexError(indexName, ErrIndexUnknown)
	}

	docs := b.documents[bucketKey(indexName, branch)]
	seen := map[string]bool{}
	var out []string
	for _, d := range docs {
		if d.Value == value && d.covers(t) && !seen[d.Key] {
			seen[d.Key] = true
			out = append(out, d.Key)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryIndexBackend) IsDirty(branch string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dirty[branch]
}

func (b *MemoryIndexBackend) MarkDirty(branch string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty[branch] = true
}

// Rebuild discards every document for branch and replays mods from
// scratch, clearing the dirty flag on success.
func (b *MemoryIndexBackend) Rebuild(ctx context.Context, branch string, mods []Modification) error {
	b.mu.Lock()
	for name := range b.indexers {
		delete(b.documents, bucketKey(name, branch))
	}
	b.mu.Unlock()

	if err := b.ApplyModifications(ctx, branch, mods); err != nil {
		return fmt.Errorf("chronodb: rebuild index for branch %q: %w", branch, err)
	}

	b.mu.Lock()
	delete(b.dirty, branch)
	b.mu.Unlock()
	return nil
}

func (b *MemoryIndexBackend) Close() error { return nil }
