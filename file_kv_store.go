package chronodb

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/golang/snappy"
)

// FileKvStore is an OrderedKvStore backed by a ChunkStorageBackend for
// durable snapshots and a local WAL for crash recovery between
// snapshots. It is the concrete implementation of §6's opaque ordered
// KV store contract that GlobalChunkManager opens for every chunk,
// whichever storage backend is configured.
type FileKvStore struct {
	backend ChunkStorageBackend
	key     string

	wal       *WAL
	compress  bool
	encryptor *Encryptor

	mu     sync.RWMutex
	tree   *BTree
	closed bool
}

// NewFileKvStore opens (or creates) the durable store for one chunk.
// It loads the most recent snapshot from backend, if any, then replays
// the WAL on top of it to recover writes made since that snapshot.
func NewFileKvStore(ctx context.Context, backend ChunkStorageBackend, key, walPath string, compress bool, encryptor *Encryptor) (*FileKvStore, error) {
	s := &FileKvStore{
		backend:   backend,
		key:       key,
		compress:  compress,
		encryptor: encryptor,
		tree:      newBTree(16),
	}

	exists, err := backend.Exists(ctx, key)
	if err != nil {
		return nil, newStorageError(StorageErrorRead, "check chunk snapshot", key, err)
	}
	if exists {
		raw, err := backend.Read(ctx, key)
		if err != nil {
			return nil, newStorageError(StorageErrorRead, "read chunk snapshot", key, err)
		}
		entries, err := s.decodePayload(raw)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			s.tree.Insert(e.Key, e.Value)
		}
	}

	wal, err := NewWAL(walPath, 0, 0, 0, WithWALEncryptor(encryptor))
	if err != nil {
		return nil, err
	}
	s.wal = wal

	replayed, err := wal.ReadAll()
	if err != nil {
		return nil, err
	}
	for _, e := range replayed {
		s.tree.Insert(e.Key, e.Value)
	}

	return s, nil
}

// encodePayload frames an encrypted snapshot as
// EncryptedHeader ‖ Encrypt(payload), so the salt the snapshot was
// encrypted under travels in-band with the file rather than relying
// solely on the store-wide sidecar salt file staying next to it.
func (s *FileKvStore) encodePayload(entries []btreeEntry) ([]byte, error) {
	kv := make([]KvEntry, len(entries))
	for i, e := range entries {
		kv[i] = KvEntry{Key: e.key, Value: e.value}
	}
	payload := encodeWALEntries(kv)

	if s.compress {
		payload = snappy.Encode(nil, payload)
	}
	if s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(payload)
		if err != nil {
			return nil, newStorageError(StorageErrorWrite, "encrypt chunk snapshot", s.key, err)
		}
		var buf bytes.Buffer
		if err := WriteEncryptedHeader(&buf, s.encryptor.Salt()); err != nil {
			return nil, newStorageError(StorageErrorWrite, "write chunk snapshot header", s.key, err)
		}
		buf.Write(enc)
		payload = buf.Bytes()
	}
	return payload, nil
}

func (s *FileKvStore) decodePayload(raw []byte) ([]KvEntry, error) {
	payload := raw
	var err error
	if s.encryptor != nil {
		header, err := ReadEncryptedHeader(bytes.NewReader(payload))
		if err != nil {
			return nil, newStorageError(StorageErrorCorruption, "read chunk snapshot header", s.key, err)
		}
		// A raw-key encryptor (NewEncryptorWithKey) has no salt to check;
		// a password-derived one does, and a mismatch means this snapshot
		// was written under a different password/salt than the one now
		// open, a clearer signal than the AEAD auth failure that would
		// follow from Decrypt using the wrong key.
		if salt := s.encryptor.Salt(); len(salt) > 0 && !bytes.Equal(header.Salt[:], salt) {
			return nil, newStorageError(StorageErrorCorruption, "chunk snapshot encrypted under a different salt", s.key, ErrSaltMismatch)
		}
		payload, err = s.encryptor.Decrypt(payload[EncryptedHeaderSize:])
		if err != nil {
			return nil, newStorageError(StorageErrorCorruption, "decrypt chunk snapshot", s.key, err)
		}
	}
	if s.compress {
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, newStorageError(StorageErrorCorruption, "decompress chunk snapshot", s.key, err)
		}
	}
	entries, err := decodeWALEntries(payload)
	if err != nil {
		return nil, newStorageError(StorageErrorCorruption, "decode chunk snapshot", s.key, err)
	}
	return entries, nil
}

// Snapshot flushes the current in-memory tree to the storage backend as
// a single object and resets the WAL, matching the teacher's
// persist-then-truncate rotation idiom. Call after sealing a chunk, and
// periodically on the head chunk to bound recovery time.
func (s *FileKvStore) Snapshot(ctx context.Context) error {
	s.mu.RLock()
	entries := s.tree.Range(nil, maxByteKey)
	s.mu.RUnlock()

	payload, err := s.encodePayload(entries)
	if err != nil {
		return err
	}
	if err := s.backend.Write(ctx, s.key, payload); err != nil {
		return newStorageError(StorageErrorWrite, "write chunk snapshot", s.key, err)
	}
	return s.wal.Reset()
}

func (s *FileKvStore) BeginTxn(ctx context.Context, bogus bool) (KvTxn, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &fileTxn{ctx: ctx, store: s, bogus: bogus, staged: map[string]stagedWrite{}}, nil
}

// Close snapshots the store's current state and closes its WAL. The
// underlying ChunkStorageBackend is owned by the caller and is not closed.
func (s *FileKvStore) Close() error {
	if err := s.Snapshot(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.wal.Close()
}

type fileTxn struct {
	ctx    context.Context
	store  *FileKvStore
	bogus  bool
	staged map[string]stagedWrite
	done   bool
}

func (tx *fileTxn) Put(key, value []byte) error {
	if tx.done {
		return ErrClosed
	}
	if tx.bogus {
		return fmt.Errorf("chronodb: bogus transaction cannot write")
	}
	tx.staged[string(key)] = stagedWrite{value: value}
	return nil
}

func (tx *fileTxn) Get(key []byte) ([]byte, bool, error) {
	if w, ok := tx.staged[string(key)]; ok {
		return w.value, true, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	v, ok := tx.store.tree.Get(key)
	return v, ok, nil
}

func (tx *fileTxn) Floor(key []byte) (KvEntry, bool, error) {
	tx.store.mu.RLock()
	k, v, ok := tx.store.tree.Floor(key)
	tx.store.mu.RUnlock()

	best := KvEntry{}
	found := false
	if ok {
		best = KvEntry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}
		found = true
	}
	for ks, w := range tx.staged {
		kb := []byte(ks)
		if bytes.Compare(kb, key) <= 0 && (!found || bytes.Compare(kb, best.Key) > 0) {
			best = KvEntry{Key: kb, Value: w.value}
			found = true
		}
	}
	return best, found, nil
}

func (tx *fileTxn) Scan(lo, hi []byte, ascending bool) ([]KvEntry, error) {
	tx.store.mu.RLock()
	entries := tx.store.tree.Range(lo, hi)
	tx.store.mu.RUnlock()

	merged := map[string][]byte{}
	for _, e := range entries {
		merged[string(e.key)] = e.value
	}
	for ks, w := range tx.staged {
		kb := []byte(ks)
		if bytes.Compare(kb, lo) >= 0 && bytes.Compare(kb, hi) <= 0 {
			merged[ks] = w.value
		}
	}
	out := make([]KvEntry, 0, len(merged))
	for ks, v := range merged {
		out = append(out, KvEntry{Key: []byte(ks), Value: v})
	}
	sortEntries(out, ascending)
	return out, nil
}

func (tx *fileTxn) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	if tx.bogus || len(tx.staged) == 0 {
		return nil
	}

	entries := make([]KvEntry, 0, len(tx.staged))
	for k, w := range tx.staged {
		entries = append(entries, KvEntry{Key: []byte(k), Value: w.value})
	}
	if err := tx.store.wal.Write(entries); err != nil {
		return newStorageError(StorageErrorWrite, "write WAL", tx.store.key, err)
	}

	tx.store.mu.Lock()
	for _, e := range entries {
		tx.store.tree.Insert(e.Key, e.Value)
	}
	tx.store.mu.Unlock()
	return nil
}

func (tx *fileTxn) Rollback() error {
	tx.done = true
	tx.staged = nil
	return nil
}
