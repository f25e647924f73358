package chronodb

import (
	"context"
	"io"
)

// ChunkStorageBackend is the pluggable storage layer beneath a chunk
// file: it stores opaque byte blobs addressed by key, independent of
// whether those bytes end up on local disk, in memory, or in an object
// store. ChunkFile addresses one object per chunk data/meta file
// through this interface; nothing above it is aware of the concrete
// backend in use.
type ChunkStorageBackend interface {
	// Read reads a chunk object from storage.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write writes a chunk object to storage.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a chunk object from storage.
	Delete(ctx context.Context, key string) error

	// List returns all object keys matching a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources.
	Close() error
}

// Ensure interfaces are implemented.
var (
	_ ChunkStorageBackend = (*FileBackend)(nil)
	_ ChunkStorageBackend = (*S3Backend)(nil)
	_ ChunkStorageBackend = (*MemoryBackend)(nil)
	_ ChunkStorageBackend = (*TieredBackend)(nil)
)

// StorageBackendFromReader drains a ReadCloser into memory, useful for
// backends whose underlying client hands back streaming responses.
func StorageBackendFromReader(r io.ReadCloser) ([]byte, error) {
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
