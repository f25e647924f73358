package chronodb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteIndexBackend(t *testing.T) *SQLiteIndexBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	b, err := NewSQLiteIndexBackend(DefaultSQLiteIndexConfig(path))
	if err != nil {
		t.Fatalf("new sqlite index backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteIndexBackendApplyAndQuery(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteIndexBackend(t)
	b.RegisterIndexer(upperCaseIndexer{name: "by_value"})

	if err := b.ApplyModifications(ctx, masterBranch, []Modification{
		{Keyspace: "users", Key: "42", Timestamp: 100, Value: []byte("alice")},
	}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	keys, err := b.Query(ctx, "by_value", masterBranch, "alice", 150)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(keys) != 1 || keys[0] != "42" {
		t.Fatalf("expected [42], got %v", keys)
	}

	keys, err = b.Query(ctx, "by_value", masterBranch, "alice", 50)
	if err != nil {
		t.Fatalf("query before write: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no results before the write's timestamp, got %v", keys)
	}
}

func TestSQLiteIndexBackendOverwriteClosesPriorDocument(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteIndexBackend(t)
	b.RegisterIndexer(upperCaseIndexer{name: "by_value"})

	_ = b.ApplyModifications(ctx, masterBranch, []Modification{
		{Keyspace: "users", Key: "42", Timestamp: 100, Value: []byte("alice")},
	})
	_ = b.ApplyModifications(ctx, masterBranch, []Modification{
		{Keyspace: "users", Key: "42", Timestamp: 200, Value: []byte("bob")},
	})

	keys, _ := b.Query(ctx, "by_value", masterBranch, "alice", 250)
	if len(keys) != 0 {
		t.Fatalf("expected alice's document to be closed after overwrite, got %v", keys)
	}
	keys, _ = b.Query(ctx, "by_value", masterBranch, "bob", 250)
	if len(keys) != 1 {
		t.Fatalf("expected bob to be current at T=250, got %v", keys)
	}
}

func TestSQLiteIndexBackendDirtyRefusesQuery(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteIndexBackend(t)
	b.RegisterIndexer(upperCaseIndexer{name: "by_value"})
	b.MarkDirty(masterBranch)

	if !b.IsDirty(masterBranch) {
		t.Fatal("expected dirty flag to persist")
	}
	if _, err := b.Query(ctx, "by_value", masterBranch, "alice", 100); !errors.Is(err, ErrIndexDirty) {
		t.Fatalf("expected ErrIndexDirty, got %v", err)
	}
}

func TestSQLiteIndexBackendRebuildClearsDirtyAndReplaysHistory(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteIndexBackend(t)
	b.RegisterIndexer(upperCaseIndexer{name: "by_value"})
	b.MarkDirty(masterBranch)

	mods := []Modification{{Keyspace: "users", Key: "42", Timestamp: 100, Value: []byte("alice")}}
	if err := b.Rebuild(ctx, masterBranch, mods); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if b.IsDirty(masterBranch) {
		t.Fatal("expected dirty flag cleared after rebuild")
	}
	keys, err := b.Query(ctx, "by_value", masterBranch, "alice", 150)
	if err != nil || len(keys) != 1 {
		t.Fatalf("expected rebuilt index to answer queries, got %v err=%v", keys, err)
	}
}

func TestSQLiteIndexBackendUnknownIndex(t *testing.T) {
	ctx := context.Background()
	b := newTestSQLiteIndexBackend(t)
	if _, err := b.Query(ctx, "nope", masterBranch, "x", 1); !errors.Is(err, ErrIndexUnknown) {
		t.Fatalf("expected ErrIndexUnknown, got %v", err)
	}
}
