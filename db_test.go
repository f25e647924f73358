package chronodb

import (
	"context"
	"testing"
)

func newTestDB(t *testing.T) *ChronoDB {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Storage.Backend = "memory"
	cfg.Index.Backend = "memory"
	cfg.Cache.Enabled = true
	cfg.Cache.MaxSize = 100
	cfg.Retry.MaxAttempts = 1

	db, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestChronoDBEmptyStoreReadsMiss(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, found, err := db.Get(ctx, masterBranch, "users", "42", 100); found || err != nil {
		t.Fatalf("expected miss on an empty store, found=%v err=%v", found, err)
	}
}

func TestChronoDBCommitAndGetAtVariousTimestamps(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t1, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	t2, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice2")}})
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if v, found, err := db.Get(ctx, masterBranch, "users", "42", t1); err != nil || !found || string(v) != "alice" {
		t.Fatalf("expected alice at t1, got %q found=%v err=%v", v, found, err)
	}
	if v, found, err := db.Get(ctx, masterBranch, "users", "42", t2); err != nil || !found || string(v) != "alice2" {
		t.Fatalf("expected alice2 at t2, got %q found=%v err=%v", v, found, err)
	}
	if v, found, err := db.Get(ctx, masterBranch, "users", "42", t2+1000); err != nil || !found || string(v) != "alice2" {
		t.Fatalf("expected alice2 to still be current far in the future, got %q found=%v err=%v", v, found, err)
	}
}

func TestChronoDBTombstoneDeleteWithDescendingHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t1, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	t2, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: nil}})
	if err != nil {
		t.Fatalf("commit tombstone: %v", err)
	}

	if _, found, err := db.Get(ctx, masterBranch, "users", "42", t2); found || err != nil {
		t.Fatalf("expected miss after delete, found=%v err=%v", found, err)
	}

	entries, err := db.History(ctx, masterBranch, "users", "42", 0, t2+10, false)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries (write + tombstone), got %d: %+v", len(entries), entries)
	}
	if entries[0].Timestamp != t2 || !entries[0].Tombstone {
		t.Fatalf("expected descending history to start with the tombstone at t2, got %+v", entries[0])
	}
	if entries[1].Timestamp != t1 || entries[1].Tombstone {
		t.Fatalf("expected the write at t1 to follow, got %+v", entries[1])
	}
}

func TestChronoDBBranchForkAndReadThrough(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t1, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}})
	if err != nil {
		t.Fatalf("commit on master: %v", err)
	}

	branch, err := db.CreateBranch(ctx, "feature", masterBranch, t1+50)
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if branch.Origin != masterBranch {
		t.Fatalf("expected feature's origin to be master, got %q", branch.Origin)
	}

	if v, found, err := db.Get(ctx, "feature", "users", "42", t1+10); err != nil || !found || string(v) != "alice" {
		t.Fatalf("expected feature to fall through to master before its branching timestamp, got %q found=%v err=%v", v, found, err)
	}

	if _, err := db.Commit(ctx, "feature", []Mutation{{Keyspace: "users", Key: "42", Value: []byte("branched")}}); err != nil {
		t.Fatalf("commit on feature: %v", err)
	}

	if v, found, err := db.Get(ctx, "feature", "users", "42", t1+10000); err != nil || !found || string(v) != "branched" {
		t.Fatalf("expected feature's own write to shadow master, got %q found=%v err=%v", v, found, err)
	}
	if v, found, err := db.Get(ctx, masterBranch, "users", "42", t1+10000); err != nil || !found || string(v) != "alice" {
		t.Fatalf("expected master to be unaffected by feature's write, got %q found=%v err=%v", v, found, err)
	}
}

func TestChronoDBBranchReadAtExactBranchingTimestampFallsThroughToOrigin(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t1, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}})
	if err != nil {
		t.Fatalf("commit on master: %v", err)
	}
	bt := t1 + 50
	if _, err := db.CreateBranch(ctx, "feature", masterBranch, bt); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	// A read at exactly the branching timestamp has no rows of its own on
	// feature yet: feature's own history starts strictly after bt, so this
	// must fall through and return master's value at bt.
	if v, found, err := db.Get(ctx, "feature", "users", "42", bt); err != nil || !found || string(v) != "alice" {
		t.Fatalf("expected feature@bt to fall through to master@bt, got %q found=%v err=%v", v, found, err)
	}

	if _, err := db.Commit(ctx, "feature", []Mutation{{Keyspace: "users", Key: "42", Value: []byte("branched")}}); err != nil {
		t.Fatalf("commit on feature: %v", err)
	}

	// feature's own commit lands strictly after bt, so a read at exactly bt
	// still falls through to master, unaffected by feature's later write.
	if v, found, err := db.Get(ctx, "feature", "users", "42", bt); err != nil || !found || string(v) != "alice" {
		t.Fatalf("expected feature@bt to still read master's value after feature's own commit, got %q found=%v err=%v", v, found, err)
	}

	entries, err := db.History(ctx, "feature", "users", "42", 0, bt, true)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Timestamp != t1 || string(entries[0].Value) != "alice" {
		t.Fatalf("expected history through bt to include master's write at t1, got %+v", entries)
	}
}

func TestChronoDBQueryUsesRegisteredIndexer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.RegisterIndexer(upperCaseIndexer{name: "by_value"})

	t1, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	keys, err := db.Query(ctx, "by_value", masterBranch, "alice", t1+10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(keys) != 1 || keys[0] != "42" {
		t.Fatalf("expected [42], got %v", keys)
	}
}

func TestChronoDBRebuildIndexReplaysFullHistory(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.RegisterIndexer(upperCaseIndexer{name: "by_value"})

	if _, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.RebuildIndex(ctx, masterBranch); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	keys, err := db.Query(ctx, "by_value", masterBranch, "alice", 1_000_000)
	if err != nil {
		t.Fatalf("query after rebuild: %v", err)
	}
	if len(keys) != 1 || keys[0] != "42" {
		t.Fatalf("expected rebuild to reproduce [42], got %v", keys)
	}
}

func TestChronoDBRolloverSealsHeadAndAcceptsFurtherWrites(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t1, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := db.Rollover(ctx, masterBranch, t1+10); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	t2, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "43", Value: []byte("bob")}})
	if err != nil {
		t.Fatalf("commit after rollover: %v", err)
	}

	if v, found, err := db.Get(ctx, masterBranch, "users", "42", t2); err != nil || !found || string(v) != "alice" {
		t.Fatalf("expected pre-rollover data to still be readable, got %q found=%v err=%v", v, found, err)
	}
	if v, found, err := db.Get(ctx, masterBranch, "users", "43", t2); err != nil || !found || string(v) != "bob" {
		t.Fatalf("expected post-rollover write to be readable, got %q found=%v err=%v", v, found, err)
	}
}

func TestChronoDBCloseIsIdempotentAndRejectsFurtherUse(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Commit(ctx, masterBranch, []Mutation{{Keyspace: "users", Key: "42", Value: []byte("alice")}}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("expected second close to be a no-op, got %v", err)
	}
	if _, _, err := db.Get(ctx, masterBranch, "users", "42", 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
