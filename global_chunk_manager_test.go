package chronodb

import (
	"context"
	"testing"
)

func newTestGlobalChunkManager(t *testing.T, maxOpenFiles int) *GlobalChunkManager {
	t.Helper()
	return newGlobalChunkManager(GlobalChunkManagerConfig{
		Backend:      NewMemoryBackend(),
		WALDir:       t.TempDir(),
		MaxOpenFiles: maxOpenFiles,
	})
}

func TestGlobalChunkManagerOpenHeadTransactionRoundtrip(t *testing.T) {
	ctx := context.Background()
	gcm := newTestGlobalChunkManager(t, DefaultMaxOpenFiles)

	txn, cf, err := gcm.OpenHeadTransaction(ctx, masterBranch)
	if err != nil {
		t.Fatalf("open head txn: %v", err)
	}
	if !cf.IsHead() {
		t.Fatal("expected head chunk")
	}
	if err := txn.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if gcm.OpenHandleCount() != 1 {
		t.Fatalf("expected 1 open handle, got %d", gcm.OpenHandleCount())
	}
}

func TestGlobalChunkManagerRejectsWriteAgainstSealedChunk(t *testing.T) {
	ctx := context.Background()
	gcm := newTestGlobalChunkManager(t, DefaultMaxOpenFiles)

	bm, err := gcm.branchManager(ctx, masterBranch)
	if err != nil {
		t.Fatalf("branch manager: %v", err)
	}
	if _, _, err := bm.PerformRollover(ctx, 100); err != nil {
		t.Fatalf("rollover: %v", err)
	}

	if _, _, err := gcm.OpenTransaction(ctx, masterBranch, 50, false); err != ErrChunkSealed {
		t.Fatalf("expected ErrChunkSealed against a non-head chunk, got %v", err)
	}

	// A bogus (read-only, historical-scan) transaction may still open
	// against a sealed chunk.
	if _, _, err := gcm.OpenTransaction(ctx, masterBranch, 50, true); err != nil {
		t.Fatalf("expected bogus transaction against sealed chunk to succeed: %v", err)
	}
}

func TestGlobalChunkManagerEvictsIdleHandlesBeyondMaxOpenFiles(t *testing.T) {
	ctx := context.Background()
	gcm := newTestGlobalChunkManager(t, 5)

	bm, err := gcm.branchManager(ctx, masterBranch)
	if err != nil {
		t.Fatalf("branch manager: %v", err)
	}

	for i := 0; i < 6; i++ {
		txn, cf, err := gcm.OpenHeadTransaction(ctx, masterBranch)
		if err != nil {
			t.Fatalf("open head txn %d: %v", i, err)
		}
		if err := txn.Put([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
		if _, _, err := bm.PerformRollover(ctx, cf.ValidFrom()+10); err != nil {
			t.Fatalf("rollover %d: %v", i, err)
		}
	}

	if gcm.OpenHandleCount() > 5 {
		t.Fatalf("expected open handle count capped at 5, got %d", gcm.OpenHandleCount())
	}
}

func TestGlobalChunkManagerEnsureClosedRefusesBusyHandle(t *testing.T) {
	ctx := context.Background()
	gcm := newTestGlobalChunkManager(t, DefaultMaxOpenFiles)

	txn, cf, err := gcm.OpenHeadTransaction(ctx, masterBranch)
	if err != nil {
		t.Fatalf("open head txn: %v", err)
	}

	if err := gcm.EnsureClosed(cf.DataKey()); err != ErrHandleBusy {
		t.Fatalf("expected ErrHandleBusy while a transaction is open, got %v", err)
	}

	if err := txn.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := gcm.EnsureClosed(cf.DataKey()); err != nil {
		t.Fatalf("expected clean close once idle: %v", err)
	}
	if gcm.OpenHandleCount() != 0 {
		t.Fatalf("expected 0 open handles after EnsureClosed, got %d", gcm.OpenHandleCount())
	}
}

func TestGlobalChunkManagerShutdownClosesBusyHandlesUnconditionally(t *testing.T) {
	ctx := context.Background()
	gcm := newTestGlobalChunkManager(t, DefaultMaxOpenFiles)

	txn, _, err := gcm.OpenHeadTransaction(ctx, masterBranch)
	if err != nil {
		t.Fatalf("open head txn: %v", err)
	}

	if err := gcm.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if gcm.OpenHandleCount() != 0 {
		t.Fatalf("expected shutdown to close every handle unconditionally, even a busy one, got %d open", gcm.OpenHandleCount())
	}
	_ = txn.Rollback()
}
