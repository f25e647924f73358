package chronodb

import (
	"context"
	"testing"
	"time"
)

func TestTieredBackendWritesGoToHot(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryBackend(), NewMemoryBackend()
	tb := NewTieredBackend(hot, cold, 30*24*time.Hour)

	if err := tb.Write(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ok, _ := hot.Exists(ctx, "k"); !ok {
		t.Fatal("expected write to land in hot storage")
	}
	if ok, _ := cold.Exists(ctx, "k"); ok {
		t.Fatal("expected write to not land in cold storage")
	}
}

func TestTieredBackendReadPromotesFromCold(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryBackend(), NewMemoryBackend()
	tb := NewTieredBackend(hot, cold, 30*24*time.Hour)

	_ = cold.Write(ctx, "k", []byte("cold value"))

	data, err := tb.Read(ctx, "k")
	if err != nil || string(data) != "cold value" {
		t.Fatalf("read: %q err=%v", data, err)
	}
	if ok, _ := hot.Exists(ctx, "k"); !ok {
		t.Fatal("expected cold read to promote the key into hot storage")
	}
}

func TestTieredBackendListMergesBothTiers(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryBackend(), NewMemoryBackend()
	tb := NewTieredBackend(hot, cold, 30*24*time.Hour)

	_ = hot.Write(ctx, "branches/master/chunk_0001.data", []byte("h"))
	_ = cold.Write(ctx, "branches/master/chunk_0000.data", []byte("c"))

	keys, err := tb.List(ctx, "branches/master/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected keys merged from both tiers, got %v", keys)
	}
}

func TestTieredBackendDeleteSucceedsIfEitherTierSucceeds(t *testing.T) {
	ctx := context.Background()
	hot, cold := NewMemoryBackend(), NewMemoryBackend()
	tb := NewTieredBackend(hot, cold, 30*24*time.Hour)

	_ = hot.Write(ctx, "k", []byte("v"))
	if err := tb.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}
