package chronodb

import "testing"

func TestReadCachePutGet(t *testing.T) {
	c := NewReadCache(10, true)
	c.Put("master", "users", "42", 100, []byte("alice"), false)

	v, tombstone, found := c.Get("master", "users", "42", 100)
	if !found || tombstone || string(v) != "alice" {
		t.Fatalf("expected hit alice, got %q tombstone=%v found=%v", v, tombstone, found)
	}

	if _, _, found := c.Get("master", "users", "42", 200); found {
		t.Fatal("expected miss at a different timestamp")
	}
}

func TestReadCacheEvictsLRU(t *testing.T) {
	c := NewReadCache(2, true)
	c.Put("master", "users", "1", 1, []byte("a"), false)
	c.Put("master", "users", "2", 1, []byte("b"), false)
	c.Put("master", "users", "3", 1, []byte("c"), false)

	stats := c.Stats()
	if stats.Entries != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", stats.Entries)
	}
	if _, _, found := c.Get("master", "users", "1", 1); found {
		t.Fatal("expected oldest entry to have been evicted")
	}
	if stats.EvictionCount == 0 {
		t.Fatal("expected eviction count to be nonzero")
	}
}

func TestReadCacheInvalidateKeyFrom(t *testing.T) {
	c := NewReadCache(10, true)
	c.Put("master", "users", "42", 100, []byte("alice"), false)
	c.Put("master", "users", "42", 200, []byte("alice2"), false)
	c.Put("master", "users", "43", 100, []byte("bob"), false)

	c.InvalidateKeyFrom("master", "users", "42", 150)

	if _, _, found := c.Get("master", "users", "42", 100); !found {
		t.Fatal("expected entry before the invalidation point to survive")
	}
	if _, _, found := c.Get("master", "users", "42", 200); found {
		t.Fatal("expected entry at or after the invalidation point to be gone")
	}
	if _, _, found := c.Get("master", "users", "43", 100); !found {
		t.Fatal("expected unrelated key to be untouched")
	}
}

func TestReadCacheInvalidateDescendantBefore(t *testing.T) {
	c := NewReadCache(10, true)
	c.Put("feature", "users", "42", 50, []byte("alice"), false)
	c.Put("feature", "users", "42", 150, []byte("alice2"), false)

	c.InvalidateDescendantBefore("feature", 100)

	if _, _, found := c.Get("feature", "users", "42", 50); found {
		t.Fatal("expected entry served via fall-through (T <= branchingTimestamp) to be invalidated")
	}
	if _, _, found := c.Get("feature", "users", "42", 150); !found {
		t.Fatal("expected entry from the branch's own history (T > branchingTimestamp) to survive")
	}
}

func TestReadCacheCopiesValuesWhenNotAssumedImmutable(t *testing.T) {
	c := NewReadCache(10, false)
	value := []byte("alice")
	c.Put("master", "users", "42", 100, value, false)

	got, _, found := c.Get("master", "users", "42", 100)
	if !found {
		t.Fatal("expected hit")
	}
	got[0] = 'X'

	got2, _, _ := c.Get("master", "users", "42", 100)
	if got2[0] == 'X' {
		t.Fatal("expected defensive copy to prevent mutation from leaking back into the cache")
	}
}
