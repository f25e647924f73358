package chronodb

import "sync"

// readCacheEntry is one cached (branch, keyspace, key, T) -> value
// lookup result, per §4.9.
type readCacheEntry struct {
	value     []byte
	tombstone bool
}

// ReadCache is a bounded cache of point-in-time reads, grounded on the
// teacher's query result cache: a map plus an LRU access-order slice
// plus hit/miss/eviction counters updated under the cache mutex. Unlike the teacher's cache it
// keys on exact (branch, keyspace, key, T) coordinates rather than a
// query shape, since ChronoDB's read path is always a point lookup.
type ReadCache struct {
	maxSize         int
	assumeImmutable bool

	mu          sync.Mutex
	entries     map[string]readCacheEntry
	accessOrder []string

	// reverseIndex maps "branch\x00keyspace\x00key" to every cache key
	// touching that logical key, so a commit can invalidate exactly the
	// entries it affects without scanning the whole cache.
	reverseIndex map[string][]string

	hitCount      int64
	missCount     int64
	evictionCount int64
}

// NewReadCache creates a cache holding at most maxSize entries.
// assumeImmutable, when true, skips defensively copying cached byte
// slices on Put and Get, on the assumption that callers never mutate returned
// values in place.
func NewReadCache(maxSize int, assumeImmutable bool) *ReadCache {
	return &ReadCache{
		maxSize:         maxSize,
		assumeImmutable: assumeImmutable,
		entries:         map[string]readCacheEntry{},
		reverseIndex:    map[string][]string{},
	}
}

func readCacheKey(branch, keyspace, key string, t uint64) string {
	return string(EncodeTemporalKey(keyspace, key, t)) + "\x00" + branch
}

func logicalKeyOf(branch, keyspace, key string) string {
	return branch + "\x00" + keyspace + "\x00" + key
}

// Get returns the cached value for (branch, keyspace, key) as of t, if present.
func (c *ReadCache) Get(branch, keyspace, key string, t uint64) (value []byte, tombstone bool, found bool) {
	ck := readCacheKey(branch, keyspace, key, t)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ck]
	if !ok {
		c.missCount++
		return nil, false, false
	}
	c.hitCount++
	c.promoteLocked(ck)

	if c.assumeImmutable {
		return e.value, e.tombstone, true
	}
	return append([]byte(nil), e.value...), e.tombstone, true
}

// Put records the resolved value for (branch, keyspace, key) at t.
func (c *ReadCache) Put(branch, keyspace, key string, t uint64, value []byte, tombstone bool) {
	if c.maxSize <= 0 {
		return
	}
	ck := readCacheKey(branch, keyspace, key, t)
	lk := logicalKeyOf(branch, keyspace, key)
	if !c.assumeImmutable {
		value = append([]byte(nil), value...)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[ck]; !exists {
		for len(c.entries) >= c.maxSize {
			if !c.evictOneLocked() {
				break
			}
		}
		c.reverseIndex[lk] = append(c.reverseIndex[lk], ck)
		c.accessOrder = append(c.accessOrder, ck)
	}
	c.entries[ck] = readCacheEntry{value: value, tombstone: tombstone}
}

// InvalidateKeyFrom drops every cached entry for (branch, keyspace, key)
// at T >= from, called after a commit writes that logical key.
func (c *ReadCache) InvalidateKeyFrom(branch, keyspace, key string, from uint64) {
	lk := logicalKeyOf(branch, keyspace, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	cks := c.reverseIndex[lk]
	if len(cks) == 0 {
		return
	}
	var kept []string
	for _, ck := range cks {
		tk, err := decodeCacheTimestamp(ck)
		if err == nil && tk >= from {
			c.removeLocked(ck)
			continue
		}
		kept = append(kept, ck)
	}
	if len(kept) == 0 {
		delete(c.reverseIndex, lk)
	} else {
		c.reverseIndex[lk] = kept
	}
}

// InvalidateBranchFrom drops every cached entry for branch at T >= from,
// regardless of keyspace and key. CommitPipeline does not call it; a
// commit invalidates per key through InvalidateKeyFrom.
func (c *ReadCache) InvalidateBranchFrom(branch string, from uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ck := range c.entries {
		b, err := decodeCacheBranch(ck)
		if err != nil || b != branch {
			continue
		}
		t, err := decodeCacheTimestamp(ck)
		if err == nil && t >= from {
			c.removeLocked(ck)
		}
	}
}

// InvalidateDescendantBefore drops descendant's cached entries at
// T <= branchingTimestamp, since those entries were served by falling
// through to the ancestor (a descendant owns only T > branchingTimestamp)
// and the ancestor's history just changed. Entries at T > branchingTimestamp
// belong to descendant's own history and are untouched, per §9's Open
// Question 2 decision.
func (c *ReadCache) InvalidateDescendantBefore(descendant string, branchingTimestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ck := range c.entries {
		b, err := decodeCacheBranch(ck)
		if err != nil || b != descendant {
			continue
		}
		t, err := decodeCacheTimestamp(ck)
		if err == nil && t <= branchingTimestamp {
			c.removeLocked(ck)
		}
	}
}

func decodeCacheTimestamp(ck string) (uint64, error) {
	sep := len(ck)
	for i := len(ck) - 1; i >= 0; i-- {
		if ck[i] == 0 {
			sep = i
			break
		}
	}
	tk, err := DecodeTemporalKey([]byte(ck[:sep]))
	if err != nil {
		return 0, err
	}
	return tk.Timestamp, nil
}

func decodeCacheBranch(ck string) (string, error) {
	for i := len(ck) - 1; i >= 0; i-- {
		if ck[i] == 0 {
			return ck[i+1:], nil
		}
	}
	return "", ErrInvalidEncoding
}

func (c *ReadCache) removeLocked(ck string) {
	e, ok := c.entries[ck]
	if !ok {
		return
	}
	_ = e
	delete(c.entries, ck)
	for i, k := range c.accessOrder {
		if k == ck {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			break
		}
	}
}

func (c *ReadCache) evictOneLocked() bool {
	if len(c.accessOrder) == 0 {
		return false
	}
	ck := c.accessOrder[0]
	c.removeLocked(ck)
	c.evictionCount++
	return true
}

func (c *ReadCache) promoteLocked(ck string) {
	for i, k := range c.accessOrder {
		if k == ck {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			c.accessOrder = append(c.accessOrder, ck)
			return
		}
	}
}

// ReadCacheStats reports cumulative cache activity.
type ReadCacheStats struct {
	Entries       int
	HitCount      int64
	MissCount     int64
	EvictionCount int64
}

// Stats returns a snapshot of cache activity counters.
func (c *ReadCache) Stats() ReadCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReadCacheStats{
		Entries:       len(c.entries),
		HitCount:      c.hitCount,
		MissCount:     c.missCount,
		EvictionCount: c.evictionCount,
	}
}
