// Package chronodb provides an embedded temporal key-value store.
//
// Every write is timestamped, every read selects a snapshot at a chosen
// timestamp, and the entire history of a key is retained and queryable.
// Keys live in branches that may fork from one another at a timestamp,
// with reads before the fork point falling through to the origin branch.
//
// # Basic Usage
//
// Open a store with default configuration:
//
//	db, err := chronodb.Open(ctx, chronodb.DefaultConfig("data"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
// Commit a batch of mutations on the master branch:
//
//	t, err := db.Commit(ctx, "master", []chronodb.Mutation{
//	    {Keyspace: "users", Key: "42", Value: []byte("alice")},
//	})
//
// Read a value as of a timestamp:
//
//	val, ok, err := db.Get(ctx, "master", "users", "42", t)
//
// # Features
//
// Core storage:
//   - Order-preserving temporal key encoding for point-in-time reads
//     without object deserialization
//   - Chunked per-branch storage with bounded open-file concurrency and
//     LRU-driven handle eviction
//   - Branch fork-at-timestamp with transparent fall-through to origin
//     branches
//   - Secondary temporal index with validity intervals, incrementally
//     maintained on commit
//   - Atomic cross-storage-and-index commit pipeline
//   - Optional bounded read cache
//
// Storage backends:
//   - In-memory, local file, S3, and tiered (hot/cold) chunk storage
//   - Optional Snappy compression and AES-256-GCM encryption at rest
//     for sealed chunk data
//
// # Configuration
//
// Use [Config] to customize behavior, or [DefaultConfig] for sensible
// defaults:
//
//	cfg := chronodb.DefaultConfig("data")
//	cfg.Branches.MaxOpenFiles = 8
//	cfg.Cache.Enabled = true
package chronodb
