package chronodb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

const masterBranch = "master"

// Branch is a named line of history. Every branch except master forks
// from an origin branch at a fixed branching timestamp; queries at
// T <= branchingTimestamp fall through to the origin (§4.6).
type Branch struct {
	Name               string `json:"name"`
	Origin             string `json:"origin,omitempty"`
	BranchingTimestamp uint64 `json:"branchingTimestamp"`
}

func (b Branch) isMaster() bool { return b.Origin == "" }

// BranchRegistry tracks the set of known branches and persists their
// metadata under root/branches/<name>/branch.json, one object per
// branch, alongside that branch's chunk files.
type BranchRegistry struct {
	backend ChunkStorageBackend

	mu       sync.RWMutex
	branches map[string]Branch
}

func newBranchRegistry(ctx context.Context, backend ChunkStorageBackend) (*BranchRegistry, error) {
	r := &BranchRegistry{backend: backend, branches: map[string]Branch{}}

	keys, err := backend.List(ctx, "branches/")
	if err != nil {
		return nil, newStorageError(StorageErrorRead, "list branches", "", err)
	}

	for _, k := range keys {
		if len(k) < len("branches//branch.json") || k[len(k)-len("/branch.json"):] != "/branch.json" {
			continue
		}
		raw, err := backend.Read(ctx, k)
		if err != nil {
			return nil, newStorageError(StorageErrorRead, "read branch metadata", k, err)
		}
		var b Branch
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, newStorageError(StorageErrorCorruption, "decode branch metadata", k, err)
		}
		r.branches[b.Name] = b
	}

	if _, ok := r.branches[masterBranch]; !ok {
		master := Branch{Name: masterBranch}
		if err := r.persist(ctx, master); err != nil {
			return nil, err
		}
		r.branches[masterBranch] = master
	}

	return r, nil
}

func branchMetaKey(name string) string {
	return fmt.Sprintf("branches/%s/branch.json", name)
}

func (r *BranchRegistry) persist(ctx context.Context, b Branch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("chronodb: encode branch metadata: %w", err)
	}
	if err := r.backend.Write(ctx, branchMetaKey(b.Name), data); err != nil {
		return newStorageError(StorageErrorWrite, "write branch metadata", branchMetaKey(b.Name), err)
	}
	return nil
}

// Get returns the named branch's metadata.
func (r *BranchRegistry) Get(name string) (Branch, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.branches[name]
	if !ok {
		return Branch{}, newBranchError(name, ErrBranchUnknown)
	}
	return b, nil
}

// Exists reports whether name has been created.
func (r *BranchRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.branches[name]
	return ok
}

// Create registers a new branch forking from origin at branchingTimestamp.
// origin must already exist and name must not.
func (r *BranchRegistry) Create(ctx context.Context, name, origin string, branchingTimestamp uint64) (Branch, error) {
	if err := ValidateBranchName(name); err != nil {
		return Branch{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.branches[name]; ok {
		return Branch{}, newBranchError(name, ErrBranchExists)
	}
	if _, ok := r.branches[origin]; !ok {
		return Branch{}, newBranchError(origin, ErrBranchUnknown)
	}

	b := Branch{Name: name, Origin: origin, BranchingTimestamp: branchingTimestamp}
	if err := r.persist(ctx, b); err != nil {
		return Branch{}, err
	}
	r.branches[name] = b
	return b, nil
}

// Names returns every known branch name.
func (r *BranchRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.branches))
	for n := range r.branches {
		names = append(names, n)
	}
	return names
}

// Descendants returns every branch whose origin chain passes through name,
// used by the read cache's cross-branch invalidation rule (§4.9, §9).
func (r *BranchRegistry) Descendants(name string) []Branch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Branch
	for _, b := range r.branches {
		cur := b
		for !cur.isMaster() {
			if cur.Origin == name {
				out = append(out, b)
				break
			}
			parent, ok := r.branches[cur.Origin]
			if !ok {
				break
			}
			cur = parent
		}
	}
	return out
}
