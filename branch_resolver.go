package chronodb

import "fmt"

// BranchResolver walks a branch's origin chain to find which branch
// actually owns a given (branch, T) pair, per §4.6: reads against a
// branch at T at or before that branch's own branching timestamp fall
// through to its origin, recursively.
type BranchResolver struct {
	registry *BranchRegistry
}

func newBranchResolver(registry *BranchRegistry) *BranchResolver {
	return &BranchResolver{registry: registry}
}

// Resolve returns the branch that actually holds data for (branch, t):
// branch itself if t is strictly after branch's branching timestamp (or
// branch is master), otherwise the result of resolving (origin, t). A
// read at exactly t == BranchingTimestamp is answered by the origin: the
// fork point is the origin's own head at the moment of the fork, so the
// child has no rows there yet.
func (r *BranchResolver) Resolve(branch string, t uint64) (Branch, error) {
	const maxDepth = 64

	b, err := r.registry.Get(branch)
	if err != nil {
		return Branch{}, err
	}

	for depth := 0; ; depth++ {
		if depth > maxDepth {
			return Branch{}, fmt.Errorf("chronodb: branch origin chain too deep starting at %q", branch)
		}
		if b.isMaster() || t > b.BranchingTimestamp {
			return b, nil
		}
		parent, err := r.registry.Get(b.Origin)
		if err != nil {
			return Branch{}, err
		}
		b = parent
	}
}

// Chain returns the full ancestor chain from branch up to and including
// master, ordered from branch to master.
func (r *BranchResolver) Chain(branch string) ([]Branch, error) {
	const maxDepth = 64

	var chain []Branch
	b, err := r.registry.Get(branch)
	if err != nil {
		return nil, err
	}
	chain = append(chain, b)

	for depth := 0; !b.isMaster(); depth++ {
		if depth > maxDepth {
			return nil, fmt.Errorf("chronodb: branch origin chain too deep starting at %q", branch)
		}
		parent, err := r.registry.Get(b.Origin)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		b = parent
	}
	return chain, nil
}
