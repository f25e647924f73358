package chronodb

import "bytes"

// BTree is an in-memory ordered index over byte-string keys, used by
// MemoryKvStore and FileKvStore wherever an ordered predecessor
// lookup or range scan is required. Comparison is plain lexicographic
// byte order, which is exactly the order TemporalKeyCodec is designed
// to preserve.
type BTree struct {
	order int
	root  *btreeNode
	size  int
}

type btreeEntry struct {
	key   []byte
	value []byte
}

type btreeNode struct {
	entries  []btreeEntry
	children []*btreeNode
	leaf     bool
}

func newBTree(order int) *BTree {
	if order < 3 {
		order = 3
	}
	return &BTree{order: order}
}

// Len returns the number of entries in the tree.
func (t *BTree) Len() int { return t.size }

// Insert adds or overwrites the entry for key.
func (t *BTree) Insert(key, value []byte) {
	if existing := t.getNode(t.root, key); existing != nil {
		existing.value = value
		return
	}

	if t.root == nil {
		t.root = &btreeNode{leaf: true, entries: []btreeEntry{{key, value}}}
		t.size++
		return
	}

	if len(t.root.entries) == 2*t.order-1 {
		oldRoot := t.root
		t.root = &btreeNode{leaf: false, children: []*btreeNode{oldRoot}}
		t.splitChild(t.root, 0)
	}
	t.insertNonFull(t.root, key, value)
	t.size++
}

func (t *BTree) getNode(n *btreeNode, key []byte) *btreeEntry {
	for n != nil {
		i := 0
		for i < len(n.entries) && bytes.Compare(key, n.entries[i].key) > 0 {
			i++
		}
		if i < len(n.entries) && bytes.Equal(key, n.entries[i].key) {
			return &n.entries[i]
		}
		if n.leaf {
			return nil
		}
		n = n.children[i]
	}
	return nil
}

// Get returns the exact value stored for key, if present.
func (t *BTree) Get(key []byte) ([]byte, bool) {
	e := t.getNode(t.root, key)
	if e == nil {
		return nil, false
	}
	return e.value, true
}

func (t *BTree) insertNonFull(node *btreeNode, key, value []byte) {
	i := len(node.entries) - 1
	if node.leaf {
		node.entries = append(node.entries, btreeEntry{})
		for i >= 0 && bytes.Compare(key, node.entries[i].key) < 0 {
			node.entries[i+1] = node.entries[i]
			i--
		}
		node.entries[i+1] = btreeEntry{key, value}
		return
	}

	for i >= 0 && bytes.Compare(key, node.entries[i].key) < 0 {
		i--
	}
	i++

	if len(node.children[i].entries) == 2*t.order-1 {
		t.splitChild(node, i)
		if bytes.Compare(key, node.entries[i].key) > 0 {
			i++
		}
	}
	t.insertNonFull(node.children[i], key, value)
}

func (t *BTree) splitChild(parent *btreeNode, i int) {
	order := t.order
	child := parent.children[i]
	newChild := &btreeNode{leaf: child.leaf}

	if child.leaf {
		mid := order - 1
		midEntry := child.entries[mid]
		newChild.entries = append(newChild.entries, child.entries[mid+1:]...)
		child.entries = child.entries[:mid]

		parent.entries = append(parent.entries, btreeEntry{})
		copy(parent.entries[i+1:], parent.entries[i:])
		parent.entries[i] = midEntry
	} else {
		midEntry := child.entries[order-1]
		newChild.entries = append(newChild.entries, child.entries[order:]...)
		child.entries = child.entries[:order-1]
		newChild.children = append(newChild.children, child.children[order:]...)
		child.children = child.children[:order]

		parent.entries = append(parent.entries, btreeEntry{})
		copy(parent.entries[i+1:], parent.entries[i:])
		parent.entries[i] = midEntry
	}

	parent.children = append(parent.children, nil)
	copy(parent.children[i+2:], parent.children[i+1:])
	parent.children[i+1] = newChild
}

// Floor returns the entry with the greatest key <= key, if any.
func (t *BTree) Floor(key []byte) (foundKey, value []byte, ok bool) {
	var best *btreeEntry
	n := t.root
	for n != nil {
		i := 0
		for i < len(n.entries) && bytes.Compare(n.entries[i].key, key) <= 0 {
			if best == nil || bytes.Compare(n.entries[i].key, best.key) > 0 {
				e := n.entries[i]
				best = &e
			}
			i++
		}
		if n.leaf {
			break
		}
		n = n.children[i]
	}
	if best == nil {
		return nil, nil, false
	}
	return best.key, best.value, true
}

// Range returns all entries with lo <= key <= hi, in ascending order.
func (t *BTree) Range(lo, hi []byte) []btreeEntry {
	var out []btreeEntry
	if t.root != nil {
		t.root.rangeSearch(lo, hi, &out)
	}
	return out
}

func (n *btreeNode) rangeSearch(lo, hi []byte, out *[]btreeEntry) {
	if n == nil {
		return
	}
	i := 0
	for i < len(n.entries) {
		if !n.leaf {
			n.children[i].rangeSearch(lo, hi, out)
		}
		e := n.entries[i]
		if bytes.Compare(e.key, lo) >= 0 && bytes.Compare(e.key, hi) <= 0 {
			*out = append(*out, e)
		}
		i++
	}
	if !n.leaf {
		n.children[i].rangeSearch(lo, hi, out)
	}
}

// Delete removes the entry for key, rebuilding the tree from the
// remaining entries. This is O(n); no store in the package calls it on
// the write path.
func (t *BTree) Delete(key []byte) bool {
	all := t.Range(nil, maxByteKey)
	found := false
	rebuilt := newBTree(t.order)
	for _, e := range all {
		if bytes.Equal(e.key, key) {
			found = true
			continue
		}
		rebuilt.Insert(e.key, e.value)
	}
	if found {
		t.root = rebuilt.root
		t.size = rebuilt.size
	}
	return found
}

// maxByteKey is a key larger than any realistic encoded temporal key,
// used as the upper bound for a full-range scan.
var maxByteKey = bytes.Repeat([]byte{0xFF}, 256)
