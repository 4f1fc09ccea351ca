package btree

import (
	"coredb/pkg/dberror"
	"coredb/pkg/primitives"
)

// Iterator walks leaf entries left to right. It holds no latch and no
// pin between calls: every access re-fetches its leaf through the buffer
// pool, so a long-lived iterator never blocks writers.
type Iterator struct {
	tree *Tree
	pid  primitives.PageID
	idx  int
}

// errIterEnd signals a dereference of the end sentinel.
var errIterEnd = dberror.New(dberror.CategoryData, "ITER_END", "iterator is at the end")

// Begin returns an iterator positioned at the leftmost leaf entry.
func (t *Tree) Begin() (*Iterator, error) {
	t.rootLatch.RLock()
	if t.root == primitives.InvalidPageID {
		t.rootLatch.RUnlock()
		return t.End(), nil
	}

	p, err := t.bp.FetchPage(t.root)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, err
	}
	p.RLatch()
	t.rootLatch.RUnlock()

	for !asNode(p).isLeaf() {
		childID := asInternal(p).childAt(0)
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			t.releaseRead(p)
			return nil, err
		}
		child.RLatch()
		t.releaseRead(p)
		p = child
	}

	it := &Iterator{tree: t, pid: p.ID(), idx: 0}
	t.releaseRead(p)
	return it, nil
}

// BeginAt returns an iterator positioned at the first entry with
// key >= start.
func (t *Tree) BeginAt(start int64) (*Iterator, error) {
	p, ok, err := t.descendToLeaf(start, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return t.End(), nil
	}

	leaf := asLeaf(p)
	idx, _ := leaf.search(start, t.cmp)
	it := &Iterator{tree: t, pid: p.ID(), idx: idx}
	if idx >= leaf.size() {
		it.pid = leaf.next()
		it.idx = 0
	}
	t.releaseRead(p)
	return it, nil
}

// End returns the past-the-end sentinel.
func (t *Tree) End() *Iterator {
	return &Iterator{tree: t, pid: primitives.InvalidPageID}
}

// IsEnd reports whether the iterator has run off the last leaf.
func (it *Iterator) IsEnd() bool {
	return it.pid == primitives.InvalidPageID
}

// Entry dereferences the iterator, re-fetching its leaf. Empty leaves
// left behind by concurrent removes are skipped.
func (it *Iterator) Entry() (int64, primitives.RID, error) {
	for {
		if it.IsEnd() {
			return 0, primitives.RID{}, errIterEnd
		}

		p, err := it.tree.bp.FetchPage(it.pid)
		if err != nil {
			return 0, primitives.RID{}, err
		}
		p.RLatch()
		leaf := asLeaf(p)

		if it.idx < leaf.size() {
			key, rid := leaf.keyAt(it.idx), leaf.ridAt(it.idx)
			it.tree.releaseRead(p)
			return key, rid, nil
		}

		it.pid = leaf.next()
		it.idx = 0
		it.tree.releaseRead(p)
	}
}

// Next advances to the following entry, hopping to the next leaf at the
// end of the current one.
func (it *Iterator) Next() error {
	if it.IsEnd() {
		return nil
	}

	p, err := it.tree.bp.FetchPage(it.pid)
	if err != nil {
		return err
	}
	p.RLatch()
	leaf := asLeaf(p)

	it.idx++
	if it.idx >= leaf.size() {
		it.pid = leaf.next()
		it.idx = 0
	}
	it.tree.releaseRead(p)
	return nil
}
