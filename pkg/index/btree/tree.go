package btree

import (
	"sync"

	"coredb/pkg/dberror"
	"coredb/pkg/logging"
	"coredb/pkg/memory"
	"coredb/pkg/primitives"
	"coredb/pkg/storage/page"
)

// Comparator is a strict weak ordering on keys: negative when a < b,
// zero when equal, positive when a > b.
type Comparator func(a, b int64) int

// DefaultComparator orders keys numerically.
func DefaultComparator(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Tree is a concurrent B+tree keyed by int64 with RID values. Every node
// access goes through the buffer pool; descent uses latch crabbing —
// optimistic (read latches, write only on the leaf) first, pessimistic
// (write latches with safe-node release) when the leaf alone cannot
// absorb the change. The root latch guards root-id transitions so a
// reader never observes a transiently missing root.
type Tree struct {
	name        string
	bp          *memory.BufferPool
	cmp         Comparator
	leafMax     int
	internalMax int

	rootLatch sync.RWMutex
	root      primitives.PageID
}

// New opens (or creates) the named index. leafMax and internalMax bound
// node fanout and must be at least 3; they are clamped to what a page
// can hold. The root page id is loaded from the header page.
func New(name string, bp *memory.BufferPool, leafMax, internalMax int, cmp Comparator) (*Tree, error) {
	if cmp == nil {
		cmp = DefaultComparator
	}
	leafMax = clamp(leafMax, 3, MaxNodeCapacity)
	internalMax = clamp(internalMax, 3, MaxNodeCapacity-1)

	if err := ensureHeader(bp); err != nil {
		return nil, err
	}

	root := primitives.InvalidPageID
	if saved, ok, err := headerFind(bp, name); err != nil {
		return nil, err
	} else if ok {
		root = saved
	}

	return &Tree{
		name:        name,
		bp:          bp,
		cmp:         cmp,
		leafMax:     leafMax,
		internalMax: internalMax,
		root:        root,
	}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// IsEmpty reports whether the tree has no entries.
func (t *Tree) IsEmpty() bool {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.root == primitives.InvalidPageID
}

// GetRootPageID returns the current root page id, InvalidPageID when the
// tree is empty.
func (t *Tree) GetRootPageID() primitives.PageID {
	t.rootLatch.RLock()
	defer t.rootLatch.RUnlock()
	return t.root
}

// GetValue looks a key up, returning its RID and whether it was found.
func (t *Tree) GetValue(key int64) (primitives.RID, bool, error) {
	t.rootLatch.RLock()
	if t.root == primitives.InvalidPageID {
		t.rootLatch.RUnlock()
		return primitives.RID{}, false, nil
	}

	p, err := t.bp.FetchPage(t.root)
	if err != nil {
		t.rootLatch.RUnlock()
		return primitives.RID{}, false, err
	}
	p.RLatch()
	t.rootLatch.RUnlock()

	for !asNode(p).isLeaf() {
		childID := asInternal(p).lookup(key, t.cmp)
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			t.releaseRead(p)
			return primitives.RID{}, false, err
		}
		child.RLatch()
		t.releaseRead(p)
		p = child
	}

	leaf := asLeaf(p)
	i, found := leaf.search(key, t.cmp)
	var rid primitives.RID
	if found {
		rid = leaf.ridAt(i)
	}
	t.releaseRead(p)
	return rid, found, nil
}

// Insert adds a key/RID pair. Returns false without modifying the tree
// when the key already exists; keys are unique.
func (t *Tree) Insert(key int64, rid primitives.RID) (bool, error) {
	inserted, done, err := t.insertOptimistic(key, rid)
	if err != nil {
		return false, err
	}
	if done {
		return inserted, nil
	}
	return t.insertPessimistic(key, rid)
}

// insertOptimistic descends with read latches and write-latches only the
// leaf. It completes the insert when the leaf alone can absorb it;
// otherwise it backs out for the pessimistic path.
func (t *Tree) insertOptimistic(key int64, rid primitives.RID) (inserted, done bool, err error) {
	p, ok, err := t.descendToLeaf(key, true)
	if err != nil || !ok {
		return false, false, err
	}

	leaf := asLeaf(p)
	i, found := leaf.search(key, t.cmp)
	if found {
		t.releaseWrite(p, false)
		return false, true, nil
	}

	if leaf.size()+1 < leaf.maxSize() {
		leaf.insertAt(i, key, rid)
		t.releaseWrite(p, true)
		return true, true, nil
	}

	t.releaseWrite(p, false)
	return false, false, nil
}

// descendToLeaf crabs from the root to the leaf covering key, taking
// read latches on internal nodes and a latch of the requested mode on
// the leaf. Returns ok=false when the tree is empty.
//
// The kind of a fetched child is peeked before latching: a node's kind
// can only change when the page is deallocated, which requires the
// parent's write latch — excluded while we hold the parent latch.
func (t *Tree) descendToLeaf(key int64, leafWrite bool) (*page.Page, bool, error) {
	t.rootLatch.RLock()
	if t.root == primitives.InvalidPageID {
		t.rootLatch.RUnlock()
		return nil, false, nil
	}

	p, err := t.bp.FetchPage(t.root)
	if err != nil {
		t.rootLatch.RUnlock()
		return nil, false, err
	}
	if asNode(p).isLeaf() && leafWrite {
		p.WLatch()
	} else {
		p.RLatch()
	}
	t.rootLatch.RUnlock()

	for !asNode(p).isLeaf() {
		childID := asInternal(p).lookup(key, t.cmp)
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			t.releaseRead(p)
			return nil, false, err
		}
		if asNode(child).isLeaf() && leafWrite {
			child.WLatch()
		} else {
			child.RLatch()
		}
		t.releaseRead(p)
		p = child
	}
	return p, true, nil
}

// insertPessimistic descends with write latches, retaining every
// ancestor that a split could reach.
func (t *Tree) insertPessimistic(key int64, rid primitives.RID) (bool, error) {
	ctx := newLatchContext(t)
	t.rootLatch.Lock()
	ctx.rootHeld = true

	if t.root == primitives.InvalidPageID {
		return t.startNewRoot(ctx, key, rid)
	}

	p, err := t.bp.FetchPage(t.root)
	if err != nil {
		ctx.releaseAll(false)
		return false, err
	}
	p.WLatch()
	ctx.push(p)
	if t.safeForInsert(asNode(p)) {
		ctx.releaseRootLatch()
	}

	for !asNode(p).isLeaf() {
		childID := asInternal(p).lookup(key, t.cmp)
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			ctx.releaseAll(false)
			return false, err
		}
		child.WLatch()
		ctx.push(child)
		if t.safeForInsert(asNode(child)) {
			ctx.releaseAncestorsOf(child)
		}
		p = child
	}

	leaf := asLeaf(p)
	i, found := leaf.search(key, t.cmp)
	if found {
		ctx.releaseAll(false)
		return false, nil
	}

	leaf.insertAt(i, key, rid)
	if leaf.size() >= leaf.maxSize() {
		if err := t.splitLeaf(ctx, p); err != nil {
			ctx.releaseAll(true)
			return false, err
		}
	}
	ctx.releaseAll(true)
	return true, nil
}

// startNewRoot plants the first leaf. Caller holds the root latch via
// ctx.
func (t *Tree) startNewRoot(ctx *latchContext, key int64, rid primitives.RID) (bool, error) {
	p, err := t.bp.NewPage()
	if err != nil {
		ctx.releaseAll(false)
		return false, err
	}
	initNode(p, kindLeaf, t.leafMax, primitives.InvalidPageID)
	asLeaf(p).insertAt(0, key, rid)

	t.root = p.ID()
	err = headerSave(t.bp, t.name, t.root)
	t.bp.UnpinPage(p.ID(), true)
	ctx.releaseAll(false)
	return err == nil, err
}

// splitLeaf halves an overflowing leaf and threads the separator into
// the parent. Caller retains p write-latched in ctx.
func (t *Tree) splitLeaf(ctx *latchContext, p *page.Page) error {
	newP, err := t.bp.NewPage()
	if err != nil {
		return err
	}
	newP.WLatch()
	initNode(newP, kindLeaf, t.leafMax, asNode(p).parent())
	asLeaf(p).moveUpperHalfTo(asLeaf(newP))
	sep := asLeaf(newP).keyAt(0)

	err = t.insertInParent(ctx, p, sep, newP)
	newP.WUnlatch()
	t.bp.UnpinPage(newP.ID(), true)
	return err
}

// insertInParent links a freshly split right sibling under the parent of
// left, growing a new root when left was the root. Overflowing parents
// split recursively.
func (t *Tree) insertInParent(ctx *latchContext, left *page.Page, sep int64, right *page.Page) error {
	if asNode(left).isRoot() {
		rootP, err := t.bp.NewPage()
		if err != nil {
			return err
		}
		initNode(rootP, kindInternal, t.internalMax, primitives.InvalidPageID)
		r := asInternal(rootP)
		r.setChildAt(0, left.ID())
		r.setKeyAt(1, sep)
		r.setChildAt(1, right.ID())
		r.setSize(2)
		asNode(left).setParent(rootP.ID())
		asNode(right).setParent(rootP.ID())

		t.root = rootP.ID()
		err = headerSave(t.bp, t.name, t.root)
		t.bp.UnpinPage(rootP.ID(), true)
		return err
	}

	parentPage := ctx.find(asNode(left).parent())
	if parentPage == nil {
		return dberror.Newf(dberror.CategoryData, "TREE_PARENT_NOT_LATCHED",
			"parent %d of page %d missing from the latched path", asNode(left).parent(), left.ID()).
			In("insertInParent", "BTree")
	}
	par := asInternal(parentPage)
	idx := par.childIndex(left.ID())
	par.insertAfter(idx, sep, right.ID())
	asNode(right).setParent(parentPage.ID())

	if par.size() > par.maxSize() {
		return t.splitInternal(ctx, parentPage)
	}
	return nil
}

// splitInternal halves an overflowing internal node, re-parenting the
// moved children and pushing the middle key up.
func (t *Tree) splitInternal(ctx *latchContext, p *page.Page) error {
	newP, err := t.bp.NewPage()
	if err != nil {
		return err
	}
	newP.WLatch()
	initNode(newP, kindInternal, t.internalMax, asNode(p).parent())
	pushed := asInternal(p).moveUpperHalfTo(asInternal(newP))

	if err := t.reparentChildren(asInternal(newP)); err != nil {
		newP.WUnlatch()
		t.bp.UnpinPage(newP.ID(), true)
		return err
	}

	err = t.insertInParent(ctx, p, pushed, newP)
	newP.WUnlatch()
	t.bp.UnpinPage(newP.ID(), true)
	return err
}

// reparentChildren points every child of in back at it. The children are
// written without their latches: a node's parent field is only touched
// by threads holding the write latch of the node's parent, which this
// thread does — including children it has latched itself further down
// the descent path.
func (t *Tree) reparentChildren(in internalNode) error {
	for i := 0; i < in.size(); i++ {
		child, err := t.bp.FetchPage(in.childAt(i))
		if err != nil {
			return err
		}
		asNode(child).setParent(in.self())
		t.bp.UnpinPage(child.ID(), true)
	}
	return nil
}

// Remove deletes a key. A missing key is a silent no-op.
func (t *Tree) Remove(key int64) error {
	done, err := t.removeOptimistic(key)
	if err != nil || done {
		return err
	}
	return t.removePessimistic(key)
}

// removeOptimistic handles the common case: the leaf stays at or above
// its minimum after the delete, or, for a root leaf, keeps at least one
// entry.
func (t *Tree) removeOptimistic(key int64) (bool, error) {
	p, ok, err := t.descendToLeaf(key, true)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil // empty tree
	}

	leaf := asLeaf(p)
	i, found := leaf.search(key, t.cmp)
	if !found {
		t.releaseWrite(p, false)
		return true, nil
	}

	safe := leaf.size()-1 >= t.leafMinSize()
	if leaf.isRoot() {
		safe = leaf.size() > 1
	}
	if !safe {
		t.releaseWrite(p, false)
		return false, nil
	}

	leaf.removeAt(i)
	t.releaseWrite(p, true)
	return true, nil
}

// removePessimistic descends with write latches and rebalances by
// coalescing into a sibling or redistributing across the boundary.
func (t *Tree) removePessimistic(key int64) error {
	ctx := newLatchContext(t)
	t.rootLatch.Lock()
	ctx.rootHeld = true

	if t.root == primitives.InvalidPageID {
		ctx.releaseAll(false)
		return nil
	}

	p, err := t.bp.FetchPage(t.root)
	if err != nil {
		ctx.releaseAll(false)
		return err
	}
	p.WLatch()
	ctx.push(p)
	if t.safeForRemove(asNode(p)) {
		ctx.releaseRootLatch()
	}

	for !asNode(p).isLeaf() {
		childID := asInternal(p).lookup(key, t.cmp)
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			ctx.releaseAll(false)
			return err
		}
		child.WLatch()
		ctx.push(child)
		if t.safeForRemove(asNode(child)) {
			ctx.releaseAncestorsOf(child)
		}
		p = child
	}

	leaf := asLeaf(p)
	i, found := leaf.search(key, t.cmp)
	if !found {
		ctx.releaseAll(false)
		return nil
	}

	leaf.removeAt(i)
	if err := t.rebalanceAfterRemove(ctx, p); err != nil {
		ctx.releaseAll(true)
		return err
	}
	ctx.releaseAll(true)
	return nil
}

// rebalanceAfterRemove restores the size invariant of p after a delete,
// recursing up the latched path as coalesces cascade.
func (t *Tree) rebalanceAfterRemove(ctx *latchContext, p *page.Page) error {
	n := asNode(p)
	if n.isRoot() {
		return t.adjustRoot(ctx, p)
	}

	min := t.leafMinSize()
	if !n.isLeaf() {
		min = t.internalMinSize()
	}
	if n.size() >= min {
		return nil
	}

	parentPage := ctx.find(n.parent())
	if parentPage == nil {
		return dberror.Newf(dberror.CategoryData, "TREE_PARENT_NOT_LATCHED",
			"parent %d of page %d missing from the latched path", n.parent(), p.ID()).
			In("rebalanceAfterRemove", "BTree")
	}
	par := asInternal(parentPage)
	idx := par.childIndex(p.ID())

	// Prefer the immediate predecessor sibling; the leftmost child
	// coalesces or borrows rightward.
	var sibID primitives.PageID
	pred := idx > 0
	if pred {
		sibID = par.childAt(idx - 1)
	} else {
		sibID = par.childAt(idx + 1)
	}

	sib, err := t.bp.FetchPage(sibID)
	if err != nil {
		return err
	}
	sib.WLatch()

	if t.fitsInOne(n, asNode(sib)) {
		if pred {
			// p merges into its predecessor; coalesce consumes p, and
			// the surviving sibling is released here.
			err = t.coalesce(ctx, sib, p, parentPage, idx)
			t.releaseWrite(sib, true)
		} else {
			// The successor sibling merges into p and is consumed by
			// coalesce.
			err = t.coalesce(ctx, p, sib, parentPage, idx+1)
		}
		return err
	}

	t.redistribute(p, sib, parentPage, idx, pred)
	sib.WUnlatch()
	t.bp.UnpinPage(sib.ID(), true)
	return nil
}

// fitsInOne reports whether two siblings' contents fit in a single node.
func (t *Tree) fitsInOne(a, b node) bool {
	if a.isLeaf() {
		return a.size()+b.size() < t.leafMax
	}
	return a.size()+b.size() <= t.internalMax
}

// coalesce merges right into left and removes the separator at rightIdx
// from the parent, then rebalances the parent. Both sides arrive
// write-latched; right is unlatched, unpinned and deallocated here.
func (t *Tree) coalesce(ctx *latchContext, left, right *page.Page, parentPage *page.Page, rightIdx int) error {
	par := asInternal(parentPage)

	if asNode(left).isLeaf() {
		l, r := asLeaf(left), asLeaf(right)
		base := l.size()
		for i := 0; i < r.size(); i++ {
			l.setKeyAt(base+i, r.keyAt(i))
			l.setRidAt(base+i, r.ridAt(i))
		}
		l.setSize(base + r.size())
		l.setNext(r.next())
	} else {
		l, r := asInternal(left), asInternal(right)
		sep := par.keyAt(rightIdx)
		base := l.size()
		for i := 0; i < r.size(); i++ {
			key := sep
			if i > 0 {
				key = r.keyAt(i)
			}
			l.setKeyAt(base+i, key)
			l.setChildAt(base+i, r.childAt(i))
		}
		l.setSize(base + r.size())
		if err := t.reparentChildren(l); err != nil {
			return err
		}
	}

	t.discard(ctx, right)
	par.removeAt(rightIdx)
	return t.rebalanceAfterRemove(ctx, parentPage)
}

// discard unlatches, unpins and deallocates a node that was merged away.
// A concurrent iterator may still pin the page; then the page merely
// leaks out of the tree and is reclaimed by eviction.
func (t *Tree) discard(ctx *latchContext, p *page.Page) {
	pid := p.ID()
	ctx.drop(p)
	p.WUnlatch()
	t.bp.UnpinPage(pid, true)
	if ok, err := t.bp.DeletePage(pid); err == nil && !ok {
		logging.Debug("merged node still pinned, leaving to eviction", "page", pid)
	}
}

// redistribute moves one entry across the sibling boundary and fixes the
// parent separator. pred means sib sits immediately left of p.
func (t *Tree) redistribute(p, sib *page.Page, parentPage *page.Page, idx int, pred bool) {
	par := asInternal(parentPage)

	if asNode(p).isLeaf() {
		node, s := asLeaf(p), asLeaf(sib)
		if pred {
			last := s.size() - 1
			k, v := s.keyAt(last), s.ridAt(last)
			s.removeAt(last)
			node.insertAt(0, k, v)
			par.setKeyAt(idx, node.keyAt(0))
		} else {
			k, v := s.keyAt(0), s.ridAt(0)
			s.removeAt(0)
			node.insertAt(node.size(), k, v)
			par.setKeyAt(idx+1, s.keyAt(0))
		}
		return
	}

	node, s := asInternal(p), asInternal(sib)
	if pred {
		last := s.size() - 1
		promoted := s.keyAt(last)
		moved := s.childAt(last)
		s.removeAt(last)
		node.prependChild(moved, par.keyAt(idx))
		par.setKeyAt(idx, promoted)
		t.reparentOne(moved, node.self())
	} else {
		promoted := s.keyAt(1)
		moved := s.childAt(0)
		demoted := par.keyAt(idx + 1)
		s.removeAt(0)
		node.appendChild(moved, demoted)
		par.setKeyAt(idx+1, promoted)
		t.reparentOne(moved, node.self())
	}
}

// reparentOne re-points a single borrowed child at its new parent.
// Latch-free for the same reason as reparentChildren: both the old and
// the new parent are write-latched by this thread.
func (t *Tree) reparentOne(childID, parent primitives.PageID) {
	child, err := t.bp.FetchPage(childID)
	if err != nil {
		logging.Error("failed to reparent borrowed child", "page", childID, "error", err)
		return
	}
	asNode(child).setParent(parent)
	t.bp.UnpinPage(childID, true)
}

// adjustRoot handles underflow at the root: an internal root with a lone
// child promotes that child; an empty leaf root empties the tree.
// Caller holds the root latch via ctx.
func (t *Tree) adjustRoot(ctx *latchContext, p *page.Page) error {
	n := asNode(p)

	if !n.isLeaf() && n.size() == 1 {
		childID := asInternal(p).childAt(0)
		child, err := t.bp.FetchPage(childID)
		if err != nil {
			return err
		}
		asNode(child).setParent(primitives.InvalidPageID)
		t.bp.UnpinPage(childID, true)

		t.root = childID
		if err := headerSave(t.bp, t.name, t.root); err != nil {
			return err
		}
		t.discard(ctx, p)
		return nil
	}

	if n.isLeaf() && n.size() == 0 {
		t.root = primitives.InvalidPageID
		if err := headerSave(t.bp, t.name, t.root); err != nil {
			return err
		}
		t.discard(ctx, p)
	}
	return nil
}

func (t *Tree) safeForInsert(n node) bool {
	if n.isLeaf() {
		return n.size()+1 < n.maxSize()
	}
	return n.size() < n.maxSize()
}

func (t *Tree) safeForRemove(n node) bool {
	if n.isRoot() {
		if n.isLeaf() {
			return n.size() > 1
		}
		return n.size() > 2
	}
	if n.isLeaf() {
		return n.size()-1 >= t.leafMinSize()
	}
	return n.size()-1 >= t.internalMinSize()
}

func (t *Tree) leafMinSize() int { return t.leafMax / 2 }

func (t *Tree) internalMinSize() int { return (t.internalMax + 1) / 2 }

func (t *Tree) releaseRead(p *page.Page) {
	pid := p.ID()
	p.RUnlatch()
	t.bp.UnpinPage(pid, false)
}

func (t *Tree) releaseWrite(p *page.Page, dirty bool) {
	pid := p.ID()
	p.WUnlatch()
	t.bp.UnpinPage(pid, dirty)
}

// latchContext tracks the write-latched, pinned path of a pessimistic
// descent, plus whether the root latch is still held. Every exit path
// funnels through releaseAll so no latch survives an early return.
type latchContext struct {
	tree     *Tree
	pages    []*page.Page
	rootHeld bool
}

func newLatchContext(t *Tree) *latchContext {
	return &latchContext{tree: t}
}

func (c *latchContext) push(p *page.Page) {
	c.pages = append(c.pages, p)
}

// find returns the latched page with the given id; the pessimistic
// protocol guarantees any parent a split or merge reaches is still on
// the path.
func (c *latchContext) find(pid primitives.PageID) *page.Page {
	for i := len(c.pages) - 1; i >= 0; i-- {
		if c.pages[i].ID() == pid {
			return c.pages[i]
		}
	}
	return nil
}

// drop forgets a page without unlatching it; the caller has taken over
// its release.
func (c *latchContext) drop(p *page.Page) {
	for i, held := range c.pages {
		if held == p {
			c.pages = append(c.pages[:i], c.pages[i+1:]...)
			return
		}
	}
}

// releaseAncestorsOf unlatches and unpins everything above keep — the
// node is safe, so no split or merge can propagate past it.
func (c *latchContext) releaseAncestorsOf(keep *page.Page) {
	kept := c.pages[:0]
	for _, p := range c.pages {
		if p == keep {
			kept = append(kept, p)
			continue
		}
		c.tree.releaseWrite(p, false)
	}
	c.pages = kept
	c.releaseRootLatch()
}

func (c *latchContext) releaseRootLatch() {
	if c.rootHeld {
		c.tree.rootLatch.Unlock()
		c.rootHeld = false
	}
}

// releaseAll unwinds the whole context, leaf upward.
func (c *latchContext) releaseAll(dirty bool) {
	for i := len(c.pages) - 1; i >= 0; i-- {
		c.tree.releaseWrite(c.pages[i], dirty)
	}
	c.pages = nil
	c.releaseRootLatch()
}
