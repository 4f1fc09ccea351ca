// Package btree implements a concurrent B+tree index over buffer-pool
// pages. Keys are int64, values are RIDs; nodes live entirely inside the
// 4 KiB page payload and reference one another by page id, with the
// buffer pool as the indirection layer.
package btree

import (
	"encoding/binary"

	"coredb/pkg/primitives"
	"coredb/pkg/storage/disk"
	"coredb/pkg/storage/page"
)

type nodeKind uint16

const (
	kindInvalid  nodeKind = 0
	kindInternal nodeKind = 1
	kindLeaf     nodeKind = 2
)

// Node layout inside a page:
//
//	offset 0   kind      uint16
//	offset 4   size      uint32   entries (leaf) / child pointers (internal)
//	offset 8   maxSize   uint32
//	offset 12  self      int32    page id
//	offset 16  parent    int32    page id, InvalidPageID for the root
//	offset 20  next      int32    next leaf page id (leaves only)
//	offset 24  pairs     16 bytes each
//
// A leaf pair is (key int64, rid 8 bytes). An internal pair is
// (key int64, child int32, 4 bytes unused); the key of pair 0 is
// meaningless, only its child pointer counts.
const (
	offKind   = 0
	offSize   = 4
	offMax    = 8
	offSelf   = 12
	offParent = 16
	offNext   = 20

	nodeHeaderSize = 24
	pairSize       = 16

	// MaxNodeCapacity is the hard ceiling on entries per node imposed
	// by the page size.
	MaxNodeCapacity = (disk.PageSize - nodeHeaderSize) / pairSize
)

// node wraps a latched buffer-pool page and interprets its payload as a
// tree node. It holds no state of its own; every accessor reads or
// writes the page bytes directly.
type node struct {
	page *page.Page
}

func asNode(p *page.Page) node { return node{page: p} }

func (n node) data() []byte { return n.page.Data() }

func (n node) kind() nodeKind {
	return nodeKind(binary.LittleEndian.Uint16(n.data()[offKind:]))
}

func (n node) isLeaf() bool { return n.kind() == kindLeaf }

func (n node) size() int {
	return int(binary.LittleEndian.Uint32(n.data()[offSize:]))
}

func (n node) setSize(s int) {
	binary.LittleEndian.PutUint32(n.data()[offSize:], uint32(s))
}

func (n node) maxSize() int {
	return int(binary.LittleEndian.Uint32(n.data()[offMax:]))
}

func (n node) self() primitives.PageID {
	return primitives.PageID(int32(binary.LittleEndian.Uint32(n.data()[offSelf:])))
}

func (n node) parent() primitives.PageID {
	return primitives.PageID(int32(binary.LittleEndian.Uint32(n.data()[offParent:])))
}

func (n node) setParent(pid primitives.PageID) {
	binary.LittleEndian.PutUint32(n.data()[offParent:], uint32(pid))
}

func (n node) isRoot() bool { return n.parent() == primitives.InvalidPageID }

func (n node) keyAt(i int) int64 {
	off := nodeHeaderSize + i*pairSize
	return int64(binary.LittleEndian.Uint64(n.data()[off:]))
}

func (n node) setKeyAt(i int, key int64) {
	off := nodeHeaderSize + i*pairSize
	binary.LittleEndian.PutUint64(n.data()[off:], uint64(key))
}

// initNode stamps a fresh page as a node of the given kind.
func initNode(p *page.Page, kind nodeKind, maxSize int, parent primitives.PageID) {
	buf := p.Data()
	binary.LittleEndian.PutUint16(buf[offKind:], uint16(kind))
	binary.LittleEndian.PutUint32(buf[offSize:], 0)
	binary.LittleEndian.PutUint32(buf[offMax:], uint32(maxSize))
	binary.LittleEndian.PutUint32(buf[offSelf:], uint32(p.ID()))
	binary.LittleEndian.PutUint32(buf[offParent:], uint32(parent))
	noNext := primitives.InvalidPageID
	binary.LittleEndian.PutUint32(buf[offNext:], uint32(noNext))
}

// leafNode views a page as a leaf: sorted (key, rid) pairs plus the
// next-leaf link.
type leafNode struct {
	node
}

func asLeaf(p *page.Page) leafNode { return leafNode{asNode(p)} }

func (l leafNode) next() primitives.PageID {
	return primitives.PageID(int32(binary.LittleEndian.Uint32(l.data()[offNext:])))
}

func (l leafNode) setNext(pid primitives.PageID) {
	binary.LittleEndian.PutUint32(l.data()[offNext:], uint32(pid))
}

func (l leafNode) ridAt(i int) primitives.RID {
	off := nodeHeaderSize + i*pairSize + 8
	return primitives.DeserializeRID(l.data()[off:])
}

func (l leafNode) setRidAt(i int, rid primitives.RID) {
	off := nodeHeaderSize + i*pairSize + 8
	rid.Serialize(l.data()[off:])
}

// search returns the index of key and whether it is present; when absent
// the index is where the key would be inserted.
func (l leafNode) search(key int64, cmp Comparator) (int, bool) {
	lo, hi := 0, l.size()
	for lo < hi {
		mid := (lo + hi) / 2
		c := cmp(l.keyAt(mid), key)
		if c == 0 {
			return mid, true
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// insertAt opens a slot at index i and writes the pair there.
func (l leafNode) insertAt(i int, key int64, rid primitives.RID) {
	l.shiftRight(i)
	l.setKeyAt(i, key)
	l.setRidAt(i, rid)
	l.setSize(l.size() + 1)
}

// removeAt closes the slot at index i.
func (l leafNode) removeAt(i int) {
	l.shiftLeft(i)
	l.setSize(l.size() - 1)
}

func (l leafNode) shiftRight(from int) {
	start := nodeHeaderSize + from*pairSize
	end := nodeHeaderSize + l.size()*pairSize
	copy(l.data()[start+pairSize:end+pairSize], l.data()[start:end])
}

func (l leafNode) shiftLeft(at int) {
	start := nodeHeaderSize + (at+1)*pairSize
	end := nodeHeaderSize + l.size()*pairSize
	copy(l.data()[start-pairSize:end-pairSize], l.data()[start:end])
}

// moveUpperHalfTo shifts the upper half of l's pairs into the fresh leaf
// dst and links dst after l.
func (l leafNode) moveUpperHalfTo(dst leafNode) {
	total := l.size()
	mid := total / 2
	moved := total - mid

	src := l.data()[nodeHeaderSize+mid*pairSize : nodeHeaderSize+total*pairSize]
	copy(dst.data()[nodeHeaderSize:], src)
	dst.setSize(moved)
	l.setSize(mid)

	dst.setNext(l.next())
	l.setNext(dst.self())
}

// internalNode views a page as an internal node: child pointers
// p0..p(size-1) with separator keys k1..k(size-1).
type internalNode struct {
	node
}

func asInternal(p *page.Page) internalNode { return internalNode{asNode(p)} }

func (in internalNode) childAt(i int) primitives.PageID {
	off := nodeHeaderSize + i*pairSize + 8
	return primitives.PageID(int32(binary.LittleEndian.Uint32(in.data()[off:])))
}

func (in internalNode) setChildAt(i int, pid primitives.PageID) {
	off := nodeHeaderSize + i*pairSize + 8
	binary.LittleEndian.PutUint32(in.data()[off:], uint32(pid))
}

// lookup picks the child covering key: the last child whose separator is
// <= key.
func (in internalNode) lookup(key int64, cmp Comparator) primitives.PageID {
	// Binary search over separators k1..k(size-1) for the last one <= key.
	lo, hi := 1, in.size()
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(in.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return in.childAt(lo - 1)
}

// childIndex returns the position of the given child pointer, or -1.
func (in internalNode) childIndex(pid primitives.PageID) int {
	for i := 0; i < in.size(); i++ {
		if in.childAt(i) == pid {
			return i
		}
	}
	return -1
}

// insertAfter places (key, child) immediately after the child at
// position idx.
func (in internalNode) insertAfter(idx int, key int64, child primitives.PageID) {
	at := idx + 1
	start := nodeHeaderSize + at*pairSize
	end := nodeHeaderSize + in.size()*pairSize
	copy(in.data()[start+pairSize:end+pairSize], in.data()[start:end])
	in.setKeyAt(at, key)
	in.setChildAt(at, child)
	in.setSize(in.size() + 1)
}

// removeAt deletes the (key, child) pair at index i.
func (in internalNode) removeAt(i int) {
	start := nodeHeaderSize + (i+1)*pairSize
	end := nodeHeaderSize + in.size()*pairSize
	copy(in.data()[start-pairSize:end-pairSize], in.data()[start:end])
	in.setSize(in.size() - 1)
}

// prependChild shifts every pair right and installs child as the new
// pointer 0, demoting the old separator to pair 1's key slot.
func (in internalNode) prependChild(child primitives.PageID, demotedKey int64) {
	start := nodeHeaderSize
	end := nodeHeaderSize + in.size()*pairSize
	copy(in.data()[start+pairSize:end+pairSize], in.data()[start:end])
	in.setChildAt(0, child)
	in.setKeyAt(1, demotedKey)
	in.setSize(in.size() + 1)
}

// appendChild adds (key, child) as the last pair.
func (in internalNode) appendChild(child primitives.PageID, key int64) {
	at := in.size()
	in.setKeyAt(at, key)
	in.setChildAt(at, child)
	in.setSize(at + 1)
}

// moveUpperHalfTo shifts the upper half of in's pairs into the fresh
// node dst and returns the separator key to push into the parent. The
// pushed key is dst's pair-0 key, which becomes meaningless in place.
func (in internalNode) moveUpperHalfTo(dst internalNode) int64 {
	total := in.size()
	mid := total - total/2
	moved := total - mid

	src := in.data()[nodeHeaderSize+mid*pairSize : nodeHeaderSize+total*pairSize]
	copy(dst.data()[nodeHeaderSize:], src)
	dst.setSize(moved)
	in.setSize(mid)

	return dst.keyAt(0)
}
