// Package memory implements the in-memory side of the storage engine: the
// LRU-K replacement policy, the extendible hash page directory, and the
// buffer pool that ties them to the disk manager.
package memory

import (
	"coredb/pkg/dberror"
	"coredb/pkg/primitives"
	"sync"
)

// lruEntry tracks one frame inside the replacer. An entry lives in exactly
// one of the two pools: the history pool while it has fewer than K recorded
// accesses, the cache pool afterwards.
type lruEntry struct {
	fid       primitives.FrameID
	history   []uint64 // up to k most recent access times, oldest first
	evictable bool
	inCache   bool
	prev      *lruEntry
	next      *lruEntry
}

// kthRecent returns the timestamp that orders this entry in the cache
// pool: the oldest access inside its K-window.
func (e *lruEntry) kthRecent() uint64 {
	return e.history[0]
}

// lruList is an intrusive doubly linked list with dummy head and tail.
type lruList struct {
	head *lruEntry
	tail *lruEntry
}

func newLRUList() *lruList {
	head := &lruEntry{}
	tail := &lruEntry{}
	head.next = tail
	tail.prev = head
	return &lruList{head: head, tail: tail}
}

// pushBack appends e at the tail end.
func (l *lruList) pushBack(e *lruEntry) {
	e.prev = l.tail.prev
	e.next = l.tail
	l.tail.prev.next = e
	l.tail.prev = e
}

// insertBefore places e immediately before pos.
func (l *lruList) insertBefore(e, pos *lruEntry) {
	e.prev = pos.prev
	e.next = pos
	pos.prev.next = e
	pos.prev = e
}

func (l *lruList) remove(e *lruEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

// firstEvictable walks front to back and returns the first evictable
// entry, or nil.
func (l *lruList) firstEvictable() *lruEntry {
	for e := l.head.next; e != l.tail; e = e.next {
		if e.evictable {
			return e
		}
	}
	return nil
}

// LRUKReplacer picks eviction victims by backward K-distance: the frame
// whose Kth most recent access lies furthest in the past is evicted first.
// Frames with fewer than K accesses have infinite distance and take
// precedence, oldest first insertion breaking ties.
//
// Time is a logical counter owned by the replacer; all operations are
// serialized by a single mutex.
type LRUKReplacer struct {
	mutex     sync.Mutex
	k         int
	capacity  int
	clock     uint64
	entries   map[primitives.FrameID]*lruEntry
	history   *lruList // <K accesses, FIFO by first insertion
	cache     *lruList // >=K accesses, ascending by Kth-recent timestamp
	evictable int
}

// NewLRUKReplacer creates a replacer tracking frames [0, capacity) with
// window size k.
func NewLRUKReplacer(capacity, k int) *LRUKReplacer {
	return &LRUKReplacer{
		k:        k,
		capacity: capacity,
		entries:  make(map[primitives.FrameID]*lruEntry),
		history:  newLRUList(),
		cache:    newLRUList(),
	}
}

// RecordAccess notes an access to the given frame at the current logical
// time. A frame reaching its Kth access migrates from the history pool to
// the cache pool; a frame already in the cache pool is reordered by its
// new K-window.
func (r *LRUKReplacer) RecordAccess(fid primitives.FrameID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if err := r.checkFrame(fid); err != nil {
		return err
	}

	r.clock++
	e, ok := r.entries[fid]
	if !ok {
		e = &lruEntry{fid: fid, history: make([]uint64, 0, r.k)}
		r.entries[fid] = e
		e.history = append(e.history, r.clock)
		if len(e.history) < r.k {
			r.history.pushBack(e)
			return nil
		}
		e.inCache = true
		r.insertSorted(e)
		return nil
	}

	if len(e.history) == r.k {
		copy(e.history, e.history[1:])
		e.history[len(e.history)-1] = r.clock
	} else {
		e.history = append(e.history, r.clock)
	}

	if len(e.history) < r.k {
		return nil // stays in history pool, FIFO position unchanged
	}

	if e.inCache {
		r.cache.remove(e)
	} else {
		r.history.remove(e)
		e.inCache = true
	}
	r.insertSorted(e)
	return nil
}

// insertSorted places e into the cache pool keeping ascending Kth-recent
// order. New accesses always move an entry toward the back, so the scan
// starts at the tail.
func (r *LRUKReplacer) insertSorted(e *lruEntry) {
	pos := r.cache.tail
	for prev := pos.prev; prev != r.cache.head; prev = prev.prev {
		if prev.kthRecent() <= e.kthRecent() {
			break
		}
		pos = prev
	}
	r.cache.insertBefore(e, pos)
}

// SetEvictable toggles whether the frame may be chosen as a victim.
// Untracked frames are ignored.
func (r *LRUKReplacer) SetEvictable(fid primitives.FrameID, evictable bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.entries[fid]
	if !ok || e.evictable == evictable {
		return
	}
	e.evictable = evictable
	if evictable {
		r.evictable++
	} else {
		r.evictable--
	}
}

// Evict selects and removes the victim frame: the first evictable entry
// of the history pool, or failing that the frontmost evictable entry of
// the cache pool. Returns false if no frame is evictable.
func (r *LRUKReplacer) Evict() (primitives.FrameID, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	victim := r.history.firstEvictable()
	if victim == nil {
		victim = r.cache.firstEvictable()
	}
	if victim == nil {
		return primitives.InvalidFrameID, false
	}

	r.drop(victim)
	return victim.fid, true
}

// Remove erases all tracking state for the frame. The frame must be
// evictable; removing a pinned frame is a caller bug.
func (r *LRUKReplacer) Remove(fid primitives.FrameID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.entries[fid]
	if !ok {
		return nil
	}
	if !e.evictable {
		return dberror.Newf(dberror.CategoryData, "REPLACER_PINNED_REMOVE",
			"frame %d is not evictable", fid).In("Remove", "LRUKReplacer")
	}
	r.drop(e)
	return nil
}

// Size returns the number of currently evictable frames.
func (r *LRUKReplacer) Size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.evictable
}

func (r *LRUKReplacer) drop(e *lruEntry) {
	if e.inCache {
		r.cache.remove(e)
	} else {
		r.history.remove(e)
	}
	if e.evictable {
		r.evictable--
	}
	delete(r.entries, e.fid)
}

func (r *LRUKReplacer) checkFrame(fid primitives.FrameID) error {
	if fid < 0 || int(fid) >= r.capacity {
		return dberror.Newf(dberror.CategoryData, "REPLACER_BAD_FRAME",
			"frame id %d outside [0, %d)", fid, r.capacity).In("RecordAccess", "LRUKReplacer")
	}
	return nil
}
