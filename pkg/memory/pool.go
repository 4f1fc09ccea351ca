package memory

import (
	"sync"

	"coredb/pkg/dberror"
	"coredb/pkg/logging"
	"coredb/pkg/primitives"
	"coredb/pkg/storage/disk"
	"coredb/pkg/storage/page"
)

// DefaultLRUK is the replacement-policy window used when callers have no
// reason to pick another.
const DefaultLRUK = 2

// BufferPool manages a fixed array of page frames backed by the disk
// manager. Frame selection prefers the free list and falls back to the
// LRU-K replacer; the extendible hash directory maps resident page ids to
// frames. One mutex serializes all bookkeeping; page payload access is
// guarded separately by the per-page latch.
type BufferPool struct {
	mutex      sync.Mutex
	frames     []*page.Page
	freeList   []primitives.FrameID
	pageTable  *ExtendibleHashTable[primitives.PageID, primitives.FrameID]
	replacer   *LRUKReplacer
	disk       *disk.Manager
	nextPageID primitives.PageID
}

// pageTableBucketSize bounds directory buckets; splits keep lookups O(1).
const pageTableBucketSize = 8

// NewBufferPool creates a pool with poolSize frames and an LRU-K replacer
// with window k.
func NewBufferPool(poolSize, k int, dm *disk.Manager) *BufferPool {
	frames := make([]*page.Page, poolSize)
	freeList := make([]primitives.FrameID, 0, poolSize)
	for i := range frames {
		frames[i] = page.NewPage()
		freeList = append(freeList, primitives.FrameID(i))
	}

	return &BufferPool{
		frames:    frames,
		freeList:  freeList,
		pageTable: NewExtendibleHashTable[primitives.PageID, primitives.FrameID](pageTableBucketSize, HashPageID),
		replacer:  NewLRUKReplacer(poolSize, k),
		disk:      dm,
	}
}

// NewPage allocates a fresh page id, installs it in a frame pinned once,
// and returns the frame. Fails when every frame is pinned.
func (bp *BufferPool) NewPage() (*page.Page, error) {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	fid, err := bp.reserveFrame()
	if err != nil {
		return nil, err
	}

	pid := bp.allocatePage()
	frame := bp.frames[fid]
	frame.Reset()
	frame.SetID(pid)
	frame.IncPin()
	bp.installFrame(pid, fid)
	return frame, nil
}

// FetchPage returns the frame holding pid, reading it from disk if it is
// not resident. The returned frame is pinned; the caller must UnpinPage.
func (bp *BufferPool) FetchPage(pid primitives.PageID) (*page.Page, error) {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	if fid, ok := bp.pageTable.Find(pid); ok {
		frame := bp.frames[fid]
		frame.IncPin()
		bp.replacer.RecordAccess(fid)
		bp.replacer.SetEvictable(fid, false)
		return frame, nil
	}

	fid, err := bp.reserveFrame()
	if err != nil {
		return nil, err
	}

	frame := bp.frames[fid]
	frame.Reset()
	if err := bp.disk.ReadPage(pid, frame.Data()); err != nil {
		// Put the frame back; the fetch failed before installation.
		bp.freeList = append(bp.freeList, fid)
		return nil, err
	}
	frame.SetID(pid)
	frame.IncPin()
	bp.installFrame(pid, fid)
	return frame, nil
}

// UnpinPage drops one pin on pid, ORing in the dirty flag. Returns false
// if the page is not resident or was not pinned. A pin count reaching
// zero makes the frame evictable.
func (bp *BufferPool) UnpinPage(pid primitives.PageID, dirty bool) bool {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	fid, ok := bp.pageTable.Find(pid)
	if !ok {
		return false
	}

	frame := bp.frames[fid]
	if frame.PinCount() == 0 {
		return false
	}

	frame.DecPin()
	if dirty {
		frame.SetDirty(true)
	}
	if frame.PinCount() == 0 {
		bp.replacer.SetEvictable(fid, true)
	}
	return true
}

// FlushPage writes pid to disk unconditionally and clears its dirty bit.
func (bp *BufferPool) FlushPage(pid primitives.PageID) error {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()
	return bp.flushLocked(pid)
}

// FlushAll flushes every resident page.
func (bp *BufferPool) FlushAll() error {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	for _, frame := range bp.frames {
		if frame.ID() == primitives.InvalidPageID {
			continue
		}
		if err := bp.flushLocked(frame.ID()); err != nil {
			return err
		}
	}
	return nil
}

// DeletePage evicts pid from the pool and returns its frame to the free
// list. Returns true if the page is absent or was deleted, false if it is
// still pinned.
func (bp *BufferPool) DeletePage(pid primitives.PageID) (bool, error) {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	fid, ok := bp.pageTable.Find(pid)
	if !ok {
		return true, nil
	}

	frame := bp.frames[fid]
	if frame.PinCount() > 0 {
		return false, nil
	}

	bp.pageTable.Remove(pid)
	if err := bp.replacer.Remove(fid); err != nil {
		return false, err
	}
	frame.Reset()
	bp.freeList = append(bp.freeList, fid)
	return true, nil
}

// Snapshot reports the current residency of every frame, for inspection
// tooling. The pool mutex is held only long enough to copy the state.
func (bp *BufferPool) Snapshot() []FrameInfo {
	bp.mutex.Lock()
	defer bp.mutex.Unlock()

	infos := make([]FrameInfo, len(bp.frames))
	for i, frame := range bp.frames {
		infos[i] = FrameInfo{
			Frame:    primitives.FrameID(i),
			Page:     frame.ID(),
			PinCount: frame.PinCount(),
			Dirty:    frame.IsDirty(),
		}
	}
	return infos
}

// FrameInfo is one row of a buffer pool snapshot.
type FrameInfo struct {
	Frame    primitives.FrameID
	Page     primitives.PageID
	PinCount int
	Dirty    bool
}

// Size returns the number of frames in the pool.
func (bp *BufferPool) Size() int {
	return len(bp.frames)
}

// reserveFrame produces a frame for a new resident page: free list first,
// then a replacer victim (written back if dirty, unmapped from the page
// table). Errors when every frame is pinned.
func (bp *BufferPool) reserveFrame() (primitives.FrameID, error) {
	if n := len(bp.freeList); n > 0 {
		fid := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return fid, nil
	}

	fid, ok := bp.replacer.Evict()
	if !ok {
		return primitives.InvalidFrameID, dberror.New(dberror.CategoryResource,
			"POOL_EXHAUSTED", "all frames are pinned").In("reserveFrame", "BufferPool")
	}

	victim := bp.frames[fid]
	if victim.IsDirty() {
		logging.Debug("evicting dirty page", "page", victim.ID(), "frame", fid)
		if err := bp.disk.WritePage(victim.ID(), victim.Data()); err != nil {
			return primitives.InvalidFrameID, err
		}
		victim.SetDirty(false)
	}
	bp.pageTable.Remove(victim.ID())
	return fid, nil
}

// installFrame records the residency of pid in fid and primes the
// replacer so the frame cannot be chosen while pinned.
func (bp *BufferPool) installFrame(pid primitives.PageID, fid primitives.FrameID) {
	bp.pageTable.Insert(pid, fid)
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)
}

// flushLocked requires bp.mutex.
func (bp *BufferPool) flushLocked(pid primitives.PageID) error {
	fid, ok := bp.pageTable.Find(pid)
	if !ok {
		return dberror.Newf(dberror.CategoryResource, "PAGE_NOT_RESIDENT",
			"page %d is not in the buffer pool", pid).In("FlushPage", "BufferPool")
	}

	frame := bp.frames[fid]
	if err := bp.disk.WritePage(pid, frame.Data()); err != nil {
		return err
	}
	frame.SetDirty(false)
	return nil
}

// allocatePage hands out the next page id.
func (bp *BufferPool) allocatePage() primitives.PageID {
	pid := bp.nextPageID
	bp.nextPageID++
	return pid
}
