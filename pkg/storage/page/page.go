// Package page defines the in-memory frame that holds one disk page while
// it is resident in the buffer pool.
package page

import (
	"sync"
	"sync/atomic"

	"coredb/pkg/primitives"
	"coredb/pkg/storage/disk"
)

// Page is a fixed slot of the buffer pool. At any instant it is either
// free (id == InvalidPageID) or holds exactly one disk page. Bookkeeping
// fields (id, pin count, dirty bit) are owned by the buffer pool and
// mutated under its mutex; the data payload is guarded by the page latch.
type Page struct {
	latch    sync.RWMutex
	data     [disk.PageSize]byte
	id       primitives.PageID
	pinCount atomic.Int32
	dirty    atomic.Bool
}

// NewPage returns a free frame.
func NewPage() *Page {
	p := &Page{}
	p.id = primitives.InvalidPageID
	return p
}

// ID returns the id of the page held by this frame, or InvalidPageID if
// the frame is free.
func (p *Page) ID() primitives.PageID {
	return p.id
}

// Data returns the page payload. Callers must hold the page latch in the
// appropriate mode while reading or writing it.
func (p *Page) Data() []byte {
	return p.data[:]
}

// PinCount returns the number of active references to this frame.
func (p *Page) PinCount() int {
	return int(p.pinCount.Load())
}

// IsDirty reports whether the payload has been modified since it was last
// written to disk.
func (p *Page) IsDirty() bool {
	return p.dirty.Load()
}

// SetDirty sets the dirty bit.
func (p *Page) SetDirty(dirty bool) {
	p.dirty.Store(dirty)
}

// RLatch takes the page latch in read mode.
func (p *Page) RLatch() { p.latch.RLock() }

// RUnlatch releases a read latch.
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// WLatch takes the page latch in write mode.
func (p *Page) WLatch() { p.latch.Lock() }

// WUnlatch releases a write latch.
func (p *Page) WUnlatch() { p.latch.Unlock() }

// SetID installs a new page id. Buffer pool only.
func (p *Page) SetID(id primitives.PageID) {
	p.id = id
}

// IncPin increments the pin count. Buffer pool only.
func (p *Page) IncPin() {
	p.pinCount.Add(1)
}

// DecPin decrements the pin count. Buffer pool only.
func (p *Page) DecPin() {
	p.pinCount.Add(-1)
}

// Reset zeroes the frame and marks it free. Buffer pool only.
func (p *Page) Reset() {
	clear(p.data[:])
	p.id = primitives.InvalidPageID
	p.pinCount.Store(0)
	p.dirty.Store(false)
}
