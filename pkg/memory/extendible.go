package memory

import (
	"encoding/binary"
	"sync"

	"coredb/pkg/primitives"

	"github.com/cespare/xxhash/v2"
)

// hashPair is one key/value slot inside a bucket.
type hashPair[K comparable, V any] struct {
	key   K
	value V
}

// hashBucket is a bounded set of pairs with a local depth. Many directory
// slots may reference the same bucket; the bucket's latch guards its pairs.
type hashBucket[K comparable, V any] struct {
	latch      sync.RWMutex
	localDepth int
	pairs      []hashPair[K, V]
}

func (b *hashBucket[K, V]) find(key K) (V, bool) {
	for _, p := range b.pairs {
		if p.key == key {
			return p.value, true
		}
	}
	var zero V
	return zero, false
}

// put inserts or updates. Returns false if the bucket is full and the key
// is not already present.
func (b *hashBucket[K, V]) put(key K, value V, capacity int) bool {
	for i := range b.pairs {
		if b.pairs[i].key == key {
			b.pairs[i].value = value
			return true
		}
	}
	if len(b.pairs) >= capacity {
		return false
	}
	b.pairs = append(b.pairs, hashPair[K, V]{key: key, value: value})
	return true
}

func (b *hashBucket[K, V]) delete(key K) bool {
	for i := range b.pairs {
		if b.pairs[i].key == key {
			b.pairs[i] = b.pairs[len(b.pairs)-1]
			b.pairs = b.pairs[:len(b.pairs)-1]
			return true
		}
	}
	return false
}

// ExtendibleHashTable is a concurrent map with dynamically growing
// directory. The directory has 2^globalDepth slots, each referencing a
// bucket whose local depth never exceeds the global depth. The buffer
// pool uses it as the page table (page id -> frame id).
type ExtendibleHashTable[K comparable, V any] struct {
	latch          sync.RWMutex
	globalDepth    int
	bucketCapacity int
	dir            []*hashBucket[K, V]
	numBuckets     int
	hasher         func(K) uint64
}

// NewExtendibleHashTable creates a table with a single empty bucket.
// hasher supplies the hash on K; the directory indexes by its low
// globalDepth bits.
func NewExtendibleHashTable[K comparable, V any](bucketCapacity int, hasher func(K) uint64) *ExtendibleHashTable[K, V] {
	return &ExtendibleHashTable[K, V]{
		bucketCapacity: bucketCapacity,
		dir:            []*hashBucket[K, V]{{}},
		numBuckets:     1,
		hasher:         hasher,
	}
}

// HashPageID is the default hasher for page-id keys.
func HashPageID(pid primitives.PageID) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(pid))
	return xxhash.Sum64(buf[:])
}

func (t *ExtendibleHashTable[K, V]) indexOf(key K) int {
	mask := (1 << t.globalDepth) - 1
	return int(t.hasher(key)) & mask
}

// Find looks the key up, taking the directory latch shared and the bucket
// latch in read mode.
func (t *ExtendibleHashTable[K, V]) Find(key K) (V, bool) {
	t.latch.RLock()
	defer t.latch.RUnlock()

	b := t.dir[t.indexOf(key)]
	b.latch.RLock()
	defer b.latch.RUnlock()
	return b.find(key)
}

// Insert adds or updates the mapping for key. A full bucket splits, which
// may double the directory; pathological key distributions can force
// several splits before the insert lands.
func (t *ExtendibleHashTable[K, V]) Insert(key K, value V) {
	t.latch.Lock()
	defer t.latch.Unlock()

	for {
		b := t.dir[t.indexOf(key)]
		b.latch.Lock()
		ok := b.put(key, value, t.bucketCapacity)
		b.latch.Unlock()
		if ok {
			return
		}
		t.split(b)
	}
}

// split divides a full bucket in two, doubling the directory first when
// the bucket's local depth has caught up with the global depth.
func (t *ExtendibleHashTable[K, V]) split(full *hashBucket[K, V]) {
	if full.localDepth == t.globalDepth {
		doubled := make([]*hashBucket[K, V], 2*len(t.dir))
		copy(doubled, t.dir)
		copy(doubled[len(t.dir):], t.dir)
		t.dir = doubled
		t.globalDepth++
	}

	full.localDepth++
	sibling := &hashBucket[K, V]{localDepth: full.localDepth}
	t.numBuckets++

	// Redistribute pairs by the newly significant hash bit.
	highBit := uint64(1) << (full.localDepth - 1)
	kept := full.pairs[:0]
	for _, p := range full.pairs {
		if t.hasher(p.key)&highBit != 0 {
			sibling.pairs = append(sibling.pairs, p)
		} else {
			kept = append(kept, p)
		}
	}
	full.pairs = kept

	// Half of the slots that referenced the full bucket now point at the
	// sibling: those whose index has the new bit set.
	for i := range t.dir {
		if t.dir[i] == full && uint64(i)&highBit != 0 {
			t.dir[i] = sibling
		}
	}
}

// Remove erases the mapping for key, reporting whether it was present.
// Buckets never merge.
func (t *ExtendibleHashTable[K, V]) Remove(key K) bool {
	t.latch.RLock()
	defer t.latch.RUnlock()

	b := t.dir[t.indexOf(key)]
	b.latch.Lock()
	defer b.latch.Unlock()
	return b.delete(key)
}

// GlobalDepth returns the current directory depth.
func (t *ExtendibleHashTable[K, V]) GlobalDepth() int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.globalDepth
}

// LocalDepth returns the local depth of the bucket referenced by
// directory slot idx.
func (t *ExtendibleHashTable[K, V]) LocalDepth(idx int) int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.dir[idx].localDepth
}

// NumBuckets returns the number of distinct buckets.
func (t *ExtendibleHashTable[K, V]) NumBuckets() int {
	t.latch.RLock()
	defer t.latch.RUnlock()
	return t.numBuckets
}
