package memory

import (
	"fmt"
	"sync"
	"testing"
)

// identity hashing makes directory shapes deterministic in tests.
func identityHash(k int) uint64 {
	return uint64(k)
}

func TestExtendibleInsertFind(t *testing.T) {
	table := NewExtendibleHashTable[int, string](4, identityHash)

	table.Insert(1, "a")
	table.Insert(2, "b")
	table.Insert(3, "c")

	v, ok := table.Find(2)
	if !ok || v != "b" {
		t.Fatalf("Find(2) = (%q, %v), want (b, true)", v, ok)
	}

	if _, ok := table.Find(9); ok {
		t.Error("Find(9) should miss")
	}

	// Insert on an existing key updates the value.
	table.Insert(2, "bb")
	v, ok = table.Find(2)
	if !ok || v != "bb" {
		t.Fatalf("Find(2) after update = (%q, %v), want (bb, true)", v, ok)
	}
}

func TestExtendibleSplitShape(t *testing.T) {
	table := NewExtendibleHashTable[int, int](2, identityHash)

	for k := 1; k <= 9; k++ {
		table.Insert(k, k)
	}

	if got := table.GlobalDepth(); got != 3 {
		t.Errorf("global depth = %d, want 3", got)
	}
	if got := table.NumBuckets(); got != 5 {
		t.Errorf("num buckets = %d, want 5", got)
	}

	wantLocal := map[int]int{0: 2, 1: 3, 2: 2, 3: 2}
	for idx, want := range wantLocal {
		if got := table.LocalDepth(idx); got != want {
			t.Errorf("local depth of slot %d = %d, want %d", idx, got, want)
		}
	}

	for k := 1; k <= 9; k++ {
		if v, ok := table.Find(k); !ok || v != k {
			t.Errorf("Find(%d) = (%d, %v) after splits", k, v, ok)
		}
	}
}

func TestExtendibleRemove(t *testing.T) {
	table := NewExtendibleHashTable[int, int](2, identityHash)

	for k := 0; k < 8; k++ {
		table.Insert(k, k*10)
	}

	if !table.Remove(3) {
		t.Fatal("Remove(3) reported missing key")
	}
	if _, ok := table.Find(3); ok {
		t.Error("Find(3) succeeded after Remove")
	}
	if table.Remove(3) {
		t.Error("second Remove(3) should report false")
	}

	for _, k := range []int{0, 1, 2, 4, 5, 6, 7} {
		if v, ok := table.Find(k); !ok || v != k*10 {
			t.Errorf("Find(%d) = (%d, %v) after unrelated Remove", k, v, ok)
		}
	}
}

func TestExtendibleDepthInvariant(t *testing.T) {
	table := NewExtendibleHashTable[int, int](2, identityHash)

	for k := 0; k < 64; k++ {
		table.Insert(k, k)
	}

	gd := table.GlobalDepth()
	maxLocal := 0
	for idx := 0; idx < 1<<gd; idx++ {
		ld := table.LocalDepth(idx)
		if ld > gd {
			t.Fatalf("local depth %d of slot %d exceeds global depth %d", ld, idx, gd)
		}
		if ld > maxLocal {
			maxLocal = ld
		}
	}
	if maxLocal != gd {
		t.Errorf("global depth %d but max local depth %d", gd, maxLocal)
	}
}

func TestExtendibleConcurrentReaders(t *testing.T) {
	table := NewExtendibleHashTable[int, int](4, identityHash)
	for k := 0; k < 128; k++ {
		table.Insert(k, k)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 128; k++ {
				if v, ok := table.Find(k); !ok || v != k {
					errs <- fmt.Errorf("Find(%d) = (%d, %v)", k, v, ok)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
