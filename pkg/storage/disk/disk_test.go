package disk

import (
	"bytes"
	"os"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewTemp()
	if err != nil {
		t.Fatalf("failed to create temp manager: %v", err)
	}
	t.Cleanup(func() {
		m.ShutDown()
		os.Remove(m.Path())
	})
	return m
}

func TestReadWriteRoundTrip(t *testing.T) {
	m := newTestManager(t)

	out := make([]byte, PageSize)
	for i := range out {
		out[i] = byte(i % 251)
	}
	if err := m.WritePage(3, out); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}

	in := make([]byte, PageSize)
	if err := m.ReadPage(3, in); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("read bytes differ from written bytes")
	}
}

func TestReadFreshPageIsZeroed(t *testing.T) {
	m := newTestManager(t)

	buf := make([]byte, PageSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := m.ReadPage(7, buf); err != nil {
		t.Fatalf("ReadPage of unwritten page failed: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d of a fresh page = %#x, want 0", i, b)
		}
	}
}

func TestCacheServesFreshWrites(t *testing.T) {
	m := newTestManager(t)

	first := make([]byte, PageSize)
	first[0] = 1
	second := make([]byte, PageSize)
	second[0] = 2

	if err := m.WritePage(0, first); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}
	buf := make([]byte, PageSize)
	if err := m.ReadPage(0, buf); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if buf[0] != 1 {
		t.Fatalf("read %d, want 1", buf[0])
	}

	// Overwrite and read again: the cache must never serve the old image.
	if err := m.WritePage(0, second); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}
	if err := m.ReadPage(0, buf); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if buf[0] != 2 {
		t.Fatalf("read stale cached page: got %d, want 2", buf[0])
	}
}

func TestRejectsBadArguments(t *testing.T) {
	m := newTestManager(t)

	if err := m.ReadPage(-1, make([]byte, PageSize)); err == nil {
		t.Error("ReadPage accepted a negative page id")
	}
	if err := m.WritePage(0, make([]byte, 12)); err == nil {
		t.Error("WritePage accepted a short buffer")
	}
}

func TestSecondOpenerIsLockedOut(t *testing.T) {
	m := newTestManager(t)

	if _, err := NewManager(m.Path()); err != ErrDatabaseLocked {
		t.Fatalf("second open returned %v, want ErrDatabaseLocked", err)
	}
}

func TestShutDownIsIdempotent(t *testing.T) {
	m, err := NewTemp()
	if err != nil {
		t.Fatalf("NewTemp failed: %v", err)
	}
	defer os.Remove(m.Path())

	m.ShutDown()
	m.ShutDown()

	if err := m.ReadPage(0, make([]byte, PageSize)); err == nil {
		t.Error("ReadPage succeeded after ShutDown")
	}
}
