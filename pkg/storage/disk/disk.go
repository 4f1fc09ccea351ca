// Package disk implements the block-addressable disk manager. The database
// is a single file of fixed-size pages; page i lives at byte offset
// i*PageSize. A ristretto cache in front of the file absorbs re-reads of
// recently evicted pages.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"coredb/pkg/dberror"
	"coredb/pkg/logging"
	"coredb/pkg/primitives"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/uuid"
)

const (
	// PageSize is the size of every on-disk block in bytes.
	PageSize = 4096

	// cachePages bounds the read cache to this many page images.
	cachePages = 1024
)

// ErrDatabaseLocked is returned when the database file is already held
// by another process.
var ErrDatabaseLocked = errors.New("database file is locked by another process")

// Manager provides synchronous page-granular access to the database file.
// All methods are safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	cache     *ristretto.Cache[int64, []byte]
	numReads  atomic.Int64
	numWrites atomic.Int64
	shutdown  atomic.Bool
}

// NewManager opens (or creates) the database file at path and takes an
// exclusive advisory lock on it. Returns ErrDatabaseLocked if another
// process holds the file.
func NewManager(path string) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, dberror.Wrap(err, "DB_FILE_OPEN", "NewManager", "DiskManager")
	}

	if err := lockFile(file); err != nil {
		file.Close()
		if errors.Is(err, ErrDatabaseLocked) {
			return nil, err
		}
		return nil, dberror.Wrap(err, "DB_FILE_LOCK", "NewManager", "DiskManager")
	}

	cache, err := ristretto.NewCache(&ristretto.Config[int64, []byte]{
		NumCounters: cachePages * 10,
		MaxCost:     cachePages * PageSize,
		BufferItems: 64,
	})
	if err != nil {
		unlockFile(file)
		file.Close()
		return nil, dberror.Wrap(err, "DB_CACHE_INIT", "NewManager", "DiskManager")
	}

	return &Manager{file: file, path: path, cache: cache}, nil
}

// NewTemp creates a Manager over a fresh uniquely named file in the
// system temp directory. Used by tests and tooling.
func NewTemp() (*Manager, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("coredb-%s.db", uuid.NewString()))
	return NewManager(path)
}

// Path returns the location of the underlying database file.
func (m *Manager) Path() string {
	return m.path
}

// ReadPage fills buf with the contents of the given page. Reading past the
// current end of the file yields zeroed bytes: a freshly allocated page
// that has never been written reads back empty. buf must be PageSize long.
func (m *Manager) ReadPage(pid primitives.PageID, buf []byte) error {
	if err := m.checkArgs(pid, buf); err != nil {
		return err
	}

	if cached, ok := m.cache.Get(int64(pid)); ok {
		copy(buf, cached)
		return nil
	}

	m.numReads.Add(1)
	n, err := m.file.ReadAt(buf, int64(pid)*PageSize)
	if err != nil && err != io.EOF {
		return dberror.Wrap(err, "DB_READ_FAILED", "ReadPage", "DiskManager")
	}
	for i := n; i < PageSize; i++ {
		buf[i] = 0
	}

	image := make([]byte, PageSize)
	copy(image, buf)
	m.cache.Set(int64(pid), image, PageSize)
	return nil
}

// WritePage synchronously persists buf as the contents of the given page
// and refreshes the read cache so it can never serve a stale image.
func (m *Manager) WritePage(pid primitives.PageID, buf []byte) error {
	if err := m.checkArgs(pid, buf); err != nil {
		return err
	}

	m.numWrites.Add(1)
	if _, err := m.file.WriteAt(buf, int64(pid)*PageSize); err != nil {
		return dberror.Wrap(err, "DB_WRITE_FAILED", "WritePage", "DiskManager")
	}
	if err := m.file.Sync(); err != nil {
		return dberror.Wrap(err, "DB_SYNC_FAILED", "WritePage", "DiskManager")
	}

	image := make([]byte, PageSize)
	copy(image, buf)
	m.cache.Set(int64(pid), image, PageSize)
	m.cache.Wait()
	return nil
}

// NumReads reports how many page reads reached the file (cache hits
// excluded).
func (m *Manager) NumReads() int64 {
	return m.numReads.Load()
}

// NumWrites reports how many page writes have been issued.
func (m *Manager) NumWrites() int64 {
	return m.numWrites.Load()
}

// ShutDown releases the file lock and closes the file. The manager must
// not be used afterwards.
func (m *Manager) ShutDown() {
	if !m.shutdown.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.Close()
	if err := unlockFile(m.file); err != nil {
		logging.Warn("failed to unlock database file", "path", m.path, "error", err)
	}
	if err := m.file.Close(); err != nil {
		logging.Warn("failed to close database file", "path", m.path, "error", err)
	}
}

func (m *Manager) checkArgs(pid primitives.PageID, buf []byte) error {
	if m.shutdown.Load() {
		return dberror.New(dberror.CategorySystem, "DB_SHUT_DOWN", "disk manager is shut down")
	}
	if pid < 0 {
		return dberror.Newf(dberror.CategoryData, "DB_BAD_PAGE_ID", "invalid page id %d", pid)
	}
	if len(buf) != PageSize {
		return dberror.Newf(dberror.CategoryData, "DB_BAD_BUFFER", "buffer must be %d bytes, got %d", PageSize, len(buf))
	}
	return nil
}
