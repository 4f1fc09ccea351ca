package btree

import (
	"bytes"
	"encoding/binary"

	"coredb/pkg/dberror"
	"coredb/pkg/memory"
	"coredb/pkg/primitives"
)

// HeaderPageID is the reserved block holding the index directory: a
// mapping from index names to root page ids.
const HeaderPageID primitives.PageID = 0

// Header layout: magic uint32, count uint32, then fixed 36-byte records
// of (name [32]byte NUL-padded, root int32).
const (
	headerMagic      = 0x43444248 // "HBDC"
	headerMagicOff   = 0
	headerCountOff   = 4
	headerRecordsOff = 8
	headerNameLen    = 32
	headerRecordSize = headerNameLen + 4
)

// ensureHeader guarantees block 0 is an initialized header page. On a
// fresh database it claims page 0 from the allocator and stamps it.
func ensureHeader(bp *memory.BufferPool) error {
	p, err := bp.FetchPage(HeaderPageID)
	if err == nil {
		p.RLatch()
		ok := binary.LittleEndian.Uint32(p.Data()[headerMagicOff:]) == headerMagic
		p.RUnlatch()
		bp.UnpinPage(HeaderPageID, false)
		if ok {
			return nil
		}
		// Fresh database: drop the speculative residency so the
		// allocator can hand block 0 out properly.
		if _, err := bp.DeletePage(HeaderPageID); err != nil {
			return err
		}
	}

	p, err = bp.NewPage()
	if err != nil {
		return err
	}
	if p.ID() != HeaderPageID {
		bp.UnpinPage(p.ID(), false)
		return dberror.Newf(dberror.CategoryData, "HEADER_PAGE_LOST",
			"block %d is not a header page and page 0 is already allocated", HeaderPageID).
			In("ensureHeader", "BTree")
	}

	p.WLatch()
	binary.LittleEndian.PutUint32(p.Data()[headerMagicOff:], headerMagic)
	binary.LittleEndian.PutUint32(p.Data()[headerCountOff:], 0)
	p.WUnlatch()
	bp.UnpinPage(HeaderPageID, true)
	return nil
}

// headerFind looks an index name up in the directory.
func headerFind(bp *memory.BufferPool, name string) (primitives.PageID, bool, error) {
	p, err := bp.FetchPage(HeaderPageID)
	if err != nil {
		return primitives.InvalidPageID, false, err
	}
	defer bp.UnpinPage(HeaderPageID, false)

	p.RLatch()
	defer p.RUnlatch()

	buf := p.Data()
	count := int(binary.LittleEndian.Uint32(buf[headerCountOff:]))
	for i := 0; i < count; i++ {
		off := headerRecordsOff + i*headerRecordSize
		if recordName(buf[off:]) == name {
			root := primitives.PageID(int32(binary.LittleEndian.Uint32(buf[off+headerNameLen:])))
			return root, true, nil
		}
	}
	return primitives.InvalidPageID, false, nil
}

// headerSave updates (or appends) the root page id recorded for name.
func headerSave(bp *memory.BufferPool, name string, root primitives.PageID) error {
	if len(name) > headerNameLen {
		return dberror.Newf(dberror.CategoryData, "INDEX_NAME_TOO_LONG",
			"index name %q exceeds %d bytes", name, headerNameLen).In("headerSave", "BTree")
	}

	p, err := bp.FetchPage(HeaderPageID)
	if err != nil {
		return err
	}
	defer bp.UnpinPage(HeaderPageID, true)

	p.WLatch()
	defer p.WUnlatch()

	buf := p.Data()
	count := int(binary.LittleEndian.Uint32(buf[headerCountOff:]))
	for i := 0; i < count; i++ {
		off := headerRecordsOff + i*headerRecordSize
		if recordName(buf[off:]) == name {
			binary.LittleEndian.PutUint32(buf[off+headerNameLen:], uint32(root))
			return nil
		}
	}

	if headerRecordsOff+(count+1)*headerRecordSize > len(buf) {
		return dberror.New(dberror.CategoryResource, "HEADER_PAGE_FULL",
			"index directory is full").In("headerSave", "BTree")
	}

	off := headerRecordsOff + count*headerRecordSize
	clear(buf[off : off+headerNameLen])
	copy(buf[off:], name)
	binary.LittleEndian.PutUint32(buf[off+headerNameLen:], uint32(root))
	binary.LittleEndian.PutUint32(buf[headerCountOff:], uint32(count+1))
	return nil
}

func recordName(rec []byte) string {
	name := rec[:headerNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}
