package primitives

// PageID identifies a fixed-size block in the database file.
// Page ids are allocated monotonically starting at 0; block 0 is the
// header page.
type PageID int32

// FrameID identifies a slot in the buffer pool's frame array.
// Frame ids live in [0, poolSize) and never change after construction.
type FrameID int32

// SlotID identifies a record slot within a heap page.
type SlotID uint32

// TableID identifies a table (the oid of the locking hierarchy).
type TableID uint32

// TransactionID uniquely identifies a transaction. Ids are assigned
// monotonically, so a larger id always means a younger transaction.
type TransactionID int64

// Sentinel values for invalid/unset identifiers.
const (
	// InvalidPageID marks a free frame or an absent page reference
	// (no parent, no next leaf, empty tree root).
	InvalidPageID PageID = -1

	// InvalidFrameID is returned when no frame can be produced.
	InvalidFrameID FrameID = -1

	// InvalidTxnID represents "no transaction".
	InvalidTxnID TransactionID = -1
)
