package primitives

import (
	"encoding/binary"
	"fmt"
)

// RID locates a row in a table heap: the page it lives on and the slot
// within that page. An RID is stable for the lifetime of the row.
type RID struct {
	PageID PageID
	Slot   SlotID
}

// NewRID creates a record identifier for the given page and slot.
func NewRID(pid PageID, slot SlotID) RID {
	return RID{PageID: pid, Slot: slot}
}

// Equals reports whether two RIDs reference the same row.
func (r RID) Equals(other RID) bool {
	return r.PageID == other.PageID && r.Slot == other.Slot
}

func (r RID) String() string {
	return fmt.Sprintf("RID(%d:%d)", r.PageID, r.Slot)
}

// RIDSize is the serialized width of an RID in bytes.
const RIDSize = 8

// Serialize writes the RID into buf, which must be at least RIDSize bytes.
func (r RID) Serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PageID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.Slot))
}

// DeserializeRID reads an RID previously written by Serialize.
func DeserializeRID(buf []byte) RID {
	return RID{
		PageID: PageID(binary.LittleEndian.Uint32(buf[0:4])),
		Slot:   SlotID(binary.LittleEndian.Uint32(buf[4:8])),
	}
}
