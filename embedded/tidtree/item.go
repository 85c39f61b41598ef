// Package tidtree implements the TID tree: the authoritative per-table
// index of live/dead row identifiers. It stores dense
// run-length items, one per contiguous range of TIDs sharing the same
// undo pointer, and supports insert/delete/update/lock/mark-dead/
// undo-deletion/collect-dead/remove plus a snapshot-visible ordered scan
// (the scan cursor itself lives in embedded/scan, shared with attrtree).
package tidtree

import (
	"encoding/binary"

	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// FlagDead marks a run as vacuum-reclaimable; dead items never satisfy
// visibility.
const FlagDead uint8 = 1 << 0

// Item is the immutable TID array item of: a dense run
// [Tid, Tid+NElements) sharing one undo pointer.
type Item struct {
	Tid       zstid.ZSTid
	NElements uint32
	UndoPtr   undo.Ptr
	Flags     uint8
}

const itemSize = 8 + 4 + 8 + 1

// FirstTid implements repack.Item.
func (it Item) FirstTid() zstid.ZSTid { return it.Tid }

// EndTid is the exclusive upper bound of the run.
func (it Item) EndTid() zstid.ZSTid { return it.Tid + zstid.ZSTid(it.NElements) }

// Dead reports whether the run is marked for vacuum.
func (it Item) Dead() bool { return it.Flags&FlagDead != 0 }

// Covers reports whether tid falls inside this run.
func (it Item) Covers(tid zstid.ZSTid) bool {
	return tid >= it.Tid && tid < it.EndTid()
}

// Bytes serializes the item; implements repack.Item.
func (it Item) Bytes() []byte {
	b := make([]byte, itemSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(it.Tid))
	binary.LittleEndian.PutUint32(b[8:12], it.NElements)
	binary.LittleEndian.PutUint64(b[12:20], uint64(it.UndoPtr))
	b[20] = it.Flags
	return b
}

// ParseItem deserializes a single TID array item.
func ParseItem(b []byte) Item {
	return Item{
		Tid:       zstid.ZSTid(binary.LittleEndian.Uint64(b[0:8])),
		NElements: binary.LittleEndian.Uint32(b[8:12]),
		UndoPtr:   undo.Ptr(binary.LittleEndian.Uint64(b[12:20])),
		Flags:     b[20],
	}
}
