// Package attrtree implements one attribute (column) tree: a B-tree
// mapping contiguous TID ranges to plain or LZ-compressed arrays of
// column values. One attrtree.Tree exists per table column;
// the TID tree (embedded/tidtree) is the authoritative index of row
// identifiers these trees merely annotate with data.
package attrtree

import (
	"encoding/binary"
	"fmt"

	"github.com/zedstore/zedstore/embedded/compress"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// Flag bits carried in an item's header.
const (
	FlagCompressed uint8 = 1 << 0
	FlagHasNulls   uint8 = 1 << 1
)

const headerSize = 8 + 8 + 4 + 1 + 4 // firsttid, endtid, nelements, flags, size

// Item is either an on-disk attribute array item (Size > 0, Payload holds
// plain or compressed bytes) or an "exploded" in-memory-only item used
// during repack (Size == 0, Tids/Datums/IsNulls populated). It always
// represents a dense, contiguous TID range:
// every TID in [FirstTidV, EndTidV) has an entry, possibly NULL.
type Item struct {
	FirstTidV zstid.ZSTid
	EndTidV   zstid.ZSTid
	NumElems  uint32
	Flags     uint8
	Size      uint32
	Payload   []byte

	Tids    []zstid.ZSTid
	Datums  [][]byte
	IsNulls []bool
}

// FirstTid implements repack.Item.
func (it Item) FirstTid() zstid.ZSTid { return it.FirstTidV }

// Exploded reports whether this is the in-memory-only variant.
func (it Item) Exploded() bool { return it.Size == 0 }

func (it Item) hasNulls() bool { return it.Flags&FlagHasNulls != 0 }
func (it Item) compressed() bool { return it.Flags&FlagCompressed != 0 }

// NewExploded builds an exploded item from a dense, contiguous slice of
// (tid, datum, isnull) triples. Callers must ensure tids are contiguous
// and ascending; attrtree.splitIntoDenseRuns enforces this for
// Tree.MultiInsert's input.
func NewExploded(tids []zstid.ZSTid, datums [][]byte, isNulls []bool) Item {
	return Item{
		FirstTidV: tids[0],
		EndTidV:   tids[len(tids)-1] + 1,
		NumElems:  uint32(len(tids)),
		Tids:      tids,
		Datums:    datums,
		IsNulls:   isNulls,
	}
}

func encodePlain(datums [][]byte, isNulls []bool) []byte {
	hasNulls := false
	for _, n := range isNulls {
		if n {
			hasNulls = true
			break
		}
	}

	var out []byte
	if hasNulls {
		bm := make([]byte, (len(isNulls)+7)/8)
		for i, n := range isNulls {
			if n {
				bm[i/8] |= 1 << uint(i%8)
			}
		}
		out = append(out, bm...)
	}
	for i, d := range datums {
		if isNulls[i] {
			continue
		}
		var lb [4]byte
		binary.LittleEndian.PutUint32(lb[:], uint32(len(d)))
		out = append(out, lb[:]...)
		out = append(out, d...)
	}
	return out
}

func decodePlain(payload []byte, n int, hasNulls bool) ([][]byte, []bool) {
	isNulls := make([]bool, n)
	off := 0
	if hasNulls {
		bmLen := (n + 7) / 8
		bm := payload[:bmLen]
		for i := 0; i < n; i++ {
			if bm[i/8]&(1<<uint(i%8)) != 0 {
				isNulls[i] = true
			}
		}
		off = bmLen
	}
	datums := make([][]byte, n)
	for i := 0; i < n; i++ {
		if isNulls[i] {
			continue
		}
		l := binary.LittleEndian.Uint32(payload[off : off+4])
		off += 4
		datums[i] = payload[off : off+int(l)]
		off += int(l)
	}
	return datums, isNulls
}

// Compact turns an exploded item into its on-disk form, compressing the
// plain payload opportunistically. Compressor failure is a
// non-error: the item is stored plain.
func (it Item) Compact() Item {
	if !it.Exploded() {
		return it
	}

	plain := encodePlain(it.Datums, it.IsNulls)
	flags := uint8(0)
	hasNulls := false
	for _, n := range it.IsNulls {
		if n {
			hasNulls = true
			break
		}
	}
	if hasNulls {
		flags |= FlagHasNulls
	}

	payload := plain
	if compressed, ok := compress.TryCompress(plain, len(plain)); ok {
		payload = compressed
		flags |= FlagCompressed
	}

	return Item{
		FirstTidV: it.FirstTidV,
		EndTidV:   it.EndTidV,
		NumElems:  it.NumElems,
		Flags:     flags,
		Size:      uint32(len(payload)),
		Payload:   payload,
	}
}

// Explode returns the decompressed (tid, datum, isnull) form of an on-disk
// item, decompressing its payload if necessary.
func (it Item) Explode() (Item, error) {
	if it.Exploded() {
		return it, nil
	}

	n := int(it.NumElems)
	payload := it.Payload
	if it.compressed() {
		// Uncompressed size is not stored separately; s2 payloads are
		// self-describing, so the hint only sizes the destination buffer.
		decoded, err := compress.Decompress(payload, len(payload)*4+64)
		if err != nil {
			return Item{}, fmt.Errorf("attrtree: decompress item at %s: %w", it.FirstTidV, err)
		}
		payload = decoded
	}

	datums, isNulls := decodePlain(payload, n, it.hasNulls())
	tids := make([]zstid.ZSTid, n)
	for i := 0; i < n; i++ {
		tids[i] = it.FirstTidV + zstid.ZSTid(i)
	}
	return Item{FirstTidV: it.FirstTidV, EndTidV: it.EndTidV, NumElems: it.NumElems, Tids: tids, Datums: datums, IsNulls: isNulls}, nil
}

// Bytes serializes the item; implements repack.Item. Exploded items must
// be Compact()ed first.
func (it Item) Bytes() []byte {
	b := make([]byte, headerSize+len(it.Payload))
	binary.LittleEndian.PutUint64(b[0:8], uint64(it.FirstTidV))
	binary.LittleEndian.PutUint64(b[8:16], uint64(it.EndTidV))
	binary.LittleEndian.PutUint32(b[16:20], it.NumElems)
	b[20] = it.Flags
	binary.LittleEndian.PutUint32(b[21:25], it.Size)
	copy(b[25:], it.Payload)
	return b
}

// ParseItem deserializes a single on-disk attribute array item.
func ParseItem(b []byte) Item {
	it := Item{
		FirstTidV: zstid.ZSTid(binary.LittleEndian.Uint64(b[0:8])),
		EndTidV:   zstid.ZSTid(binary.LittleEndian.Uint64(b[8:16])),
		NumElems:  binary.LittleEndian.Uint32(b[16:20]),
		Flags:     b[20],
		Size:      binary.LittleEndian.Uint32(b[21:25]),
	}
	it.Payload = append([]byte(nil), b[25:25+int(it.Size)]...)
	return it
}

// SplitAt splits an item (exploding it first if necessary) at cut, which
// must fall strictly inside (FirstTidV, EndTidV), returning the left and
// right halves.
func (it Item) SplitAt(cut zstid.ZSTid) (left, right Item, err error) {
	exp, err := it.Explode()
	if err != nil {
		return Item{}, Item{}, err
	}
	if cut <= exp.FirstTidV || cut >= exp.EndTidV {
		return Item{}, Item{}, fmt.Errorf("attrtree: split point %s outside item range [%s,%s)", cut, exp.FirstTidV, exp.EndTidV)
	}
	i := int(cut - exp.FirstTidV)
	left = NewExploded(exp.Tids[:i], exp.Datums[:i], exp.IsNulls[:i])
	right = NewExploded(exp.Tids[i:], exp.Datums[i:], exp.IsNulls[i:])
	return left, right, nil
}
