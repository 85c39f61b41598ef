// Package page implements the fixed-size page abstraction shared by the
// TID tree and every attribute tree: a slotted BLCKSZ page
// with an opaque trailer identifying the tree/level/sibling, plus the
// split-stack mechanism used to build a chain of post-split page images
// in private memory before they are applied atomically.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zedstore/zedstore/embedded/zstid"
)

// Size is the fixed page size used throughout the engine (BLCKSZ).
const Size = 8192

// BlockNumber identifies a page within a tree's relation file.
type BlockNumber uint32

// InvalidBlockNumber marks the absence of a sibling/child/root block.
const InvalidBlockNumber BlockNumber = 0xFFFFFFFF

// PageKind identifies the logical format of the page's payload, carried in
// the trailer so a page is self-describing on disk.
type PageKind uint8

const (
	KindBTree PageKind = iota
	KindToast
	KindMeta
	KindUndo
	KindFPM
)

// Flag bits carried in the opaque trailer.
const (
	FlagRoot  uint16 = 1 << 0
	FlagLeaf  uint16 = 1 << 1
	FlagDirty uint16 = 1 << 2
)

// Opaque is the per-page trailer common to every leaf and internal page of
// both trees. Attno is 0 for the TID tree and the 1-based
// column number for an attribute tree.
type Opaque struct {
	Attno     uint16
	Next      BlockNumber
	Lokey     zstid.ZSTid
	Hikey     zstid.ZSTid
	Level     uint16
	Flags     uint16
	Kind      PageKind
}

func (o Opaque) IsRoot() bool { return o.Flags&FlagRoot != 0 }
func (o Opaque) IsLeaf() bool { return o.Level == 0 }

const opaqueSize = 2 + 4 + 8 + 8 + 2 + 2 + 1

// headerSize is the fixed header preceding the item directory: item count
// plus the low/high water marks of the slotted layout (grown-up directory,
// grown-down bodies), the classic slotted-page header layout.
const headerSize = 2 + 2 + 2

// Page is an in-memory mutable view of one on-disk page. Items are stored
// as opaque byte records; higher layers (tidtree/attrtree) interpret the
// bytes. The directory grows from just after the header towards the
// middle of the page; item bodies grow down from the trailer towards the
// middle, the classic slotted-page layout.
type Page struct {
	Opaque Opaque
	buf    [Size]byte
}

var (
	ErrNoSpace       = errors.New("page: not enough free space")
	ErrBadSlot       = errors.New("page: invalid slot index")
	ErrCorruptedPage = errors.New("page: corrupted trailer")
)

// New returns a zeroed page with the given opaque trailer.
func New(opaque Opaque) *Page {
	p := &Page{Opaque: opaque}
	p.setDirectoryBounds(headerSize, Size-opaqueSize)
	return p
}

func (p *Page) setNItems(n uint16)    { binary.LittleEndian.PutUint16(p.buf[0:2], n) }
func (p *Page) nItemsRaw() uint16     { return binary.LittleEndian.Uint16(p.buf[0:2]) }
func (p *Page) setDirectoryBounds(lower, upper uint16) {
	binary.LittleEndian.PutUint16(p.buf[2:4], lower)
	binary.LittleEndian.PutUint16(p.buf[4:6], upper)
}
func (p *Page) directoryBounds() (lower, upper uint16) {
	return binary.LittleEndian.Uint16(p.buf[2:4]), binary.LittleEndian.Uint16(p.buf[4:6])
}

// NItems returns the number of items currently stored on the page.
func (p *Page) NItems() int { return int(p.nItemsRaw()) }

// FreeSpace returns the number of bytes available for new item bodies plus
// their directory slots.
func (p *Page) FreeSpace() int {
	lower, upper := p.directoryBounds()
	if upper < lower {
		return 0
	}
	return int(upper - lower)
}

const slotEntrySize = 4 // offset(2) + length(2), little endian

func slotPos(i int) int { return headerSize + i*slotEntrySize }

func (p *Page) slot(i int) (off, length uint16, err error) {
	if i < 0 || i >= p.NItems() {
		return 0, 0, ErrBadSlot
	}
	pos := slotPos(i)
	return binary.LittleEndian.Uint16(p.buf[pos : pos+2]), binary.LittleEndian.Uint16(p.buf[pos+2 : pos+4]), nil
}

func (p *Page) setSlot(i int, off, length uint16) {
	pos := slotPos(i)
	binary.LittleEndian.PutUint16(p.buf[pos:pos+2], off)
	binary.LittleEndian.PutUint16(p.buf[pos+2:pos+4], length)
}

// Item returns a view of the i'th item's bytes (no copy: callers must not
// retain it across a mutation of the page).
func (p *Page) Item(i int) ([]byte, error) {
	off, length, err := p.slot(i)
	if err != nil {
		return nil, err
	}
	return p.buf[off : off+length], nil
}

// AppendItem appends a new item at the end of the directory, writing its
// body just below the current upper bound. Returns the new item's index.
func (p *Page) AppendItem(body []byte) (int, error) {
	lower, upper := p.directoryBounds()
	need := slotEntrySize + len(body)
	if int(upper)-int(lower) < need {
		return 0, ErrNoSpace
	}

	newUpper := upper - uint16(len(body))
	copy(p.buf[newUpper:upper], body)

	idx := p.NItems()
	p.setNItems(uint16(idx + 1))
	p.setSlot(idx, newUpper, uint16(len(body)))
	p.setDirectoryBounds(lower+slotEntrySize, newUpper)
	return idx, nil
}

// ReplaceItems rewrites the entire item array from scratch with the given
// ordered bodies. Used by in-place shifts (tidtree replace, attrtree
// add-items) once the caller has computed the full new item list and
// verified it fits (the resulting FreeSpace would stay >= 0).
func (p *Page) ReplaceItems(bodies [][]byte) error {
	total := 0
	for _, b := range bodies {
		total += slotEntrySize + len(b)
	}
	if total > Size-headerSize-opaqueSize {
		return ErrNoSpace
	}

	p.setNItems(0)
	p.setDirectoryBounds(headerSize, Size-opaqueSize)
	for _, b := range bodies {
		if _, err := p.AppendItem(b); err != nil {
			return fmt.Errorf("page: replace items: %w", err)
		}
	}
	return nil
}

// Items returns copies of every item body in directory order.
func (p *Page) Items() [][]byte {
	n := p.NItems()
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		b, _ := p.Item(i)
		cp := make([]byte, len(b))
		copy(cp, b)
		out[i] = cp
	}
	return out
}

// Bytes serializes the page (item area + trailer) for handoff to the
// buffer manager. The opaque trailer is not part of the in-memory buf; it
// is appended on serialization and parsed back on load.
func (p *Page) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, p.buf[:])
	putOpaque(out[Size-opaqueSize:], p.Opaque)
	return out
}

// FromBytes parses a serialized page image.
func FromBytes(raw []byte) (*Page, error) {
	if len(raw) != Size {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptedPage, len(raw))
	}
	p := &Page{}
	copy(p.buf[:], raw)
	opaque, err := parseOpaque(raw[Size-opaqueSize:])
	if err != nil {
		return nil, err
	}
	p.Opaque = opaque
	return p, nil
}

func putOpaque(dst []byte, o Opaque) {
	binary.LittleEndian.PutUint16(dst[0:2], o.Attno)
	binary.LittleEndian.PutUint32(dst[2:6], uint32(o.Next))
	binary.LittleEndian.PutUint64(dst[6:14], uint64(o.Lokey))
	binary.LittleEndian.PutUint64(dst[14:22], uint64(o.Hikey))
	binary.LittleEndian.PutUint16(dst[22:24], o.Level)
	binary.LittleEndian.PutUint16(dst[24:26], o.Flags)
	dst[26] = byte(o.Kind)
}

func parseOpaque(src []byte) (Opaque, error) {
	if len(src) < opaqueSize {
		return Opaque{}, ErrCorruptedPage
	}
	return Opaque{
		Attno: binary.LittleEndian.Uint16(src[0:2]),
		Next:  BlockNumber(binary.LittleEndian.Uint32(src[2:6])),
		Lokey: zstid.ZSTid(binary.LittleEndian.Uint64(src[6:14])),
		Hikey: zstid.ZSTid(binary.LittleEndian.Uint64(src[14:22])),
		Level: binary.LittleEndian.Uint16(src[22:24]),
		Flags: binary.LittleEndian.Uint16(src[24:26]),
		Kind:  PageKind(src[26]),
	}, nil
}

// Covers reports whether tid falls within [Lokey, Hikey).
func (o Opaque) Covers(tid zstid.ZSTid) bool {
	return tid >= o.Lokey && tid < o.Hikey
}
