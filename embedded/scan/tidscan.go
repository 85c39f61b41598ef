// Package scan implements the per-tree scan cursor and cross-tree table
// scan coordinator of: the TID tree's cursor yields successive
// visible TIDs in ascending order, each attribute tree's cursor lazily
// decompresses the array covering whatever TID the coordinator asks
// about, and TableScan pulls the two together column by column.
package scan

import (
	"fmt"

	"github.com/zedstore/zedstore/embedded/attrtree"
	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/page"
	"github.com/zedstore/zedstore/embedded/tidtree"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// tidDescender is the narrow subset of *tidtree.Tree a scan needs.
type tidDescender interface {
	DescendLeaf(tid zstid.ZSTid) (*bufmgr.Buffer, error)
}

// TidScan is the TID tree half of a per-tree scan cursor.
type TidScan struct {
	tree    tidDescender
	mgr     *bufmgr.Manager
	snap    undo.Snapshot
	nextTid zstid.ZSTid
	endTid  zstid.ZSTid

	lastBuf *bufmgr.Buffer
	cache   []tidtree.Item
	cacheIx int
}

// NewTidScan opens a cursor over [start, end) of the TID tree's key space.
func NewTidScan(tree *tidtree.Tree, mgr *bufmgr.Manager, snap undo.Snapshot, start, end zstid.ZSTid) *TidScan {
	return &TidScan{tree: tree, mgr: mgr, snap: snap, nextTid: start, endTid: end}
}

func (s *TidScan) releaseBuf() {
	if s.lastBuf != nil {
		s.mgr.Unpin(s.lastBuf)
		s.lastBuf = nil
	}
}

// Reset repositions the cursor. A rewind (start < current position) drops
// cached state; a forward skip within the cached leaf range is cheap
//.
func (s *TidScan) Reset(start zstid.ZSTid) {
	if start < s.nextTid {
		s.releaseBuf()
		s.cache = nil
		s.cacheIx = 0
	}
	s.nextTid = start
}

// Close releases any pinned buffer.
func (s *TidScan) Close() { s.releaseBuf() }

// fillCache scans the leaf covering nextTid (or advances via right-link)
// until it finds the next visible run, or nextTid reaches endTid.
func (s *TidScan) fillCache() error {
	for s.cacheIx >= len(s.cache) {
		if s.nextTid >= s.endTid {
			return nil
		}

		if s.lastBuf == nil {
			buf, err := s.treeDescend(s.nextTid)
			if err != nil {
				return err
			}
			s.lastBuf = buf
		}

		buf := s.lastBuf
		buf.LockShare()
		opq := buf.Page().Opaque
		if s.nextTid >= opq.Hikey {
			next := opq.Next
			buf.UnlockShare()
			s.mgr.Unpin(buf)
			s.lastBuf = nil
			if next == page.InvalidBlockNumber {
				s.nextTid = s.endTid
				return nil
			}
			nb, err := s.mgr.Pin(next)
			if err != nil {
				return err
			}
			s.lastBuf = nb
			continue
		}

		items := readTidItems(buf.Page())
		hikey := opq.Hikey
		buf.UnlockShare()

		var visible []tidtree.Item
		for _, it := range items {
			if it.EndTid() <= s.nextTid || it.Dead() {
				continue
			}
			vis, err := s.snap.SatisfiesVisibility(it.UndoPtr)
			if err != nil {
				return err
			}
			if !vis.Visible {
				// Serializable snapshots would additionally report the
				// skipped obsoleting xid via CheckForSerializableConflictOut
				// here; that hook lives outside this module.
				continue
			}
			visible = append(visible, it)
		}

		s.cache = visible
		s.cacheIx = 0

		if len(visible) == 0 {
			// Nothing visible on this leaf: jump straight to its hikey
			// (or endTid) and try the next one.
			if hikey > s.nextTid {
				s.nextTid = hikey
			} else {
				s.nextTid++
			}
		}
	}
	return nil
}

func (s *TidScan) treeDescend(tid zstid.ZSTid) (*bufmgr.Buffer, error) {
	return s.tree.DescendLeaf(tid)
}

// Next returns the next visible TID, or false when the cursor is
// exhausted.
func (s *TidScan) Next() (zstid.ZSTid, bool, error) {
	for {
		if err := s.fillCache(); err != nil {
			return 0, false, err
		}
		if s.nextTid >= s.endTid && s.cacheIx >= len(s.cache) {
			return 0, false, nil
		}
		if s.cacheIx < len(s.cache) {
			it := s.cache[s.cacheIx]
			tid := s.nextTid
			if tid < it.Tid {
				tid = it.Tid
			}
			if tid >= it.EndTid() {
				s.cacheIx++
				continue
			}
			s.nextTid = tid + 1
			return tid, true, nil
		}
	}
}

func readTidItems(pg *page.Page) []tidtree.Item {
	n := pg.NItems()
	out := make([]tidtree.Item, n)
	for i := 0; i < n; i++ {
		raw, _ := pg.Item(i)
		out[i] = tidtree.ParseItem(raw)
	}
	return out
}

// AttrScan is an attribute tree's half of a per-tree scan cursor. It
// lazily decompresses one item at a time as the coordinator asks for
// values at increasing TIDs.
type AttrScan struct {
	mgr  *bufmgr.Manager
	bt   AttrDescender
	item attrtree.Item // exploded; zero value until the first advance
	have bool
}

// AttrDescender is the subset of *attrtree.Tree a scan needs; kept narrow
// so the scan package does not import attrtree's private descent
// plumbing, and exported so callers (embedded/table) can build slices of
// it across package boundaries.
type AttrDescender interface {
	DescendLeaf(tid zstid.ZSTid) (*bufmgr.Buffer, error)
}

// NewAttrScan opens a cursor over tree.
func NewAttrScan(tree AttrDescender, mgr *bufmgr.Manager) *AttrScan {
	return &AttrScan{mgr: mgr, bt: tree}
}

// Advance loads the item covering tid if the cursor isn't already
// positioned there, decompressing it into the in-memory exploded form.
func (s *AttrScan) Advance(tid zstid.ZSTid) error {
	if s.have && tid >= s.item.FirstTidV && tid < s.item.EndTidV {
		return nil
	}

	buf, err := s.bt.DescendLeaf(tid)
	if err != nil {
		return err
	}
	buf.LockShare()
	n := buf.Page().NItems()
	var found *attrtree.Item
	for i := 0; i < n; i++ {
		raw, _ := buf.Page().Item(i)
		it := attrtree.ParseItem(raw)
		if tid >= it.FirstTidV && tid < it.EndTidV {
			found = &it
			break
		}
	}
	buf.UnlockShare()
	s.mgr.Unpin(buf)

	if found == nil {
		s.have = false
		return nil
	}
	exp, err := found.Explode()
	if err != nil {
		return fmt.Errorf("scan: explode attribute item: %w", err)
	}
	s.item = exp
	s.have = true
	return nil
}

// Value returns the datum and null flag at tid, after Advance(tid).
// ok is false when tid falls in a gap (implicitly NULL, and no item
// loaded at all).
func (s *AttrScan) Value(tid zstid.ZSTid) (datum []byte, isNull bool, ok bool) {
	if !s.have || tid < s.item.FirstTidV || tid >= s.item.EndTidV {
		return nil, true, false
	}
	i := int(tid - s.item.FirstTidV)
	return s.item.Datums[i], s.item.IsNulls[i], true
}
