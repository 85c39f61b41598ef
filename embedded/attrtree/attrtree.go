package attrtree

import (
	"errors"
	"fmt"

	"github.com/zedstore/zedstore/embedded/btree"
	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/logger"
	"github.com/zedstore/zedstore/embedded/page"
	"github.com/zedstore/zedstore/embedded/repack"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// ErrDuplicateTid is the fatal "attribute already has a value at TID" error
// raised by add-items overlap resolution.
var ErrDuplicateTid = errors.New("attrtree: duplicate tid")

// Tree is one column's attribute tree.
type Tree struct {
	bt  *btree.Tree
	log logger.Logger
}

// Open creates a fresh, empty attribute tree for the given column number.
func Open(mgr *bufmgr.Manager, attno uint16, log logger.Logger) (*Tree, error) {
	if log == nil {
		log = logger.Noop()
	}
	bt, err := btree.New(mgr, attno, page.KindBTree)
	if err != nil {
		return nil, err
	}
	return &Tree{bt: bt, log: log}, nil
}

func readItems(pg *page.Page) []Item {
	n := pg.NItems()
	out := make([]Item, n)
	for i := 0; i < n; i++ {
		raw, _ := pg.Item(i)
		out[i] = ParseItem(raw)
	}
	return out
}

// splitIntoDenseRuns breaks a caller-provided (tids, datums, isnulls)
// triple into maximal contiguous runs, since a single attribute item
// always covers a dense TID range.
func splitIntoDenseRuns(tids []zstid.ZSTid, datums [][]byte, isNulls []bool) []Item {
	var out []Item
	start := 0
	for i := 1; i <= len(tids); i++ {
		if i == len(tids) || tids[i] != tids[i-1]+1 {
			out = append(out, NewExploded(tids[start:i], datums[start:i], isNulls[start:i]))
			start = i
		}
	}
	return out
}

// MultiInsert builds one or more attribute items (one per contiguous TID
// sub-run of the input) and hands each off to add-items.
func (t *Tree) MultiInsert(tids []zstid.ZSTid, datums [][]byte, isNulls []bool) error {
	if len(tids) == 0 {
		return nil
	}
	for _, it := range splitIntoDenseRuns(tids, datums, isNulls) {
		if err := t.addItem(it); err != nil {
			return err
		}
	}
	return nil
}

// DescendLeaf returns the leaf covering tid, pinned but unlocked, for use
// by embedded/scan's attribute scan cursor.
func (t *Tree) DescendLeaf(tid zstid.ZSTid) (*bufmgr.Buffer, error) {
	return t.bt.Descend(tid, 0)
}

// addItem descends to the leaf covering the new item's first TID and
// merges it with whatever is already on that page. If the new item's range spans more than one leaf (it never
// does for MultiInsert's dense per-run items unless a leaf boundary falls
// inside the run), it is split at the boundary and the remainder is
// retried against the next leaf.
func (t *Tree) addItem(it Item) error {
	for {
		buf, err := t.bt.Descend(it.FirstTidV, 0)
		if err != nil {
			return err
		}
		buf.LockExclusive()

		if !btree.PageIsExpected(buf, it.FirstTidV, 0) {
			// Concurrent split moved the boundary underneath us; retry
			// descent from root rather than trusting the cached buffer
			//.
			buf.Unlock()
			t.bt.Mgr.Unpin(buf)
			continue
		}

		hikey := buf.Page().Opaque.Hikey
		head, rest := it, Item{}
		hasRest := false
		if it.EndTidV > hikey {
			head, rest, err = it.SplitAt(hikey)
			if err != nil {
				buf.Unlock()
				t.bt.Mgr.Unpin(buf)
				return err
			}
			hasRest = true
		}

		merged, err := mergeItems(readItems(buf.Page()), []Item{head})
		if err != nil {
			buf.Unlock()
			t.bt.Mgr.Unpin(buf)
			return err
		}

		if err := t.writeLeaf(buf, merged); err != nil {
			return err
		}

		if !hasRest {
			return nil
		}
		it = rest
	}
}

// mergeItems implements a lockstep overlap-resolution merge: old and new
// must each already be ordered by FirstTid and internally non-overlapping.
func mergeItems(old, add []Item) ([]Item, error) {
	var out []Item
	oi, ai := 0, 0
	for oi < len(old) || ai < len(add) {
		switch {
		case ai >= len(add):
			out = append(out, old[oi])
			oi++
		case oi >= len(old):
			out = append(out, add[ai])
			ai++
		case add[ai].EndTidV <= old[oi].FirstTidV:
			out = append(out, add[ai])
			ai++
		case old[oi].EndTidV <= add[ai].FirstTidV:
			out = append(out, old[oi])
			oi++
		case add[ai].FirstTidV == old[oi].FirstTidV:
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTid, add[ai].FirstTidV)
		case old[oi].FirstTidV < add[ai].FirstTidV && add[ai].FirstTidV < old[oi].EndTidV:
			left, right, err := old[oi].SplitAt(add[ai].FirstTidV)
			if err != nil {
				return nil, err
			}
			out = append(out, left)
			old[oi] = right
		case add[ai].FirstTidV < old[oi].FirstTidV && old[oi].FirstTidV < add[ai].EndTidV:
			left, right, err := add[ai].SplitAt(old[oi].FirstTidV)
			if err != nil {
				return nil, err
			}
			out = append(out, left)
			add[ai] = right
		default:
			return nil, fmt.Errorf("attrtree: unreachable merge state at %s/%s", old[oi].FirstTidV, add[ai].FirstTidV)
		}
	}
	return out, nil
}

// mergeThreshold is the combined element count under which two adjacent
// items are coalesced during recompress, trading a few extra bytes of
// item-header overhead for fewer, better-compressed items.
const mergeThreshold = 64

// recompress merges small adjacent items and re-Compacts the result,
// never spanning more than mergeThreshold elements per merge.
func recompress(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return items, nil
	}
	var out []Item
	cur := items[0]
	for _, next := range items[1:] {
		if cur.EndTidV == next.FirstTidV && cur.NumElems+next.NumElems <= mergeThreshold {
			curExp, err := cur.Explode()
			if err != nil {
				return nil, err
			}
			nextExp, err := next.Explode()
			if err != nil {
				return nil, err
			}
			merged := NewExploded(
				append(append([]zstid.ZSTid{}, curExp.Tids...), nextExp.Tids...),
				append(append([][]byte{}, curExp.Datums...), nextExp.Datums...),
				append(append([]bool{}, curExp.IsNulls...), nextExp.IsNulls...),
			)
			cur = merged
			continue
		}
		out = append(out, cur.Compact())
		cur = next
	}
	out = append(out, cur.Compact())
	return out, nil
}

// writeLeaf recompresses, then tries to write bodies in place, falling
// back to a shared repack when the page overflows.
func (t *Tree) writeLeaf(buf *bufmgr.Buffer, items []Item) error {
	merged, err := recompress(items)
	if err != nil {
		buf.Unlock()
		t.bt.Mgr.Unpin(buf)
		return err
	}

	opq := buf.Page().Opaque
	bodies := make([][]byte, len(merged))
	for i, it := range merged {
		bodies[i] = it.Bytes()
	}

	img := page.New(opq)
	if err := img.ReplaceItems(bodies); err == nil {
		buf.Replace(img)
		buf.Unlock()
		t.bt.Mgr.Unpin(buf)
		return nil
	}

	wasRoot := opq.IsRoot()
	rightmost := opq.Hikey == zstid.MaxPlusOneZSTid
	res, err := repack.Repack(t.bt.Mgr, buf.Block, opq, itemsToRepackItems(merged), rightmost, wasRoot)
	buf.Unlock()
	t.bt.Mgr.Unpin(buf)
	if err != nil {
		return fmt.Errorf("attrtree: repack leaf: %w", err)
	}

	if err := res.Stack.Apply(func(b page.BlockNumber, img *page.Page) error {
		nb, err := t.bt.Mgr.Pin(b)
		if err != nil {
			return err
		}
		nb.LockExclusive()
		nb.Replace(img)
		nb.Unlock()
		t.bt.Mgr.Unpin(nb)
		return nil
	}); err != nil {
		return err
	}

	if len(res.Downlinks) == 0 {
		return nil
	}
	if res.RootCleared {
		opq.Flags &^= page.FlagRoot
	}
	return t.bt.InsertDownlinks(1, opq.Lokey, res.FirstBlock, res.Downlinks, wasRoot)
}

// itemsToRepackItems adapts already-Compact()ed items to the shared
// repacker's Item interface.
func itemsToRepackItems(items []Item) []repack.Item {
	out := make([]repack.Item, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// Vacuum removes the given dead TIDs from every leaf covering them,
// exploding and re-emitting the remainder of any item that only partially
// survives, and unlinking leaves that end up empty.
// tids must be sorted ascending, as produced by tidtree.CollectDeadTids.
func (t *Tree) Vacuum(tids []zstid.ZSTid) error {
	i := 0
	for i < len(tids) {
		buf, err := t.bt.Descend(tids[i], 0)
		if err != nil {
			return err
		}
		buf.LockExclusive()
		hikey := buf.Page().Opaque.Hikey

		dead := make(map[zstid.ZSTid]bool)
		for ; i < len(tids) && tids[i] < hikey; i++ {
			dead[tids[i]] = true
		}

		items := readItems(buf.Page())
		var kept []Item
		for _, it := range items {
			if !overlaps(it, dead) {
				kept = append(kept, it)
				continue
			}
			remainder, err := removeFromItem(it, dead)
			if err != nil {
				buf.Unlock()
				t.bt.Mgr.Unpin(buf)
				return err
			}
			kept = append(kept, remainder...)
		}

		if err := t.writeLeaf(buf, kept); err != nil {
			return err
		}

		if len(kept) == 0 {
			if err := t.bt.UnlinkPage(buf.Block); err != nil {
				t.log.Warningf("attrtree: unlink empty leaf: %v", err)
			}
		}
	}
	return nil
}

func overlaps(it Item, dead map[zstid.ZSTid]bool) bool {
	for tid := it.FirstTidV; tid < it.EndTidV; tid++ {
		if dead[tid] {
			return true
		}
	}
	return false
}

// removeFromItem drops every dead TID from it, re-emitting the surviving
// dense sub-runs as separate items.
func removeFromItem(it Item, dead map[zstid.ZSTid]bool) ([]Item, error) {
	exp, err := it.Explode()
	if err != nil {
		return nil, err
	}
	var out []Item
	start := -1
	flush := func(end int) {
		if start >= 0 {
			out = append(out, NewExploded(exp.Tids[start:end], exp.Datums[start:end], exp.IsNulls[start:end]))
			start = -1
		}
	}
	for i, tid := range exp.Tids {
		if dead[tid] {
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(exp.Tids))
	return out, nil
}
