// Package btree implements the structural operations shared by the TID
// tree and every attribute tree: descent from root to a
// target level, new-root creation, downlink insertion (splitting parents
// recursively through the shared repacker), and leaf unlinking. Callers
// relock the returned buffer as share or exclusive; descent itself
// returns pages pinned but unlocked
package btree

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/page"
	"github.com/zedstore/zedstore/embedded/repack"
	"github.com/zedstore/zedstore/embedded/zstid"
)

var (
	ErrTreeEmpty      = errors.New("btree: tree has no root")
	ErrLevelNotFound  = errors.New("btree: requested level not reachable")
	ErrPageUnexpected = errors.New("btree: cached buffer no longer covers target")
)

// Tree is the structural skeleton shared by tidtree.Tree and every
// attrtree.Tree: a root pointer plus the descent/split-propagation logic.
// Attno is 0 for the TID tree and the 1-based column number for an
// attribute tree.
type Tree struct {
	Mgr   *bufmgr.Manager
	Attno uint16
	Kind  page.PageKind

	mu   sync.Mutex // serializes root swaps (newroot, root page image replace)
	root atomic.Uint32
}

// New creates an empty tree: a single leaf page, marked root, covering the
// whole TID space.
func New(mgr *bufmgr.Manager, attno uint16, kind page.PageKind) (*Tree, error) {
	buf, err := mgr.Allocate(page.Opaque{
		Attno: attno,
		Next:  page.InvalidBlockNumber,
		Lokey: 1,
		Hikey: zstid.MaxPlusOneZSTid,
		Level: 0,
		Flags: page.FlagRoot | page.FlagLeaf,
		Kind:  kind,
	})
	if err != nil {
		return nil, err
	}
	t := &Tree{Mgr: mgr, Attno: attno, Kind: kind}
	t.root.Store(uint32(buf.Block))
	return t, nil
}

// Root returns the current root block number.
func (t *Tree) Root() page.BlockNumber {
	return page.BlockNumber(t.root.Load())
}

func (t *Tree) setRoot(b page.BlockNumber) {
	t.root.Store(uint32(b))
}

// Descend walks from the root to the page at the requested level whose key
// range covers tid, following right-links when a concurrent split has
// moved the boundary, and descending into the greatest downlink whose key
// is <= tid otherwise. The returned buffer is pinned but unlocked.
func (t *Tree) Descend(tid zstid.ZSTid, level uint16) (*bufmgr.Buffer, error) {
	block := t.Root()

	for {
		buf, err := t.Mgr.Pin(block)
		if err != nil {
			return nil, err
		}

		buf.LockShare()
		opq := buf.Page().Opaque

		if tid >= opq.Hikey && opq.Next != page.InvalidBlockNumber {
			next := opq.Next
			buf.UnlockShare()
			t.Mgr.Unpin(buf)
			block = next
			continue
		}

		if opq.Level == level {
			buf.UnlockShare()
			return buf, nil
		}

		if opq.Level < level {
			buf.UnlockShare()
			t.Mgr.Unpin(buf)
			return nil, ErrLevelNotFound
		}

		child, err := findChild(buf.Page(), tid)
		buf.UnlockShare()
		t.Mgr.Unpin(buf)
		if err != nil {
			return nil, err
		}
		block = child
	}
}

// PageIsExpected validates a cached buffer against a target (tid, level)
// without re-descending.
func PageIsExpected(buf *bufmgr.Buffer, tid zstid.ZSTid, level uint16) bool {
	opq := buf.Page().Opaque
	return opq.Level == level && opq.Covers(tid)
}

// --- internal (downlink) page item encoding: tid(8) || block(4) ---

const downlinkSize = 8 + 4

type downlinkItem struct {
	tid   zstid.ZSTid
	block page.BlockNumber
}

func (d downlinkItem) FirstTid() zstid.ZSTid { return d.tid }

func (d downlinkItem) Bytes() []byte {
	b := make([]byte, downlinkSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(d.tid))
	binary.LittleEndian.PutUint32(b[8:12], uint32(d.block))
	return b
}

func parseDownlink(b []byte) downlinkItem {
	return downlinkItem{
		tid:   zstid.ZSTid(binary.LittleEndian.Uint64(b[0:8])),
		block: page.BlockNumber(binary.LittleEndian.Uint32(b[8:12])),
	}
}

func findChild(pg *page.Page, tid zstid.ZSTid) (page.BlockNumber, error) {
	n := pg.NItems()
	if n == 0 {
		return 0, fmt.Errorf("btree: internal page has no downlinks")
	}
	// binary search for the greatest downlink whose tid <= target
	lo, hi := 0, n-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		raw, _ := pg.Item(mid)
		dl := parseDownlink(raw)
		if dl.tid <= tid {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	raw, _ := pg.Item(best)
	return parseDownlink(raw).block, nil
}

func downlinkItems(pg *page.Page) []repack.Item {
	n := pg.NItems()
	out := make([]repack.Item, n)
	for i := 0; i < n; i++ {
		raw, _ := pg.Item(i)
		out[i] = parseDownlink(raw)
	}
	return out
}

// NewRoot creates a brand-new root page one level above the previous root,
// containing the given downlinks.
func (t *Tree) NewRoot(level uint16, downlinks []repack.Downlink) (page.BlockNumber, error) {
	buf, err := t.Mgr.Allocate(page.Opaque{
		Attno: t.Attno,
		Next:  page.InvalidBlockNumber,
		Lokey: 1,
		Hikey: zstid.MaxPlusOneZSTid,
		Level: level,
		Flags: page.FlagRoot,
		Kind:  t.Kind,
	})
	if err != nil {
		return 0, err
	}
	img := buf.Page()
	for _, dl := range downlinks {
		if _, err := img.AppendItem(downlinkItem{tid: dl.Tid, block: dl.Block}.Bytes()); err != nil {
			return 0, fmt.Errorf("btree: new root overflow: %w", err)
		}
	}

	t.mu.Lock()
	t.setRoot(buf.Block)
	t.mu.Unlock()
	return buf.Block, nil
}

// InsertDownlinks inserts child pointers into the parent level, splitting
// parents recursively (through the shared repacker) when a parent page is
// full. lokey is the key of the leftmost of the new
// downlinks' left sibling (i.e. the already-existing entry whose block is
// leftBlock); leftBlock's existing downlink value is left untouched.
func (t *Tree) InsertDownlinks(parentLevel uint16, lokey zstid.ZSTid, leftBlock page.BlockNumber, downlinks []repack.Downlink, wasRoot bool) error {
	if len(downlinks) == 0 {
		return nil
	}

	if wasRoot {
		// The split page was the root: the new root replaces it outright,
		// referencing the left (reused) block plus every new downlink.
		all := append([]repack.Downlink{{Tid: lokey, Block: leftBlock}}, downlinks...)
		_, err := t.NewRoot(parentLevel, all)
		return err
	}

	parentBuf, err := t.Descend(lokey, parentLevel)
	if err != nil {
		return fmt.Errorf("btree: locate parent for downlink insert: %w", err)
	}
	parentBuf.LockExclusive()

	for {
		if !PageIsExpected(parentBuf, lokey, parentLevel) {
			// A concurrent split moved the boundary; follow the right link
			// and retry.
			next := parentBuf.Page().Opaque.Next
			parentBuf.Unlock()
			t.Mgr.Unpin(parentBuf)
			if next == page.InvalidBlockNumber {
				return fmt.Errorf("btree: parent page vanished during downlink insert")
			}
			parentBuf, err = t.Mgr.Pin(next)
			if err != nil {
				return err
			}
			parentBuf.LockExclusive()
			continue
		}
		break
	}

	items := append([]repack.Item{}, downlinkItems(parentBuf.Page())...)
	for _, dl := range downlinks {
		items = append(items, downlinkItem{tid: dl.Tid, block: dl.Block})
	}
	items = sortItems(items)

	bodies := make([][]byte, len(items))
	for i, it := range items {
		bodies[i] = it.Bytes()
	}

	opq := parentBuf.Page().Opaque
	img := page.New(opq)
	if err := img.ReplaceItems(bodies); err == nil {
		parentBuf.Replace(img)
		parentBuf.Unlock()
		t.Mgr.Unpin(parentBuf)
		return nil
	}

	// Doesn't fit: repack the parent level too, recursing upward.
	wasParentRoot := opq.IsRoot()
	res, err := repack.Repack(t.Mgr, parentBuf.Block, opq, items, opq.Hikey == zstid.MaxPlusOneZSTid, wasParentRoot)
	parentBuf.Unlock()
	t.Mgr.Unpin(parentBuf)
	if err != nil {
		return fmt.Errorf("btree: repack parent: %w", err)
	}

	if err := res.Stack.Apply(func(b page.BlockNumber, img *page.Page) error {
		buf, err := t.Mgr.Pin(b)
		if err != nil {
			return err
		}
		buf.LockExclusive()
		buf.Replace(img)
		buf.Unlock()
		t.Mgr.Unpin(buf)
		return nil
	}); err != nil {
		return err
	}

	if res.RootCleared {
		clearRootFlag(t.Mgr, res.FirstBlock)
	}

	return t.InsertDownlinks(parentLevel+1, opq.Lokey, res.FirstBlock, res.Downlinks, wasParentRoot)
}

func clearRootFlag(mgr *bufmgr.Manager, block page.BlockNumber) {
	buf, err := mgr.Pin(block)
	if err != nil {
		return
	}
	buf.LockExclusive()
	pg := buf.Page()
	pg.Opaque.Flags &^= page.FlagRoot
	buf.Unlock()
	mgr.Unpin(buf)
}

func sortItems(items []repack.Item) []repack.Item {
	// small N (fits on one page before repack): insertion sort keeps the
	// repacker's item list strictly ordered by FirstTid, as every leaf's
	// items must be.
	for i := 1; i < len(items); i++ {
		j := i
		for j > 0 && items[j-1].FirstTid() > items[j].FirstTid() {
			items[j-1], items[j] = items[j], items[j-1]
			j--
		}
	}
	return items
}

// UnlinkPage removes an empty leaf: the left sibling's Next pointer skips
// it, the right sibling absorbs its key range, and its downlink is removed
// from the parent.
func (t *Tree) UnlinkPage(leafBlock page.BlockNumber) error {
	buf, err := t.Mgr.Pin(leafBlock)
	if err != nil {
		return err
	}
	buf.LockExclusive()
	opq := buf.Page().Opaque
	if buf.Page().NItems() != 0 {
		buf.Unlock()
		t.Mgr.Unpin(buf)
		return fmt.Errorf("btree: refusing to unlink a non-empty leaf")
	}
	next := opq.Next
	lokey := opq.Lokey
	buf.Unlock()
	t.Mgr.Unpin(buf)

	if opq.IsRoot() {
		// Root leaf stays as an empty page; nothing to unlink structurally.
		return nil
	}

	if next != page.InvalidBlockNumber {
		rbuf, err := t.Mgr.Pin(next)
		if err == nil {
			rbuf.LockExclusive()
			rbuf.Page().Opaque.Lokey = lokey
			rbuf.Unlock()
			t.Mgr.Unpin(rbuf)
		}
	}

	left, err := t.leftSibling(0, lokey, leafBlock)
	if err == nil && left != page.InvalidBlockNumber {
		lbuf, err := t.Mgr.Pin(left)
		if err == nil {
			lbuf.LockExclusive()
			lbuf.Page().Opaque.Next = next
			lbuf.Unlock()
			t.Mgr.Unpin(lbuf)
		}
	}

	return t.removeDownlink(1, leafBlock)
}

// leftSibling walks the right-link chain from the leftmost page at level
// starting from tid 1, looking for the page whose Next equals target.
func (t *Tree) leftSibling(level uint16, lokey zstid.ZSTid, target page.BlockNumber) (page.BlockNumber, error) {
	buf, err := t.Descend(1, level)
	if err != nil {
		return page.InvalidBlockNumber, err
	}
	block := buf.Block
	t.Mgr.Unpin(buf)

	for block != page.InvalidBlockNumber {
		b, err := t.Mgr.Pin(block)
		if err != nil {
			return page.InvalidBlockNumber, err
		}
		b.LockShare()
		next := b.Page().Opaque.Next
		b.UnlockShare()
		t.Mgr.Unpin(b)
		if next == target {
			return block, nil
		}
		block = next
	}
	return page.InvalidBlockNumber, fmt.Errorf("btree: left sibling not found")
}

func (t *Tree) removeDownlink(level uint16, childBlock page.BlockNumber) error {
	buf, err := t.Descend(1, level)
	if err != nil {
		return nil // single-leaf tree: nothing at this level
	}
	for {
		buf.LockExclusive()
		pg := buf.Page()
		var bodies [][]byte
		found := false
		for i := 0; i < pg.NItems(); i++ {
			raw, _ := pg.Item(i)
			if parseDownlink(raw).block == childBlock {
				found = true
				continue
			}
			bodies = append(bodies, raw)
		}
		if found {
			newPg := page.New(pg.Opaque)
			_ = newPg.ReplaceItems(bodies)
			buf.Replace(newPg)
			buf.Unlock()
			t.Mgr.Unpin(buf)
			return nil
		}
		// Not on this parent page: follow the right-link to the next one.
		next := pg.Opaque.Next
		buf.Unlock()
		t.Mgr.Unpin(buf)
		if next == page.InvalidBlockNumber {
			return nil
		}
		if buf, err = t.Mgr.Pin(next); err != nil {
			return err
		}
	}
}
