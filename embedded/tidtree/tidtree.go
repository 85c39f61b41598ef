package tidtree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zedstore/zedstore/embedded/btree"
	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/logger"
	"github.com/zedstore/zedstore/embedded/page"
	"github.com/zedstore/zedstore/embedded/repack"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

var (
	// ErrDeadItem is the fatal "delete of an already-dead run" error.
	ErrDeadItem = errors.New("tidtree: run already marked dead")
	// ErrNotFound is the fatal "item not found" error.
	ErrNotFound = errors.New("tidtree: tid not present")
)

// Tree is the TID tree.
type Tree struct {
	bt  *btree.Tree
	log logger.Logger

	// insertMu serializes rightmost-leaf multi-inserts; the underlying
	// table has exactly one logical TID allocator, and new TIDs are
	// always appended at the rightmost leaf.
	insertMu sync.Mutex
}

// Open creates a fresh TID tree backed by mgr.
func Open(mgr *bufmgr.Manager, log logger.Logger) (*Tree, error) {
	if log == nil {
		log = logger.Noop()
	}
	bt, err := btree.New(mgr, 0, page.KindBTree)
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

// findCovering returns the index of the run covering tid, or -1.
func findCovering(items []Item, tid zstid.ZSTid) int {
	lo, hi := 0, len(items)-1
	for lo <= hi {
		mid := (lo + hi) / 2
		switch {
		case items[mid].Covers(tid):
			return mid
		case tid < items[mid].Tid:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return -1
}

func itemsToRepackItems(items []Item) []repack.Item {
	out := make([]repack.Item, len(items))
	for i, it := range items {
		out[i] = it
	}
	return out
}

// writeLeaf attempts to write bodies in place; if they do not fit, it
// repacks the leaf (splitting it and propagating downlinks upward). Callers
// must hold buf's exclusive lock and a pin on entry; writeLeaf always
// releases both itself, on every return path, so that any structural parent
// split InsertDownlinks triggers runs without the leaf's own lock held.
func (t *Tree) writeLeaf(buf *bufmgr.Buffer, items []Item) error {
	opq := buf.Page().Opaque
	bodies := make([][]byte, len(items))
	for i, it := range items {
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
	res, err := repack.Repack(t.bt.Mgr, buf.Block, opq, itemsToRepackItems(items), rightmost, wasRoot)
	buf.Unlock()
	t.bt.Mgr.Unpin(buf)
	if err != nil {
		return fmt.Errorf("tidtree: repack leaf: %w", err)
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

// MultiInsert allocates N contiguous TIDs at the tail of the table and
// returns the starting TID. If frozen is true no
// undo record is emitted and the item carries undo.InvalidPtr.
func (t *Tree) MultiInsert(n uint32, log undo.Log, xid uint64, cid uint32, frozen bool) (zstid.ZSTid, error) {
	if n == 0 {
		return 0, fmt.Errorf("tidtree: multi-insert of zero items")
	}

	t.insertMu.Lock()
	defer t.insertMu.Unlock()

	buf, err := t.bt.Descend(zstid.MaxZSTid, 0)
	if err != nil {
		return 0, err
	}
	buf.LockExclusive()

	items := readItems(buf.Page())
	start := buf.Page().Opaque.Lokey
	if len(items) > 0 {
		last := items[len(items)-1]
		if last.EndTid() > start {
			start = last.EndTid()
		}
	}

	var ptr undo.Ptr
	if frozen {
		ptr = undo.InvalidPtr
	} else {
		ptr, err = log.Insert(undo.InsertRecord{Xid: xid, Cid: cid, Tid: start, EndTid: start + zstid.ZSTid(n)})
		if err != nil {
			buf.Unlock()
			t.bt.Mgr.Unpin(buf)
			return 0, err
		}
	}

	newItem := Item{Tid: start, NElements: n, UndoPtr: ptr, Flags: 0}
	items = append(items, newItem)
	if err := t.writeLeaf(buf, items); err != nil {
		return 0, err
	}
	return start, nil
}

// replace substitutes the covering run at tid with an optional single-TID
// replacement item, splitting the run into up to three pieces: before,
// replacement, after.
func (t *Tree) replace(tid zstid.ZSTid, replacement *Item) error {
	buf, err := t.bt.Descend(tid, 0)
	if err != nil {
		return err
	}
	buf.LockExclusive()

	items := readItems(buf.Page())
	idx := findCovering(items, tid)
	if idx < 0 {
		buf.Unlock()
		t.bt.Mgr.Unpin(buf)
		return fmt.Errorf("%w: tid %s", ErrNotFound, tid)
	}
	old := items[idx]

	var slices []Item
	if old.Tid < tid {
		slices = append(slices, Item{Tid: old.Tid, NElements: uint32(tid - old.Tid), UndoPtr: old.UndoPtr, Flags: old.Flags})
	}
	if replacement != nil {
		slices = append(slices, *replacement)
	}
	if tid+1 < old.EndTid() {
		slices = append(slices, Item{Tid: tid + 1, NElements: uint32(old.EndTid() - (tid + 1)), UndoPtr: old.UndoPtr, Flags: old.Flags})
	}

	newItems := make([]Item, 0, len(items)-1+len(slices))
	newItems = append(newItems, items[:idx]...)
	newItems = append(newItems, slices...)
	newItems = append(newItems, items[idx+1:]...)

	return t.writeLeaf(buf, newItems)
}

// Delete performs the visibility check and, on success, replaces tid's
// item with a fresh single-TID slice carrying a DELETE undo record.
func (t *Tree) Delete(tid zstid.ZSTid, snap undo.Snapshot, log undo.Log, xid uint64, cid uint32) (undo.TMResult, error) {
	cur, err := t.peek(tid)
	if err != nil {
		return 0, err
	}
	if cur.Dead() {
		return 0, fmt.Errorf("%w: tid %s", ErrDeadItem, tid)
	}

	res, err := snap.SatisfiesUpdate(tid, cur.UndoPtr, undo.LockTupleExclusive)
	if err != nil {
		return 0, err
	}
	if res.Result != undo.TMOk {
		return res.Result, nil
	}

	prev := cur.UndoPtr
	if !res.KeepOldUndo {
		prev = undo.InvalidPtr
	}
	ptr, err := log.Delete(undo.DeleteRecord{Xid: xid, Cid: cid, Tid: tid, Prev: prev})
	if err != nil {
		return 0, err
	}

	newItem := Item{Tid: tid, NElements: 1, UndoPtr: ptr, Flags: 0}
	if err := t.replace(tid, &newItem); err != nil {
		return 0, err
	}
	return undo.TMOk, nil
}

// Lock performs the same visibility dance as Delete but emits a
// TUPLE_LOCK record and leaves the item's value/flags unchanged apart from
// the undo pointer.
func (t *Tree) Lock(tid zstid.ZSTid, mode undo.LockMode, snap undo.Snapshot, log undo.Log, xid uint64, cid uint32) (undo.TMResult, error) {
	cur, err := t.peek(tid)
	if err != nil {
		return 0, err
	}
	if cur.Dead() {
		return 0, fmt.Errorf("%w: tid %s", ErrDeadItem, tid)
	}

	res, err := snap.SatisfiesUpdate(tid, cur.UndoPtr, mode)
	if err != nil {
		return 0, err
	}
	if res.Result != undo.TMOk {
		return res.Result, nil
	}

	prev := cur.UndoPtr
	if !res.KeepOldUndo {
		prev = undo.InvalidPtr
	}
	ptr, err := log.TupleLock(undo.TupleLockRecord{Xid: xid, Cid: cid, Tid: tid, Prev: prev, Mode: mode})
	if err != nil {
		return 0, err
	}

	newItem := Item{Tid: tid, NElements: 1, UndoPtr: ptr, Flags: 0}
	if err := t.replace(tid, &newItem); err != nil {
		return 0, err
	}
	return undo.TMOk, nil
}

// LockOld is step 1 of Update: the same visibility check as Delete,
// without writing anything yet.
func (t *Tree) LockOld(otid zstid.ZSTid, snap undo.Snapshot) (undo.TMResult, error) {
	cur, err := t.peek(otid)
	if err != nil {
		return 0, err
	}
	if cur.Dead() {
		return 0, fmt.Errorf("%w: tid %s", ErrDeadItem, otid)
	}
	res, err := snap.SatisfiesUpdate(otid, cur.UndoPtr, undo.LockTupleExclusive)
	if err != nil {
		return 0, err
	}
	return res.Result, nil
}

// MarkOldUpdated is step 3 of Update: re-validates visibility (the buffer
// was released between LockOld and here) and, on success, replaces otid's
// item with one holding the UPDATE undo pointer carrying newtid. A second
// concurrent mutation landing between steps 1 and 3 surfaces as a fatal
// error: re-validate-and-fail was chosen over holding the leaf lock across
// both steps, because holding a single leaf lock across the intervening
// MultiInsert (which may touch a different leaf entirely) would serialize
// unrelated inserts behind every update.
func (t *Tree) MarkOldUpdated(otid, newtid zstid.ZSTid, snap undo.Snapshot, log undo.Log, xid uint64, cid uint32, keyUpdate bool) error {
	cur, err := t.peek(otid)
	if err != nil {
		return err
	}
	if cur.Dead() {
		return fmt.Errorf("%w: tid %s", ErrDeadItem, otid)
	}

	res, err := snap.SatisfiesUpdate(otid, cur.UndoPtr, undo.LockTupleExclusive)
	if err != nil {
		return err
	}
	if res.Result != undo.TMOk {
		return fmt.Errorf("tidtree: concurrent modification of %s between lock_old and mark_old_updated (result=%d)", otid, res.Result)
	}

	prev := cur.UndoPtr
	if !res.KeepOldUndo {
		prev = undo.InvalidPtr
	}
	ptr, err := log.Update(undo.UpdateRecord{Xid: xid, Cid: cid, Tid: otid, Prev: prev, NewTid: newtid, KeyUpdate: keyUpdate})
	if err != nil {
		return err
	}

	newItem := Item{Tid: otid, NElements: 1, UndoPtr: ptr, Flags: 0}
	return t.replace(otid, &newItem)
}

// MarkDead replaces tid's item with a DEAD single-TID slice. Idempotent:
// applying it twice in a row is a no-op the second time.
func (t *Tree) MarkDead(tid zstid.ZSTid) error {
	cur, err := t.peek(tid)
	if err != nil {
		return err
	}
	if cur.Dead() && cur.NElements == 1 {
		return nil
	}
	dead := Item{Tid: tid, NElements: 1, UndoPtr: undo.InvalidPtr, Flags: FlagDead}
	return t.replace(tid, &dead)
}

// UndoDeletion restores InvalidPtr for tid if its current undo pointer
// still equals the one being undone; a later operation that already
// superseded it is left alone.
func (t *Tree) UndoDeletion(tid zstid.ZSTid, beingUndone undo.Ptr) error {
	cur, err := t.peek(tid)
	if err != nil {
		return err
	}
	if cur.UndoPtr != beingUndone {
		return nil
	}
	restored := Item{Tid: tid, NElements: 1, UndoPtr: undo.InvalidPtr, Flags: cur.Flags}
	return t.replace(tid, &restored)
}

// DescendLeaf returns the leaf covering tid, pinned but unlocked, for use
// by embedded/scan's TID scan cursor.
func (t *Tree) DescendLeaf(tid zstid.ZSTid) (*bufmgr.Buffer, error) {
	return t.bt.Descend(tid, 0)
}

// peek returns a copy of the item covering tid without holding any lock
// afterwards.
func (t *Tree) peek(tid zstid.ZSTid) (Item, error) {
	buf, err := t.bt.Descend(tid, 0)
	if err != nil {
		return Item{}, err
	}
	buf.LockShare()
	items := readItems(buf.Page())
	buf.UnlockShare()
	t.bt.Mgr.Unpin(buf)

	idx := findCovering(items, tid)
	if idx < 0 {
		return Item{}, fmt.Errorf("%w: tid %s", ErrNotFound, tid)
	}
	return items[idx], nil
}

// CollectDeadTids walks leaves right-link from start, enumerating DEAD
// TIDs until budget is exhausted, and returns the next unscanned TID. A
// budget <= 0 means "no limit".
func (t *Tree) CollectDeadTids(start zstid.ZSTid, budget int) ([]zstid.ZSTid, zstid.ZSTid, error) {
	var out []zstid.ZSTid

	buf, err := t.bt.Descend(start, 0)
	if err != nil {
		return nil, start, err
	}

	for {
		buf.LockShare()
		items := readItems(buf.Page())
		hikey := buf.Page().Opaque.Hikey
		next := buf.Page().Opaque.Next
		buf.UnlockShare()

		for _, it := range items {
			if !it.Dead() {
				continue
			}
			for tid := it.Tid; tid < it.EndTid(); tid++ {
				if tid < start {
					continue
				}
				out = append(out, tid)
				if budget > 0 && len(out) >= budget {
					t.bt.Mgr.Unpin(buf)
					return out, tid + 1, nil
				}
			}
		}

		t.bt.Mgr.Unpin(buf)
		if next == page.InvalidBlockNumber {
			return out, hikey, nil
		}
		buf, err = t.bt.Mgr.Pin(next)
		if err != nil {
			return out, start, err
		}
	}
}

// Remove deletes exactly the given (already-DEAD) TIDs, leaf by leaf,
// unlinking any leaf that ends up empty. tids must be
// sorted ascending, as produced by CollectDeadTids.
func (t *Tree) Remove(tids []zstid.ZSTid) error {
	i := 0
	for i < len(tids) {
		buf, err := t.bt.Descend(tids[i], 0)
		if err != nil {
			return err
		}
		buf.LockExclusive()
		hikey := buf.Page().Opaque.Hikey
		block := buf.Block
		items := readItems(buf.Page())

		dead := make(map[zstid.ZSTid]bool)
		for ; i < len(tids) && tids[i] < hikey; i++ {
			dead[tids[i]] = true
		}

		newItems := make([]Item, 0, len(items))
		for _, it := range items {
			if !it.Dead() {
				newItems = append(newItems, it)
				continue
			}
			newItems = append(newItems, splitSurvivors(it, dead)...)
		}

		empty := len(newItems) == 0
		if err := t.writeLeaf(buf, newItems); err != nil {
			return err
		}

		if empty {
			if err := t.bt.UnlinkPage(block); err != nil {
				t.log.Warningf("tidtree: unlink empty leaf %d: %v", block, err)
			}
		}
	}
	return nil
}

// splitSurvivors re-emits the sub-ranges of a dead run that are not in the
// removal set, preserving the DEAD flag and undo pointer.
func splitSurvivors(it Item, remove map[zstid.ZSTid]bool) []Item {
	var out []Item
	var runStart zstid.ZSTid
	inRun := false
	flush := func(end zstid.ZSTid) {
		if inRun {
			out = append(out, Item{Tid: runStart, NElements: uint32(end - runStart), UndoPtr: it.UndoPtr, Flags: it.Flags})
			inRun = false
		}
	}
	for tid := it.Tid; tid < it.EndTid(); tid++ {
		if remove[tid] {
			flush(tid)
			continue
		}
		if !inRun {
			inRun = true
			runStart = tid
		}
	}
	flush(it.EndTid())
	return out
}
