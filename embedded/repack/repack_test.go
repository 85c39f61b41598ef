package repack_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/page"
	"github.com/zedstore/zedstore/embedded/repack"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// fakeItem is a minimal repack.Item for testing bucketize/Repack in
// isolation from tidtree/attrtree's own item encodings.
type fakeItem struct {
	tid zstid.ZSTid
	sz  int
}

func (f fakeItem) FirstTid() zstid.ZSTid { return f.tid }
func (f fakeItem) Bytes() []byte         { return make([]byte, f.sz) }

func items(n int, sz int) []repack.Item {
	out := make([]repack.Item, n)
	for i := 0; i < n; i++ {
		out[i] = fakeItem{tid: zstid.ZSTid((i + 1) * 10), sz: sz}
	}
	return out
}

func newLeaf(t *testing.T, mgr *bufmgr.Manager, root bool) *bufmgr.Buffer {
	t.Helper()
	flags := page.FlagLeaf
	if root {
		flags |= page.FlagRoot
	}
	buf, err := mgr.Allocate(page.Opaque{Level: 0, Flags: flags, Hikey: zstid.MaxPlusOneZSTid})
	require.NoError(t, err)
	return buf
}

func TestRepackSinglePageWhenItFits(t *testing.T) {
	mgr := bufmgr.New()
	buf := newLeaf(t, mgr, false)

	res, err := repack.Repack(mgr, buf.Block, buf.Page().Opaque, items(4, 32), true, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.Stack.Len())
	require.Empty(t, res.Downlinks)
	require.False(t, res.RootCleared)
}

func TestRepackSplitsAcrossPagesWhenOversized(t *testing.T) {
	mgr := bufmgr.New()
	buf := newLeaf(t, mgr, false)

	res, err := repack.Repack(mgr, buf.Block, buf.Page().Opaque, items(2000, 32), true, false)
	require.NoError(t, err)
	require.Greater(t, res.Stack.Len(), 1)
	require.Len(t, res.Downlinks, res.Stack.Len()-1)

	entries := res.Stack.Entries()
	require.Equal(t, buf.Block, entries[0].Block)

	require.Equal(t, zstid.ZSTid(0), entries[0].Image.Opaque.Lokey)
	require.Equal(t, zstid.MaxPlusOneZSTid, entries[len(entries)-1].Image.Opaque.Hikey)
	for i := 0; i < len(entries)-1; i++ {
		require.Equal(t, entries[i].Image.Opaque.Hikey, entries[i+1].Image.Opaque.Lokey)
		require.Equal(t, entries[i].Image.Opaque.Hikey, res.Downlinks[i].Tid)
		require.Equal(t, entries[i+1].Block, res.Downlinks[i].Block)
		require.Equal(t, entries[i+1].Block, entries[i].Image.Opaque.Next,
			"page %d's right link must chain to the following page", i)
	}
	// The last page keeps whatever right link the pre-split leaf had.
	require.Equal(t, buf.Page().Opaque.Next, entries[len(entries)-1].Image.Opaque.Next)

	// Walking Next from the first entry visits every entry exactly once.
	visited := map[page.BlockNumber]bool{}
	block := entries[0].Block
	byBlock := make(map[page.BlockNumber]page.Opaque, len(entries))
	for _, e := range entries {
		byBlock[e.Block] = e.Image.Opaque
	}
	for {
		require.False(t, visited[block], "Next chain revisited block %d", block)
		visited[block] = true
		opq := byBlock[block]
		if opq.Hikey == zstid.MaxPlusOneZSTid {
			break
		}
		block = opq.Next
	}
	require.Len(t, visited, len(entries))
}

func TestRepackRootSplitClearsRootFlag(t *testing.T) {
	mgr := bufmgr.New()
	buf := newLeaf(t, mgr, true)

	res, err := repack.Repack(mgr, buf.Block, buf.Page().Opaque, items(2000, 32), true, true)
	require.NoError(t, err)
	require.True(t, res.RootCleared)
}

func TestRepackNoSplitKeepsRootFlag(t *testing.T) {
	mgr := bufmgr.New()
	buf := newLeaf(t, mgr, true)

	res, err := repack.Repack(mgr, buf.Block, buf.Page().Opaque, items(4, 32), true, true)
	require.NoError(t, err)
	require.False(t, res.RootCleared)
}

func TestRepackRightmostFavorsTailPage(t *testing.T) {
	rightmostLast := lastPageCount(t, true)
	interiorLast := lastPageCount(t, false)

	// 90/10 rightmost split leaves the tail page much lighter than the
	// even 50/50 interior split, keeping room for future appends.
	require.Less(t, rightmostLast, interiorLast)
}

func lastPageCount(t *testing.T, rightmost bool) int {
	t.Helper()
	mgr := bufmgr.New()
	buf := newLeaf(t, mgr, false)

	// Sized to overflow a single page by a modest amount (n == 2): the
	// case where the 90/10 vs. 50/50 bias actually has slack to exploit,
	// unlike a many-page bulk split where every page ends up nearly full
	// regardless of which rule is used.
	res, err := repack.Repack(mgr, buf.Block, buf.Page().Opaque, items(230, 32), rightmost, false)
	require.NoError(t, err)
	require.Equal(t, 2, res.Stack.Len())

	entries := res.Stack.Entries()
	return entries[len(entries)-1].Image.NItems()
}
