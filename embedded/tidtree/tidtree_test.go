package tidtree_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/logger"
	"github.com/zedstore/zedstore/embedded/tidtree"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

func newTree(t *testing.T) *tidtree.Tree {
	t.Helper()
	mgr := bufmgr.New()
	tr, err := tidtree.Open(mgr, logger.Noop())
	require.NoError(t, err)
	return tr
}

func TestMultiInsertAllocatesContiguousRun(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()

	start, err := tr.MultiInsert(5, log, 1, 0, false)
	require.NoError(t, err)
	require.True(t, start.Valid())

	next, err := tr.MultiInsert(3, log, 1, 0, false)
	require.NoError(t, err)
	require.Equal(t, start+5, next)
}

func TestDeleteBlocksConcurrentSecondDelete(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()

	start, err := tr.MultiInsert(3, log, 1, 0, false)
	require.NoError(t, err)
	log.CommitXid(1)

	snap := undo.NewMemSnapshot(log, 100, 99)
	res, err := tr.Delete(start, snap, log, 2, 0)
	require.NoError(t, err)
	require.Equal(t, undo.TMOk, res)

	// The first delete (xid 2) has not been committed or aborted yet, so a
	// second delete attempt by another transaction (xid 3) must report that
	// the row is being concurrently modified.
	res2, err := tr.Delete(start, snap, log, 3, 0)
	require.NoError(t, err)
	require.Equal(t, undo.TMBeingModified, res2)
}

func TestDeleteOfDeadItemFails(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()
	start, err := tr.MultiInsert(1, log, 1, 0, true)
	require.NoError(t, err)
	require.NoError(t, tr.MarkDead(start))

	snap := undo.NewMemSnapshot(log, 100, 99)
	_, err = tr.Delete(start, snap, log, 2, 0)
	require.ErrorIs(t, err, tidtree.ErrDeadItem)
}

func TestFrozenInsertVisibleToEveryHorizon(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()

	start, err := tr.MultiInsert(1, log, 1, 0, true)
	require.NoError(t, err)

	snap := undo.NewMemSnapshot(log, 0, 0)
	res, err := tr.Lock(start, undo.LockShare, snap, log, 7, 0)
	require.NoError(t, err)
	require.Equal(t, undo.TMOk, res)
}

func TestMarkDeadIsIdempotent(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()
	start, err := tr.MultiInsert(1, log, 1, 0, true)
	require.NoError(t, err)

	require.NoError(t, tr.MarkDead(start))
	require.NoError(t, tr.MarkDead(start))
}

func TestUndoDeletionIgnoresStalePointer(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()
	start, err := tr.MultiInsert(1, log, 1, 0, true)
	require.NoError(t, err)

	snap := undo.NewMemSnapshot(log, 100, 2)
	_, err = tr.Delete(start, snap, log, 2, 0)
	require.NoError(t, err)

	// A stale undo pointer (not the one currently installed) must not
	// disturb the item.
	require.NoError(t, tr.UndoDeletion(start, undo.Ptr(9999)))

	log.CommitXid(2)
	after := undo.NewMemSnapshot(log, 100, 99)
	vis, err := after.SatisfiesVisibility(undo.Ptr(1))
	require.NoError(t, err)
	require.False(t, vis.Visible)
}

func TestCollectDeadTidsAndRemove(t *testing.T) {
	tr := newTree(t)
	log := undo.NewMemLog()
	start, err := tr.MultiInsert(4, log, 1, 0, true)
	require.NoError(t, err)

	require.NoError(t, tr.MarkDead(start))
	require.NoError(t, tr.MarkDead(start+2))

	tids, _, err := tr.CollectDeadTids(start, 0)
	require.NoError(t, err)
	require.ElementsMatch(t, []zstid.ZSTid{start, start + 2}, tids)

	require.NoError(t, tr.Remove(tids))

	tidsAfter, _, err := tr.CollectDeadTids(start, 0)
	require.NoError(t, err)
	require.Empty(t, tidsAfter)
}
