package undo_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/undo"
)

func TestInvalidPtrAlwaysVisible(t *testing.T) {
	log := undo.NewMemLog()
	snap := undo.NewMemSnapshot(log, 100, 1)

	vis, err := snap.SatisfiesVisibility(undo.InvalidPtr)
	require.NoError(t, err)
	require.True(t, vis.Visible)
}

func TestOwnUncommittedInsertVisibleToSelf(t *testing.T) {
	log := undo.NewMemLog()
	ptr, err := log.Insert(undo.InsertRecord{Xid: 5, Tid: 1, EndTid: 2})
	require.NoError(t, err)

	self := undo.NewMemSnapshot(log, 100, 5)
	vis, err := self.SatisfiesVisibility(ptr)
	require.NoError(t, err)
	require.True(t, vis.Visible)

	other := undo.NewMemSnapshot(log, 100, 6)
	vis, err = other.SatisfiesVisibility(ptr)
	require.NoError(t, err)
	require.False(t, vis.Visible)
}

func TestCommittedInsertVisibleAfterHorizon(t *testing.T) {
	log := undo.NewMemLog()
	ptr, err := log.Insert(undo.InsertRecord{Xid: 5, Tid: 1, EndTid: 2})
	require.NoError(t, err)
	log.CommitXid(5)

	snap := undo.NewMemSnapshot(log, 10, 99)
	vis, err := snap.SatisfiesVisibility(ptr)
	require.NoError(t, err)
	require.True(t, vis.Visible)
}

func TestDeleteHidesRowOnceCommitted(t *testing.T) {
	log := undo.NewMemLog()
	insPtr, err := log.Insert(undo.InsertRecord{Xid: 1, Tid: 1, EndTid: 2})
	require.NoError(t, err)
	log.CommitXid(1)

	delPtr, err := log.Delete(undo.DeleteRecord{Xid: 2, Tid: 1, Prev: insPtr})
	require.NoError(t, err)

	before := undo.NewMemSnapshot(log, 100, 99)
	vis, err := before.SatisfiesVisibility(delPtr)
	require.NoError(t, err)
	require.True(t, vis.Visible) // delete not yet committed

	log.CommitXid(2)
	after := undo.NewMemSnapshot(log, 100, 99)
	vis, err = after.SatisfiesVisibility(delPtr)
	require.NoError(t, err)
	require.False(t, vis.Visible)
	require.Equal(t, uint64(2), vis.ObsoletingXid)
}

func TestAbortedDeleteStaysVisible(t *testing.T) {
	log := undo.NewMemLog()
	insPtr, err := log.Insert(undo.InsertRecord{Xid: 1, Tid: 1, EndTid: 2})
	require.NoError(t, err)
	log.CommitXid(1)

	delPtr, err := log.Delete(undo.DeleteRecord{Xid: 2, Tid: 1, Prev: insPtr})
	require.NoError(t, err)
	log.Abort(delPtr)

	snap := undo.NewMemSnapshot(log, 100, 99)
	vis, err := snap.SatisfiesVisibility(delPtr)
	require.NoError(t, err)
	require.True(t, vis.Visible)
}

func TestSatisfiesUpdateBeingModified(t *testing.T) {
	log := undo.NewMemLog()
	insPtr, err := log.Insert(undo.InsertRecord{Xid: 1, Tid: 1, EndTid: 2})
	require.NoError(t, err)
	log.CommitXid(1)

	delPtr, err := log.Delete(undo.DeleteRecord{Xid: 2, Tid: 1, Prev: insPtr})
	require.NoError(t, err)

	snap := undo.NewMemSnapshot(log, 100, 99)
	res, err := snap.SatisfiesUpdate(1, delPtr, undo.LockTupleExclusive)
	require.NoError(t, err)
	require.Equal(t, undo.TMBeingModified, res.Result)
}

func TestSatisfiesUpdateOkOnFreshItem(t *testing.T) {
	log := undo.NewMemLog()
	snap := undo.NewMemSnapshot(log, 100, 99)
	res, err := snap.SatisfiesUpdate(1, undo.InvalidPtr, undo.LockTupleExclusive)
	require.NoError(t, err)
	require.Equal(t, undo.TMOk, res.Result)
}
