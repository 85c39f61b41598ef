package table_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/table"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

func newTable(t *testing.T, cols ...string) *table.Table {
	t.Helper()
	mgr := bufmgr.New()
	tbl, err := table.Open(mgr, cols)
	require.NoError(t, err)
	return tbl
}

func TestOpenCreatesOneColumnPerName(t *testing.T) {
	tbl := newTable(t, "name", "balance")
	cols := tbl.Columns()
	require.Len(t, cols, 2)
	require.Equal(t, "name", cols[0].Name)
	require.EqualValues(t, 1, cols[0].Attno)
	require.Equal(t, "balance", cols[1].Name)
	require.EqualValues(t, 2, cols[1].Attno)
}

func TestInsertAndScanRoundTrip(t *testing.T) {
	tbl := newTable(t, "name")
	log := undo.NewMemLog()

	tid, err := tbl.Insert(log, 1, 0, [][]byte{[]byte("alice")}, []bool{false}, true)
	require.NoError(t, err)

	snap := undo.NewMemSnapshot(log, 0, 0)
	s := tbl.Scan(snap, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()

	row, ok, err := s.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tid, row.Tid)
	require.Equal(t, []byte("alice"), row.Datums[0])
	require.False(t, row.IsNulls[0])

	_, ok, err = s.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddColumnMakesPriorRowsReadNull(t *testing.T) {
	tbl := newTable(t, "name")
	log := undo.NewMemLog()
	_, err := tbl.Insert(log, 1, 0, [][]byte{[]byte("alice")}, []bool{false}, true)
	require.NoError(t, err)

	col, err := tbl.AddColumn("balance")
	require.NoError(t, err)
	require.EqualValues(t, 2, col.Attno)

	snap := undo.NewMemSnapshot(log, 0, 0)
	s := tbl.Scan(snap, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()

	row, ok, err := s.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, row.Datums, 2)
	require.True(t, row.IsNulls[1])
}

func TestDeleteHidesRowFromLaterSnapshot(t *testing.T) {
	tbl := newTable(t, "name")
	log := undo.NewMemLog()
	tid, err := tbl.Insert(log, 1, 0, [][]byte{[]byte("alice")}, []bool{false}, false)
	require.NoError(t, err)
	log.CommitXid(1)

	snap := undo.NewMemSnapshot(log, 100, 99)
	res, err := tbl.Delete(tid, snap, log, 2, 0)
	require.NoError(t, err)
	require.Equal(t, undo.TMOk, res)
	log.CommitXid(2)

	after := undo.NewMemSnapshot(log, 100, 999)
	s := tbl.Scan(after, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()
	_, ok, err := s.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateProducesNewRowAndMarksOldUpdated(t *testing.T) {
	tbl := newTable(t, "name")
	log := undo.NewMemLog()
	tid, err := tbl.Insert(log, 1, 0, [][]byte{[]byte("alice")}, []bool{false}, false)
	require.NoError(t, err)
	log.CommitXid(1)

	snap := undo.NewMemSnapshot(log, 100, 99)
	newTid, res, err := tbl.Update(tid, snap, log, 2, 0, [][]byte{[]byte("alicia")}, []bool{false}, false)
	require.NoError(t, err)
	require.Equal(t, undo.TMOk, res)
	require.NotEqual(t, tid, newTid)
	log.CommitXid(2)

	after := undo.NewMemSnapshot(log, 100, 999)
	s := tbl.Scan(after, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()

	row, ok, err := s.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newTid, row.Tid)
	require.Equal(t, []byte("alicia"), row.Datums[0])

	_, ok, err = s.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

// Delete leaves the run live-but-deleted rather than DEAD, and Vacuum only
// collects DEAD runs, so this pass finds nothing to reclaim and must
// complete without error.
func TestVacuumAfterDeleteSucceeds(t *testing.T) {
	tbl := newTable(t, "name")
	log := undo.NewMemLog()
	tid, err := tbl.Insert(log, 1, 0, [][]byte{[]byte("alice")}, []bool{false}, false)
	require.NoError(t, err)
	log.CommitXid(1)

	snap := undo.NewMemSnapshot(log, 100, 99)
	_, err = tbl.Delete(tid, snap, log, 2, 0)
	require.NoError(t, err)
	log.CommitXid(2)

	require.NoError(t, tbl.Vacuum(0))
}

func TestAnalyzeReportsNullFraction(t *testing.T) {
	tbl := newTable(t, "name")
	log := undo.NewMemLog()
	for i := 0; i < 20; i++ {
		isNull := i%2 == 0
		var datums [][]byte
		if isNull {
			datums = [][]byte{nil}
		} else {
			datums = [][]byte{[]byte("x")}
		}
		_, err := tbl.Insert(log, 1, 0, datums, []bool{isNull}, true)
		require.NoError(t, err)
	}

	snap := undo.NewMemSnapshot(log, 0, 0)
	res, err := tbl.Analyze(snap, 1.0, 1)
	require.NoError(t, err)
	require.Equal(t, int64(20), res.SampledRows)
	require.InDelta(t, 0.5, res.NullFrac["name"], 0.01)
}
