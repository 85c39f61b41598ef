package scan_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zedstore/zedstore/embedded/attrtree"
	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/logger"
	"github.com/zedstore/zedstore/embedded/scan"
	"github.com/zedstore/zedstore/embedded/tidtree"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

func setupTable(t *testing.T, n int) (*bufmgr.Manager, *tidtree.Tree, *attrtree.Tree, *undo.MemLog, zstid.ZSTid) {
	t.Helper()
	mgr := bufmgr.New()
	tt, err := tidtree.Open(mgr, logger.Noop())
	require.NoError(t, err)
	at, err := attrtree.Open(mgr, 1, logger.Noop())
	require.NoError(t, err)
	log := undo.NewMemLog()

	start, err := tt.MultiInsert(uint32(n), log, 1, 0, true)
	require.NoError(t, err)

	tids := make([]zstid.ZSTid, n)
	datums := make([][]byte, n)
	isNulls := make([]bool, n)
	for i := 0; i < n; i++ {
		tids[i] = start + zstid.ZSTid(i)
		if i%3 == 1 {
			isNulls[i] = true
		} else {
			datums[i] = []byte{byte('a' + i)}
		}
	}
	require.NoError(t, at.MultiInsert(tids, datums, isNulls))
	return mgr, tt, at, log, start
}

func TestTidScanYieldsVisibleTidsInOrder(t *testing.T) {
	mgr, tt, _, _, start := setupTable(t, 5)
	snap := undo.NewMemSnapshot(undo.NewMemLog(), 0, 0)
	s := scan.NewTidScan(tt, mgr, snap, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()

	var got []zstid.ZSTid
	for {
		tid, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, tid)
	}

	want := []zstid.ZSTid{start, start + 1, start + 2, start + 3, start + 4}
	require.Equal(t, want, got)
}

func TestTidScanSkipsInvisibleDeletedRows(t *testing.T) {
	mgr, tt, _, log, start := setupTable(t, 3)

	snap := undo.NewMemSnapshot(log, 100, 99)
	_, err := tt.Delete(start+1, snap, log, 2, 0)
	require.NoError(t, err)
	log.CommitXid(2)

	after := undo.NewMemSnapshot(log, 100, 999)
	s := scan.NewTidScan(tt, mgr, after, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()

	var got []zstid.ZSTid
	for {
		tid, ok, err := s.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, tid)
	}
	require.Equal(t, []zstid.ZSTid{start, start + 2}, got)
}

func TestTableScanJoinsTidAndAttribute(t *testing.T) {
	mgr, tt, at, _, start := setupTable(t, 4)
	snap := undo.NewMemSnapshot(undo.NewMemLog(), 0, 0)

	ts := scan.NewTableScan(tt, []scan.AttrDescender{at}, mgr, snap, 1, zstid.MaxPlusOneZSTid)
	defer ts.Close()

	var rows []scan.Row
	for {
		row, ok, err := ts.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rows = append(rows, row)
	}

	require.Len(t, rows, 4)
	require.Equal(t, start, rows[0].Tid)
	require.False(t, rows[0].IsNulls[0])
	require.Equal(t, []byte{'a'}, rows[0].Datums[0])
	require.True(t, rows[1].IsNulls[0])
}

func TestBernoulliSampleIsDeterministicForSameSeed(t *testing.T) {
	mgr, tt, at, _, _ := setupTable(t, 50)
	snap := undo.NewMemSnapshot(undo.NewMemLog(), 0, 0)

	runOnce := func() []zstid.ZSTid {
		ts := scan.NewTableScan(tt, []scan.AttrDescender{at}, mgr, snap, 1, zstid.MaxPlusOneZSTid)
		defer ts.Close()
		bs := scan.NewBernoulliSample(ts, 0.5, 42)
		var got []zstid.ZSTid
		for {
			row, ok, err := bs.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			got = append(got, row.Tid)
		}
		return got
	}

	require.Equal(t, runOnce(), runOnce())
}

func TestSystemSampleDecidesPerBlock(t *testing.T) {
	mgr, tt, at, _, _ := setupTable(t, 10)
	snap := undo.NewMemSnapshot(undo.NewMemLog(), 0, 0)

	ts := scan.NewTableScan(tt, []scan.AttrDescender{at}, mgr, snap, 1, zstid.MaxPlusOneZSTid)
	defer ts.Close()
	ss := scan.NewSystemSample(ts, 1.0, 7)

	var got []zstid.ZSTid
	for {
		row, ok, err := ss.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, row.Tid)
	}
	// p=1.0 includes every block, hence every row.
	require.Len(t, got, 10)
}
