package scan

import (
	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/tidtree"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// Row is one scanned row: the TID plus one datum/isnull pair per
// requested column, in the same order as TableScan's attrs.
type Row struct {
	Tid     zstid.ZSTid
	Datums  [][]byte
	IsNulls []bool
}

// TableScan is the cross-tree scan coordinator: one TID scan drives the
// row order, and one attribute scan per requested column is asked for
// the value at that TID.
type TableScan struct {
	tid   *TidScan
	attrs []*AttrScan
}

// NewTableScan opens a TID scan plus one attribute scan per tree in attrs,
// all sharing the same snapshot and TID range.
func NewTableScan(tidTree *tidtree.Tree, attrTrees []AttrDescender, mgr *bufmgr.Manager, snap undo.Snapshot, start, end zstid.ZSTid) *TableScan {
	attrs := make([]*AttrScan, len(attrTrees))
	for i, t := range attrTrees {
		attrs[i] = NewAttrScan(t, mgr)
	}
	return &TableScan{
		tid:   NewTidScan(tidTree, mgr, snap, start, end),
		attrs: attrs,
	}
}

// Next returns the next visible row, or false when the scan is exhausted.
func (s *TableScan) Next() (Row, bool, error) {
	tid, ok, err := s.tid.Next()
	if err != nil || !ok {
		return Row{}, false, err
	}

	row := Row{Tid: tid, Datums: make([][]byte, len(s.attrs)), IsNulls: make([]bool, len(s.attrs))}
	for i, a := range s.attrs {
		if err := a.Advance(tid); err != nil {
			return Row{}, false, err
		}
		datum, isNull, ok := a.Value(tid)
		if !ok {
			// Gap: the TID has no item at all in this attribute's tree, so
			// it reads as NULL.
			row.IsNulls[i] = true
			continue
		}
		row.Datums[i] = datum
		row.IsNulls[i] = isNull
	}
	return row, true, nil
}

// Reset repositions every underlying cursor to start.
func (s *TableScan) Reset(start zstid.ZSTid) {
	s.tid.Reset(start)
}

// Close releases all pinned buffers held by the scan.
func (s *TableScan) Close() {
	s.tid.Close()
}
