// Package table implements the table-level integration surface named in
//'s "DDL & DML integration" paragraph: one TID tree plus N
// attribute trees, bundled behind the storage-AM-shaped operations a SQL
// engine would call (insert, multi_insert, delete, update, lock, scan,
// vacuum, analyze, add-column), without the SQL type system or planner
// around it.
package table

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/zedstore/zedstore/embedded/attrtree"
	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/logger"
	"github.com/zedstore/zedstore/embedded/multierr"
	"github.com/zedstore/zedstore/embedded/scan"
	"github.com/zedstore/zedstore/embedded/tidtree"
	"github.com/zedstore/zedstore/embedded/undo"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// Column describes one attribute tree owned by a table.
type Column struct {
	Name  string
	Attno uint16
	ID    uuid.UUID
}

// Table bundles a TID tree with one attribute tree per column. Its ID and
// each column's ID are uuid.UUIDs, handed out once at creation and stable
// for the table/column's lifetime (the catalog entries a real DDL layer
// would persist are outside this module's scope).
type Table struct {
	ID uuid.UUID

	mgr *bufmgr.Manager
	log logger.Logger

	mu      sync.RWMutex
	tid     *tidtree.Tree
	columns []Column
	attrs   map[uint16]*attrtree.Tree
}

// Options configures a new table, using the same functional-options
// convention as the rest of this module.
type Options struct {
	log logger.Logger
}

type Option func(*Options)

// WithLogger overrides the table's logger (default: a no-op logger).
func WithLogger(l logger.Logger) Option {
	return func(o *Options) { o.log = l }
}

// Open creates a brand-new, empty table with the given column names, each
// becoming its own attribute tree numbered from 1.
func Open(mgr *bufmgr.Manager, columnNames []string, opts ...Option) (*Table, error) {
	o := &Options{log: logger.Noop()}
	for _, opt := range opts {
		opt(o)
	}

	tidTree, err := tidtree.Open(mgr, o.log)
	if err != nil {
		return nil, fmt.Errorf("table: open tid tree: %w", err)
	}

	t := &Table{
		ID:    uuid.New(),
		mgr:   mgr,
		log:   o.log,
		tid:   tidTree,
		attrs: make(map[uint16]*attrtree.Tree),
	}

	for _, name := range columnNames {
		if err := t.addColumnLocked(name); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) addColumnLocked(name string) error {
	attno := uint16(len(t.columns) + 1)
	tree, err := attrtree.Open(t.mgr, attno, t.log)
	if err != nil {
		return fmt.Errorf("table: open attribute tree for column %q: %w", name, err)
	}
	t.columns = append(t.columns, Column{Name: name, Attno: attno, ID: uuid.New()})
	t.attrs[attno] = tree
	return nil
}

// AddColumn adds a new attribute tree to the table. Existing rows read as
// NULL for the new column until written.
func (t *Table) AddColumn(name string) (Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.addColumnLocked(name); err != nil {
		return Column{}, err
	}
	return t.columns[len(t.columns)-1], nil
}

// Columns returns a copy of the table's current column list.
func (t *Table) Columns() []Column {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Column, len(t.columns))
	copy(out, t.columns)
	return out
}

// Insert inserts a single row: one TID plus one datum/isnull per column,
// in column order. frozen rows (e.g. bulk COPY FREEZE) carry no undo
// record.
func (t *Table) Insert(log undo.Log, xid uint64, cid uint32, datums [][]byte, isNulls []bool, frozen bool) (zstid.ZSTid, error) {
	return t.MultiInsert(log, xid, cid, [][][]byte{datums}, [][]bool{isNulls}, frozen)
}

// MultiInsert allocates len(rows) contiguous TIDs and writes each column's
// values into its attribute tree.
func (t *Table) MultiInsert(log undo.Log, xid uint64, cid uint32, rows [][][]byte, rowIsNulls [][]bool, frozen bool) (zstid.ZSTid, error) {
	if len(rows) != len(rowIsNulls) {
		return 0, fmt.Errorf("table: rows/isnulls length mismatch")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := uint32(len(rows))
	start, err := t.tid.MultiInsert(n, log, xid, cid, frozen)
	if err != nil {
		return 0, err
	}

	tids := make([]zstid.ZSTid, n)
	for i := range tids {
		tids[i] = start + zstid.ZSTid(i)
	}

	for _, col := range t.columns {
		datums := make([][]byte, n)
		isNulls := make([]bool, n)
		for i := range rows {
			if int(col.Attno)-1 < len(rows[i]) {
				datums[i] = rows[i][col.Attno-1]
				isNulls[i] = rowIsNulls[i][col.Attno-1]
			} else {
				isNulls[i] = true
			}
		}
		if err := t.attrs[col.Attno].MultiInsert(tids, datums, isNulls); err != nil {
			return 0, fmt.Errorf("table: insert column %q: %w", col.Name, err)
		}
	}
	return start, nil
}

// Delete removes the row at tid, following the TID tree's visibility and
// undo contract. Attribute data is untouched until
// Vacuum reclaims it.
func (t *Table) Delete(tid zstid.ZSTid, snap undo.Snapshot, log undo.Log, xid uint64, cid uint32) (undo.TMResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tid.Delete(tid, snap, log, xid, cid)
}

// Lock acquires a row lock at the given strength.
func (t *Table) Lock(tid zstid.ZSTid, mode undo.LockMode, snap undo.Snapshot, log undo.Log, xid uint64, cid uint32) (undo.TMResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tid.Lock(tid, mode, snap, log, xid, cid)
}

// Update performs the three-step update protocol of: lock the
// old TID, insert a fresh row for the new values, mark the old TID
// updated with a pointer to the new one.
func (t *Table) Update(otid zstid.ZSTid, snap undo.Snapshot, log undo.Log, xid uint64, cid uint32, datums [][]byte, isNulls []bool, keyUpdate bool) (zstid.ZSTid, undo.TMResult, error) {
	t.mu.RLock()
	res, err := t.tid.LockOld(otid, snap)
	t.mu.RUnlock()
	if err != nil {
		return 0, 0, err
	}
	if res != undo.TMOk {
		return 0, res, nil
	}

	newTid, err := t.Insert(log, xid, cid, datums, isNulls, false)
	if err != nil {
		return 0, 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.tid.MarkOldUpdated(otid, newTid, snap, log, xid, cid, keyUpdate); err != nil {
		return 0, 0, err
	}
	return newTid, undo.TMOk, nil
}

// Scan opens a cross-tree scan over [start, end) of the TID space,
// reading all of the table's columns.
func (t *Table) Scan(snap undo.Snapshot, start, end zstid.ZSTid) *scan.TableScan {
	t.mu.RLock()
	defer t.mu.RUnlock()
	attrs := make([]scan.AttrDescender, len(t.columns))
	for i, col := range t.columns {
		attrs[i] = t.attrs[col.Attno]
	}
	return scan.NewTableScan(t.tid, attrs, t.mgr, snap, start, end)
}

// Vacuum collects dead TIDs from the TID tree in budget-sized batches,
// removes them from the TID tree, and removes the corresponding entries
// from every attribute tree. Each attribute
// tree's removal failure is collected rather than aborting the whole pass,
// matching error taxonomy item 6 (missing attribute rows for an already-
// dead TID is a legitimate, warning-only outcome of a prior partial
// vacuum).
func (t *Table) Vacuum(budget int) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := zstid.ZSTid(1)
	for {
		dead, next, err := t.tid.CollectDeadTids(start, budget)
		if err != nil {
			return fmt.Errorf("table: collect dead tids: %w", err)
		}
		if len(dead) > 0 {
			if err := t.tid.Remove(dead); err != nil {
				return fmt.Errorf("table: remove dead tids: %w", err)
			}
			errs := multierr.NewMultiErr()
			for _, col := range t.columns {
				if err := t.attrs[col.Attno].Vacuum(dead); err != nil {
					errs.Append(fmt.Errorf("column %q: %w", col.Name, err))
				}
			}
			if err := errs.Reduce(); err != nil {
				t.log.Warningf("table: vacuum attribute trees: %v", err)
			}
		}
		if next >= zstid.MaxPlusOneZSTid || len(dead) == 0 {
			return nil
		}
		start = next
	}
}

// AnalyzeResult is the minimal statistics payload Analyze produces: row
// count and per-column null fraction, enough to exercise the scan/sample
// machinery without a real statistics/selectivity model.
type AnalyzeResult struct {
	RowCount    int64
	NullFrac    map[string]float64
	SampledRows int64
}

// Analyze samples the table with a Bernoulli cursor and reports row count
// and per-column null fraction estimates.
func (t *Table) Analyze(snap undo.Snapshot, sampleRate float64, seed int64) (AnalyzeResult, error) {
	s := t.Scan(snap, 1, zstid.MaxPlusOneZSTid)
	defer s.Close()
	sample := scan.NewBernoulliSample(s, sampleRate, seed)
	defer sample.Close()

	res := AnalyzeResult{NullFrac: make(map[string]float64)}
	nullCounts := make(map[string]int64)
	cols := t.Columns()

	for {
		row, ok, err := sample.Next()
		if err != nil {
			return AnalyzeResult{}, err
		}
		if !ok {
			break
		}
		res.SampledRows++
		for i, col := range cols {
			if i < len(row.IsNulls) && row.IsNulls[i] {
				nullCounts[col.Name]++
			}
		}
	}

	if res.SampledRows > 0 {
		res.RowCount = int64(float64(res.SampledRows) / sampleRate)
		for _, col := range cols {
			res.NullFrac[col.Name] = float64(nullCounts[col.Name]) / float64(res.SampledRows)
		}
	}
	return res, nil
}
