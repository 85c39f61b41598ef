// Package undo declares the undo-log and snapshot contracts consumed (not
// implemented) by the TID tree and attribute tree. The real undo log and
// MVCC snapshot machinery live outside this module's scope;
// this package is the narrow interface the trees call through, plus an
// in-memory reference implementation (grounded on the pack's go-pmem
// undoTx log-entry shape) used by this module's own tests.
package undo

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// Ptr is an opaque reference into the external undo log. The zero value is
// InvalidPtr.
type Ptr uint64

const InvalidPtr Ptr = 0

// LockMode mirrors the caller's requested row lock strength.
type LockMode int

const (
	LockKeyShare LockMode = iota
	LockShare
	LockNoKeyUpdate
	LockTupleExclusive
)

// TMResult is the outcome of a tuple-level visibility/update check.
type TMResult int

const (
	TMOk TMResult = iota
	TMUpdated
	TMBeingModified
	TMInvisible
	TMSelfModified
)

// InsertRecord is consumed by the TID tree's multi-insert.
type InsertRecord struct {
	Xid              uint64
	Cid              uint32
	Tid              zstid.ZSTid
	SpeculativeToken xid.ID
	Prev             Ptr
	EndTid           zstid.ZSTid
}

// DeleteRecord is consumed by delete.
type DeleteRecord struct {
	Xid         uint64
	Cid         uint32
	Tid         zstid.ZSTid
	Prev        Ptr
	ChangedPart uint32
}

// UpdateRecord is consumed by update's mark_old_updated step.
type UpdateRecord struct {
	Xid       uint64
	Cid       uint32
	Tid       zstid.ZSTid
	Prev      Ptr
	NewTid    zstid.ZSTid
	KeyUpdate bool
}

// TupleLockRecord is consumed by lock.
type TupleLockRecord struct {
	Xid  uint64
	Cid  uint32
	Tid  zstid.ZSTid
	Prev Ptr
	Mode LockMode
}

// Log is the external undo log contract.
type Log interface {
	Insert(InsertRecord) (Ptr, error)
	Delete(DeleteRecord) (Ptr, error)
	Update(UpdateRecord) (Ptr, error)
	TupleLock(TupleLockRecord) (Ptr, error)
}

// UpdateResult is returned by SatisfiesUpdate.
type UpdateResult struct {
	Result      TMResult
	KeepOldUndo bool
	NextTid     zstid.ZSTid
}

// VisibilityResult is returned by SatisfiesVisibility.
type VisibilityResult struct {
	Visible       bool
	ObsoletingXid uint64
	NextTid       zstid.ZSTid
}

// Snapshot is the external MVCC snapshot contract.
type Snapshot interface {
	SatisfiesVisibility(ptr Ptr) (VisibilityResult, error)
	SatisfiesUpdate(tid zstid.ZSTid, ptr Ptr, mode LockMode) (UpdateResult, error)
}

var ErrUnknownPtr = errors.New("undo: unknown pointer")

// MemLog is a simple in-memory append-only undo log, the reference
// implementation used by this module's tests. It hands out monotonically
// increasing Ptr values and records enough about each entry for a MemSnapshot
// to answer visibility/update queries against it.
type MemLog struct {
	mu      sync.Mutex
	entries []memEntry
}

type memKind int

const (
	kindInsert memKind = iota
	kindDelete
	kindUpdate
	kindLock
)

type memEntry struct {
	kind      memKind
	xid       uint64
	cid       uint32
	tid       zstid.ZSTid
	newTid    zstid.ZSTid
	prev      Ptr
	aborted   atomic.Bool
	committed atomic.Bool
}

func NewMemLog() *MemLog {
	return &MemLog{entries: make([]memEntry, 1)} // index 0 reserved so Ptr 0 stays invalid
}

func (l *MemLog) append(e memEntry) Ptr {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return Ptr(len(l.entries) - 1)
}

func (l *MemLog) Insert(r InsertRecord) (Ptr, error) {
	return l.append(memEntry{kind: kindInsert, xid: r.Xid, cid: r.Cid, tid: r.Tid, prev: r.Prev}), nil
}

func (l *MemLog) Delete(r DeleteRecord) (Ptr, error) {
	return l.append(memEntry{kind: kindDelete, xid: r.Xid, cid: r.Cid, tid: r.Tid, prev: r.Prev}), nil
}

func (l *MemLog) Update(r UpdateRecord) (Ptr, error) {
	return l.append(memEntry{kind: kindUpdate, xid: r.Xid, cid: r.Cid, tid: r.Tid, newTid: r.NewTid, prev: r.Prev}), nil
}

func (l *MemLog) TupleLock(r TupleLockRecord) (Ptr, error) {
	return l.append(memEntry{kind: kindLock, xid: r.Xid, cid: r.Cid, tid: r.Tid, prev: r.Prev}), nil
}

// Commit/Abort let tests drive a transaction's outcome; a real undo log
// would learn this from the transaction manager.
func (l *MemLog) Commit(p Ptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(p) < len(l.entries) {
		l.entries[p].committed.Store(true)
	}
}

func (l *MemLog) Abort(p Ptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(p) < len(l.entries) {
		l.entries[p].aborted.Store(true)
	}
}

// CommitXid marks every entry belonging to xid as committed. A real
// transaction manager tracks this by xid directly; this reference
// implementation scans its own (small, test-sized) entry log instead of
// keeping a secondary xid index.
func (l *MemLog) CommitXid(xid uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if l.entries[i].xid == xid {
			l.entries[i].committed.Store(true)
		}
	}
}

func (l *MemLog) entry(p Ptr) (memEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(p) <= 0 || int(p) >= len(l.entries) {
		return memEntry{}, false
	}
	return l.entries[p], true
}

// MemSnapshot answers visibility/update queries against a MemLog as of a
// fixed horizon: every xid <= AsOfXid whose entry is committed is visible.
type MemSnapshot struct {
	log     *MemLog
	AsOfXid uint64
	OwnXid  uint64
}

func NewMemSnapshot(log *MemLog, asOfXid, ownXid uint64) *MemSnapshot {
	return &MemSnapshot{log: log, AsOfXid: asOfXid, OwnXid: ownXid}
}

func (s *MemSnapshot) SatisfiesVisibility(ptr Ptr) (VisibilityResult, error) {
	if ptr == InvalidPtr {
		return VisibilityResult{Visible: true}, nil
	}
	e, ok := s.log.entry(ptr)
	if !ok {
		return VisibilityResult{}, ErrUnknownPtr
	}
	if e.kind == kindDelete || e.kind == kindUpdate {
		// A committed update retires the old tid exactly like a delete,
		// except the retiring entry also carries the successor tid a
		// scanner chasing the update chain should continue at.
		if e.aborted.Load() {
			return VisibilityResult{Visible: true}, nil
		}
		if e.committed.Load() && e.xid <= s.AsOfXid {
			return VisibilityResult{Visible: false, ObsoletingXid: e.xid, NextTid: e.newTid}, nil
		}
		if e.xid == s.OwnXid {
			return VisibilityResult{Visible: false, ObsoletingXid: e.xid, NextTid: e.newTid}, nil
		}
		return VisibilityResult{Visible: true}, nil
	}
	// insert/lock: visible once the inserting/locking xid is visible to
	// this snapshot (committed and <= horizon, or our own xid).
	if e.aborted.Load() {
		return VisibilityResult{Visible: false}, nil
	}
	if e.xid == s.OwnXid || (e.committed.Load() && e.xid <= s.AsOfXid) {
		return VisibilityResult{Visible: true}, nil
	}
	return VisibilityResult{Visible: false}, nil
}

// SatisfiesUpdate reports whether tid's current undo chain permits a
// delete/update/lock under this snapshot. Unlike SatisfiesVisibility
// (which asks "is the row live right now"), this asks "is anyone else
// concurrently modifying it": an uncommitted, unaborted delete or update
// blocks regardless of how the row happens to read under plain
// visibility.
func (s *MemSnapshot) SatisfiesUpdate(tid zstid.ZSTid, ptr Ptr, mode LockMode) (UpdateResult, error) {
	if ptr == InvalidPtr {
		return UpdateResult{Result: TMOk}, nil
	}
	e, ok := s.log.entry(ptr)
	if !ok {
		return UpdateResult{}, ErrUnknownPtr
	}

	if e.kind != kindDelete && e.kind != kindUpdate {
		// insert/tuple-lock: does not itself conflict with a new modification.
		return UpdateResult{Result: TMOk, KeepOldUndo: true}, nil
	}

	if !e.committed.Load() && !e.aborted.Load() {
		if e.xid == s.OwnXid {
			return UpdateResult{Result: TMSelfModified}, nil
		}
		return UpdateResult{Result: TMBeingModified}, nil
	}

	if e.aborted.Load() {
		// The prior delete/update never took effect; the row is live under
		// whatever undo chain predates it.
		return UpdateResult{Result: TMOk, KeepOldUndo: true}, nil
	}

	// Committed. Visible to us (either our own earlier statement in this
	// xid, or committed at or before our horizon) means the row is already
	// gone from this snapshot's perspective.
	if e.xid == s.OwnXid || e.xid <= s.AsOfXid {
		if e.kind == kindUpdate {
			return UpdateResult{Result: TMUpdated, NextTid: e.newTid}, nil
		}
		return UpdateResult{Result: TMInvisible}, nil
	}

	// Committed after our horizon: invisible to us, so the row still reads
	// as live from this snapshot.
	return UpdateResult{Result: TMOk, KeepOldUndo: true}, nil
}
