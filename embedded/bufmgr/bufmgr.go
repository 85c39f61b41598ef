// Package bufmgr declares the buffer-manager contract the trees are
// written against. The real buffer manager, WAL, and lock manager are
// external collaborators consumed by this engine, not reimplemented here;
// this package is that consumed contract plus an in-memory reference
// implementation (grounded on a pgBuf/PageBuffer-style pinning model and
// on a blink-tree buffer/latch manager's latch-ordering rules) used by
// the package's own tests and by anything exercising the trees without a
// real disk backing.
package bufmgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/zedstore/zedstore/embedded/page"
)

// LockMode is the reader/writer mode a buffer is locked under. Pin is
// tracked independently of lock.
type LockMode int

const (
	LockNone LockMode = iota
	LockShare
	LockExclusive
)

var (
	ErrNoFreeBuffer = errors.New("bufmgr: no free buffer available")
	ErrNotPinned    = errors.New("bufmgr: buffer not pinned by caller")
)

// Buffer is a pinned, possibly locked handle on one page.
type Buffer struct {
	Block page.BlockNumber

	mgr   *Manager
	frame *frame
}

// Page returns the mutable page image. Callers must hold at least a share
// lock to read it, and an exclusive lock to mutate it; the in-memory
// Manager does not itself enforce this (a real buffer manager would
// enforce it through its latch table).
func (b *Buffer) Page() *page.Page { return b.frame.pg }

// Manager is a minimal in-memory buffer pool: one frame per allocated
// block, pin counts, and a per-frame RWMutex playing the latch's role.
// Descent order (child before parent) and sibling order (left before
// right) are the caller's responsibility; the Manager only arbitrates a
// single block's lock.
type Manager struct {
	mu     sync.Mutex
	frames map[page.BlockNumber]*frame
	next   page.BlockNumber
}

type frame struct {
	mu   sync.RWMutex
	pin  int
	pg   *page.Page
}

// New returns an empty in-memory buffer manager. Block 0 is reserved for
// the metapage.
func New() *Manager {
	return &Manager{
		frames: make(map[page.BlockNumber]*frame),
		next:   1,
	}
}

// Allocate creates a brand-new page outside of any caller's critical
// section, the way split-stack pages are allocated before the split is
// applied. It returns the page pinned, unlocked.
func (m *Manager) Allocate(opaque page.Opaque) (*Buffer, error) {
	m.mu.Lock()
	block := m.next
	m.next++
	fr := &frame{pg: page.New(opaque), pin: 1}
	m.frames[block] = fr
	m.mu.Unlock()

	return &Buffer{Block: block, mgr: m, frame: fr}, nil
}

// AllocateMeta reserves block 0 for the metapage. Safe to call once.
func (m *Manager) AllocateMeta() (*Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.frames[0]; exists {
		return nil, fmt.Errorf("bufmgr: metapage already allocated")
	}
	fr := &frame{pg: page.New(page.Opaque{Kind: page.KindMeta}), pin: 1}
	m.frames[0] = fr
	return &Buffer{Block: 0, mgr: m, frame: fr}, nil
}

// Pin returns a buffer for an existing block, pinned but unlocked.
func (m *Manager) Pin(block page.BlockNumber) (*Buffer, error) {
	m.mu.Lock()
	fr, ok := m.frames[block]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("bufmgr: unknown block %d", block)
	}
	fr.mu.Lock()
	fr.pin++
	fr.mu.Unlock()
	m.mu.Unlock()
	return &Buffer{Block: block, mgr: m, frame: fr}, nil
}

// Unpin releases the caller's pin. It does not release any lock; callers
// must Unlock first.
func (m *Manager) Unpin(b *Buffer) {
	b.frame.mu.Lock()
	if b.frame.pin > 0 {
		b.frame.pin--
	}
	b.frame.mu.Unlock()
}

// LockShare/LockExclusive/Unlock implement the reader/writer latch
// discipline: descent order is child-before-parent, sibling order is
// left-before-right; a scan holds at most one leaf lock at a time.
func (b *Buffer) LockShare()     { b.frame.mu.RLock() }
func (b *Buffer) UnlockShare()   { b.frame.mu.RUnlock() }
func (b *Buffer) LockExclusive() { b.frame.mu.Lock() }
func (b *Buffer) Unlock()        { b.frame.mu.Unlock() }

// Replace atomically swaps the in-memory image under the buffer's
// exclusive lock; callers must already hold it. This is the single write
// path used by both the in-place fast path and split-stack application.
func (b *Buffer) Replace(img *page.Page) {
	b.frame.pg = img
}
