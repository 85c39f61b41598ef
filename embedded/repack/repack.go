// Package repack implements the recompressor/repacker shared by the TID
// tree and every attribute tree: given an ordered,
// non-overlapping item list that must replace one leaf's contents, it
// allocates new pages via the split stack, decides how to spread items
// across them (the 90/10 rightmost-leaf rule vs. the 50/50 rule), and
// returns the downlinks the caller must propagate to the parent level.
package repack

import (
	"fmt"

	"github.com/zedstore/zedstore/embedded/bufmgr"
	"github.com/zedstore/zedstore/embedded/page"
	"github.com/zedstore/zedstore/embedded/zstid"
)

// Item is anything a leaf holds: a TID-tree run item or an attribute-tree
// array item. The repacker only needs to know where each item starts and
// how to serialize it; it never interprets the payload.
type Item interface {
	FirstTid() zstid.ZSTid
	Bytes() []byte
}

// Downlink is a (key, child) pair to insert into the parent level, where
// key is the child's low key.
type Downlink struct {
	Tid   zstid.ZSTid
	Block page.BlockNumber
}

// Result describes the outcome of a repack.
type Result struct {
	Stack       *page.SplitStack
	FirstBlock  page.BlockNumber // the original buffer's block, reused as page 1
	Downlinks   []Downlink       // one per page after the first
	RootCleared bool             // true if the original page carried FlagRoot and was split across more than one page
}

const capacity = page.Size - 6 /*header*/ - 27 /*opaque*/

func itemCost(it Item) int {
	return len(it.Bytes()) + 4 // +slot entry
}

// bucketize splits the item list into per-page buckets honoring the
// 90/10 (rightmost leaf) or 50/50 (interior leaf) split-sizing rule.
func bucketize(items []Item, rightmost bool) [][]Item {
	total := 0
	for _, it := range items {
		total += itemCost(it)
	}
	if total <= capacity {
		return [][]Item{items}
	}

	n := (total + capacity - 1) / capacity
	if n < 2 {
		n = 2
	}

	targets := make([]int, n)
	if rightmost {
		// The last (newest, append-heavy) page keeps only 10% of a page's
		// capacity; the other n-1 pages split the rest as evenly as
		// possible, capped at one page's capacity each.
		last := int(0.10 * float64(capacity))
		remaining := total - last
		if remaining < 0 {
			remaining = 0
		}
		each := (remaining + n - 2) / (n - 1) // ceil(remaining / (n-1))
		if each > capacity {
			each = capacity
		}
		for i := 0; i < n-1; i++ {
			targets[i] = each
		}
		targets[n-1] = last
	} else {
		// Every page shares the overflow evenly; n == ceil(total/capacity)
		// guarantees this never exceeds one page's capacity.
		each := (total + n - 1) / n
		for i := range targets {
			targets[i] = each
		}
	}

	buckets := make([][]Item, n)
	bi := 0
	used := 0
	for _, it := range items {
		cost := itemCost(it)
		for bi < n-1 && used+cost > targets[bi] && used > 0 {
			bi++
			used = 0
		}
		buckets[bi] = append(buckets[bi], it)
		used += cost
	}
	// Any leftover (possible when an oversized run blows past every
	// remaining target) is appended to the last bucket rather than
	// silently dropped.
	return buckets
}

// Repack rewrites origBlock's leaf contents (now represented by items) into
// one or more pages. The first page reuses origBlock; later pages are
// allocated fresh via mgr.Allocate and queued on the returned SplitStack.
// opaqueTemplate supplies Attno/Level/Kind/Flags for every produced page,
// except that FlagRoot is dropped from every page when a root page is split
// across more than one page; Lokey/Hikey/Next are computed per page.
func Repack(mgr *bufmgr.Manager, origBlock page.BlockNumber, opaqueTemplate page.Opaque, items []Item, rightmost, wasRoot bool) (Result, error) {
	buckets := bucketize(items, rightmost)

	// bucketize's leftover-goes-to-the-last-bucket rule means an empty
	// bucket can only ever trail the list, but drop any anyway before
	// assigning blocks so bucket index and block index stay in lockstep.
	nonEmpty := buckets[:0]
	for _, b := range buckets {
		if len(b) > 0 {
			nonEmpty = append(nonEmpty, b)
		}
	}
	buckets = nonEmpty

	originalLokey := opaqueTemplate.Lokey
	originalHikey := opaqueTemplate.Hikey
	originalNext := opaqueTemplate.Next

	// Every page's Next must point at the following page's block, so all
	// blocks are allocated up front before any image (and its opaque
	// trailer) is built.
	blocks := make([]page.BlockNumber, len(buckets))
	if len(blocks) > 0 {
		blocks[0] = origBlock
	}
	for i := 1; i < len(buckets); i++ {
		buf, err := mgr.Allocate(opaqueTemplate)
		if err != nil {
			return Result{}, fmt.Errorf("repack: allocate page %d: %w", i, err)
		}
		blocks[i] = buf.Block
	}

	stack := &page.SplitStack{}
	var downlinks []Downlink

	for i, bucket := range buckets {
		opq := opaqueTemplate
		if wasRoot && len(buckets) > 1 {
			opq.Flags &^= page.FlagRoot
		}
		if i == 0 {
			opq.Lokey = originalLokey
		} else {
			opq.Lokey = bucket[0].FirstTid()
		}
		if i == len(buckets)-1 {
			opq.Hikey = originalHikey
			opq.Next = originalNext
		} else {
			opq.Hikey = buckets[i+1][0].FirstTid()
			opq.Next = blocks[i+1]
		}

		img := page.New(opq)
		for _, it := range bucket {
			if _, err := img.AppendItem(it.Bytes()); err != nil {
				return Result{}, fmt.Errorf("repack: bucket %d does not fit after sizing: %w", i, err)
			}
		}

		stack.Push(blocks[i], img)
		if i > 0 {
			downlinks = append(downlinks, Downlink{Tid: opq.Lokey, Block: blocks[i]})
		}
	}

	return Result{
		Stack:       stack,
		FirstBlock:  origBlock,
		Downlinks:   downlinks,
		RootCleared: wasRoot && len(buckets) > 1,
	}, nil
}
