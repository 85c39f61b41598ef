package page

// SplitStack is an in-memory chain of post-split page images built in
// private memory, and applied once every new buffer has
// been allocated. This is what makes out-of-disk-space during
// a split a pre-critical-section failure rather than a half-applied
// structural change.
type SplitStack struct {
	head *splitNode
	tail *splitNode
}

type splitNode struct {
	Block BlockNumber
	Image *Page
	next  *splitNode
}

// Push appends a new page image to the stack, in left-to-right order.
func (s *SplitStack) Push(block BlockNumber, image *Page) {
	n := &splitNode{Block: block, Image: image}
	if s.tail == nil {
		s.head = n
		s.tail = n
		return
	}
	s.tail.next = n
	s.tail = n
}

// Len reports how many page images are queued.
func (s *SplitStack) Len() int {
	n := 0
	for c := s.head; c != nil; c = c.next {
		n++
	}
	return n
}

// Entry is one (block, image) pair in application order.
type Entry struct {
	Block BlockNumber
	Image *Page
}

// Entries returns the queued images in application order, left to right.
func (s *SplitStack) Entries() []Entry {
	out := make([]Entry, 0, s.Len())
	for c := s.head; c != nil; c = c.next {
		out = append(out, Entry{Block: c.Block, Image: c.Image})
	}
	return out
}

// Apply hands every queued image to the writer in push order; the write
// callback pins and exclusively locks each block itself while replacing
// its image. Callers only call Apply once all
// new blocks have been durably allocated (never inside the section that
// can fail with out-of-space). Writer errors abort the remaining writes;
// the buffer manager contract guarantees pages already written are still
// internally consistent images, so a failure here can only be the fatal,
// unrecoverable kind described in item 4.
func (s *SplitStack) Apply(write func(BlockNumber, *Page) error) error {
	for c := s.head; c != nil; c = c.next {
		if err := write(c.Block, c.Image); err != nil {
			return err
		}
	}
	return nil
}
