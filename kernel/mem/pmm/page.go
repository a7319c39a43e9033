package pmm

// PageFlag describes the state bits stored in a frame descriptor.
type PageFlag uint32

const (
	// FlagReserved marks frames that are not available to any allocator.
	FlagReserved PageFlag = 1 << iota

	// FlagProperty marks the first frame of a free block. The Property field
	// of a frame carrying this flag holds the order of the block.
	FlagProperty
)

// ListNode links a frame descriptor into an intrusive list of frames. An
// InvalidFrame link terminates the list.
type ListNode struct {
	Prev Frame
	Next Frame
}

// Page is the descriptor of a single physical frame.
type Page struct {
	// Flags holds the frame state bits.
	Flags PageFlag

	// Ref is a reference counter. Allocators reset it when frames are
	// handed over to them; it is otherwise informational.
	Ref int32

	// Property is a scalar owned by the allocator that manages this frame.
	// The buddy allocator stores the block order here.
	Property uint32

	// Link threads the frame into the free list of the allocator that
	// manages it.
	Link ListNode
}

// HasFlags returns true if all the supplied flags are set.
func (p *Page) HasFlags(flags PageFlag) bool {
	return p.Flags&flags == flags
}

// SetFlags sets the supplied flags.
func (p *Page) SetFlags(flags PageFlag) {
	p.Flags |= flags
}

// ClearFlags clears the supplied flags.
func (p *Page) ClearFlags(flags PageFlag) {
	p.Flags &^= flags
}

// FrameTable is the frame directory: an array of page descriptors indexed by
// frame number, starting at a possibly non-zero base frame.
type FrameTable struct {
	base  Frame
	pages []Page
}

// NewFrameTable returns a directory for count frames starting at base. All
// frames start out reserved until an allocator claims them.
func NewFrameTable(base Frame, count uint64) *FrameTable {
	table := &FrameTable{
		base:  base,
		pages: make([]Page, count),
	}

	for i := range table.pages {
		table.pages[i] = Page{
			Flags: FlagReserved,
			Link:  ListNode{Prev: InvalidFrame, Next: InvalidFrame},
		}
	}

	return table
}

// Page returns the descriptor for frame f or nil if the frame is not part of
// the directory.
func (t *FrameTable) Page(f Frame) *Page {
	if f < t.base || uint64(f-t.base) >= uint64(len(t.pages)) {
		return nil
	}

	return &t.pages[f-t.base]
}

// Base returns the first frame tracked by the directory.
func (t *FrameTable) Base() Frame {
	return t.base
}

// Len returns the number of frames tracked by the directory.
func (t *FrameTable) Len() uint64 {
	return uint64(len(t.pages))
}
