package allocator

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
)

var (
	errBuddyAllocInvalidRequest = &kernel.Error{Module: "buddy_alloc", Message: "requested zero pages"}
	errBuddyAllocOutOfMemory    = &kernel.Error{Module: "buddy_alloc", Message: "out of memory"}
	errBuddyAllocFragmented     = &kernel.Error{Module: "buddy_alloc", Message: "no free block large enough"}

	errBuddyAllocFrameNotManaged = &kernel.Error{Module: "buddy_alloc", Message: "frame not managed by allocator"}
	errBuddyAllocMisalignedFree  = &kernel.Error{Module: "buddy_alloc", Message: "freed block is not aligned to its order"}
	errBuddyAllocDoubleFree      = &kernel.Error{Module: "buddy_alloc", Message: "block is already free"}
	errBuddyAllocCorruptFreeList = &kernel.Error{Module: "buddy_alloc", Message: "free list head does not match its order"}
)

// FrameDirectory provides access to the descriptors of the frames that the
// buddy allocator manages.
type FrameDirectory interface {
	// Page returns the descriptor for frame f or nil if f does not exist.
	Page(f pmm.Frame) *pmm.Page

	// Len returns the number of frames that exist in the system.
	Len() uint64
}

// freeArea is the list of free blocks for a single order. The list is
// threaded through the Link field of each block's head frame.
type freeArea struct {
	head   pmm.Frame
	nrFree uint32
}

// FreeAreaStat reports the number of free blocks for a single order.
type FreeAreaStat struct {
	Order      mem.PageOrder
	FreeBlocks uint32
}

// BuddyAllocator implements a physical frame allocator that tracks free
// memory as power-of-two sized blocks. Each block of order k spans 2^k frames
// and starts at a frame index that is a multiple of 2^k. Allocations split
// larger blocks and frees merge a block with its buddy (the block whose index
// differs only in bit k) whenever the buddy is also free.
//
// BuddyAllocator performs no locking; callers must serialize access.
type BuddyAllocator struct {
	frames FrameDirectory

	// freeAreas holds one free list per block order.
	freeAreas [mem.MaxPageOrder + 1]freeArea

	// maxOrder is the highest order that blocks can currently reach. It
	// is derived from the number of frames in the system and only grows.
	maxOrder mem.PageOrder

	// freePages tracks the number of free frames across all orders.
	freePages uint64
}

// NewBuddyAllocator returns an initialized allocator for the frames tracked by
// the supplied directory. No frames are available until InitMemmap is called.
func NewBuddyAllocator(frames FrameDirectory) *BuddyAllocator {
	alloc := &BuddyAllocator{frames: frames}
	alloc.Init()
	return alloc
}

// Init resets the free lists and counters.
func (alloc *BuddyAllocator) Init() {
	for ord := range alloc.freeAreas {
		alloc.freeAreas[ord] = freeArea{head: pmm.InvalidFrame}
	}
	alloc.maxOrder = 0
	alloc.freePages = 0
}

// InitMemmap adds count contiguous frames starting at base to the pool of
// free frames. The range is split greedily into the largest blocks that are
// both aligned to their order and fit in the remaining frames.
func (alloc *BuddyAllocator) InitMemmap(base pmm.Frame, count uint64) {
	if count == 0 {
		return
	}

	if ord := mem.FloorOrder(alloc.frames.Len()); ord > alloc.maxOrder {
		if ord > mem.MaxPageOrder {
			ord = mem.MaxPageOrder
		}
		alloc.maxOrder = ord
	}

	for frame := base; frame < base+pmm.Frame(count); frame++ {
		page := alloc.frames.Page(frame)
		if page == nil {
			kernel.Panic(errBuddyAllocFrameNotManaged)
		}
		page.Flags = 0
		page.Ref = 0
	}

	for cur, remaining := base, count; remaining > 0; {
		ord := alloc.largestFit(cur, remaining)
		alloc.push(ord, cur)
		cur += pmm.Frame(ord.Pages())
		remaining -= ord.Pages()
	}

	alloc.freePages += count

	kfmt.Logger().Debug().
		Str("module", "buddy").
		Uint64("base", uint64(base)).
		Uint64("count", count).
		Int("max_order", int(alloc.maxOrder)).
		Msg("registered free frames")
}

// largestFit returns the largest order k such that a block of 2^k frames fits
// in remaining frames and frame is aligned to 2^k.
func (alloc *BuddyAllocator) largestFit(frame pmm.Frame, remaining uint64) mem.PageOrder {
	for ord := alloc.maxOrder; ord > 0; ord-- {
		if ord.Pages() <= remaining && frame.IsAligned(ord) {
			return ord
		}
	}

	return 0
}

// AllocPages reserves a block of 2^ceil(log2(n)) contiguous frames and returns
// its first frame. The returned frame is aligned to the block size. The free
// page counter is reduced by the rounded block size, so the block must be
// released with FreePages using the same n.
func (alloc *BuddyAllocator) AllocPages(n uint64) (pmm.Frame, *kernel.Error) {
	if n == 0 {
		return pmm.InvalidFrame, errBuddyAllocInvalidRequest
	}

	if n > alloc.freePages {
		return pmm.InvalidFrame, errBuddyAllocOutOfMemory
	}

	need := mem.OrderForPages(n)

	// Find the first non-empty free list at or above the requested order.
	ord := need
	for ord <= alloc.maxOrder && !alloc.freeAreas[ord].head.Valid() {
		ord++
	}
	if ord > alloc.maxOrder {
		return pmm.InvalidFrame, errBuddyAllocFragmented
	}

	block := alloc.freeAreas[ord].head
	if page := alloc.frames.Page(block); uint32(ord) != page.Property || !page.HasFlags(pmm.FlagProperty) {
		kernel.Panic(errBuddyAllocCorruptFreeList)
	}
	alloc.erase(ord, block)

	// Keep the lower half and return the upper half to the free lists
	// until the block has the requested order.
	for ord > need {
		ord--
		alloc.push(ord, block+pmm.Frame(ord.Pages()))
	}

	alloc.freePages -= need.Pages()
	return block, nil
}

// FreePages releases a block obtained by a call to AllocPages(n) and merges
// it with its free buddies.
func (alloc *BuddyAllocator) FreePages(base pmm.Frame, n uint64) {
	if n == 0 {
		return
	}

	ord := mem.OrderForPages(n)
	page := alloc.frames.Page(base)
	switch {
	case page == nil || page.HasFlags(pmm.FlagReserved):
		kernel.Panic(errBuddyAllocFrameNotManaged)
	case !base.IsAligned(ord):
		kernel.Panic(errBuddyAllocMisalignedFree)
	case page.HasFlags(pmm.FlagProperty):
		kernel.Panic(errBuddyAllocDoubleFree)
	}

	// The block may already be part of a larger free block.
	for k := ord + 1; k <= alloc.maxOrder; k++ {
		if alloc.isFreeHead(base&^pmm.Frame(k.Pages()-1), k) {
			kernel.Panic(errBuddyAllocDoubleFree)
		}
	}

	freed := ord.Pages()
	for ord < alloc.maxOrder {
		buddy := base ^ pmm.Frame(ord.Pages())
		if !alloc.isFreeHead(buddy, ord) {
			break
		}

		alloc.erase(ord, buddy)
		if buddy < base {
			base = buddy
		}
		ord++
	}

	alloc.push(ord, base)
	alloc.freePages += freed
}

// NrFreePages returns the number of free frames.
func (alloc *BuddyAllocator) NrFreePages() uint64 {
	return alloc.freePages
}

// MaxOrder returns the highest order that free blocks can currently reach.
func (alloc *BuddyAllocator) MaxOrder() mem.PageOrder {
	return alloc.maxOrder
}

// FreeAreas returns the number of free blocks for each order up to MaxOrder.
func (alloc *BuddyAllocator) FreeAreas() []FreeAreaStat {
	stats := make([]FreeAreaStat, 0, alloc.maxOrder+1)
	for ord := mem.PageOrder(0); ord <= alloc.maxOrder; ord++ {
		stats = append(stats, FreeAreaStat{Order: ord, FreeBlocks: alloc.freeAreas[ord].nrFree})
	}

	return stats
}

// FreeBlocks returns the head frames of the free blocks with the given order
// in free list order.
func (alloc *BuddyAllocator) FreeBlocks(ord mem.PageOrder) []pmm.Frame {
	var blocks []pmm.Frame
	for cur := alloc.freeAreas[ord].head; cur.Valid(); cur = alloc.frames.Page(cur).Link.Next {
		blocks = append(blocks, cur)
	}

	return blocks
}

// Manager returns the page manager function table backed by this allocator.
func (alloc *BuddyAllocator) Manager() pmm.Manager {
	return pmm.Manager{
		Name:        "buddy_pmm_manager",
		Init:        alloc.Init,
		InitMemmap:  alloc.InitMemmap,
		AllocPages:  alloc.AllocPages,
		FreePages:   alloc.FreePages,
		NrFreePages: alloc.NrFreePages,
		Check:       alloc.Check,
	}
}

// isFreeHead returns true if frame heads a free block of the given order. The
// flag and order fields are checked first; the frame must then also be found
// by scanning the free list for that order.
func (alloc *BuddyAllocator) isFreeHead(frame pmm.Frame, ord mem.PageOrder) bool {
	page := alloc.frames.Page(frame)
	if page == nil || !page.HasFlags(pmm.FlagProperty) || page.Property != uint32(ord) {
		return false
	}

	for cur := alloc.freeAreas[ord].head; cur.Valid(); cur = alloc.frames.Page(cur).Link.Next {
		if cur == frame {
			return true
		}
	}

	return false
}

// push marks frame as the head of a free block with the given order and
// inserts it at the front of the order's free list.
func (alloc *BuddyAllocator) push(ord mem.PageOrder, frame pmm.Frame) {
	area := &alloc.freeAreas[ord]
	page := alloc.frames.Page(frame)

	page.SetFlags(pmm.FlagProperty)
	page.Property = uint32(ord)
	page.Link = pmm.ListNode{Prev: pmm.InvalidFrame, Next: area.head}
	if area.head.Valid() {
		alloc.frames.Page(area.head).Link.Prev = frame
	}

	area.head = frame
	area.nrFree++
}

// erase unlinks frame from the free list for the given order and clears its
// block head marking.
func (alloc *BuddyAllocator) erase(ord mem.PageOrder, frame pmm.Frame) {
	area := &alloc.freeAreas[ord]
	page := alloc.frames.Page(frame)

	if page.Link.Prev.Valid() {
		alloc.frames.Page(page.Link.Prev).Link.Next = page.Link.Next
	} else {
		area.head = page.Link.Next
	}
	if page.Link.Next.Valid() {
		alloc.frames.Page(page.Link.Next).Link.Prev = page.Link.Prev
	}

	page.Link = pmm.ListNode{Prev: pmm.InvalidFrame, Next: pmm.InvalidFrame}
	page.ClearFlags(pmm.FlagProperty)
	page.Property = 0
	area.nrFree--
}
