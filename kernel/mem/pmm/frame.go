// Package pmm contains the types shared by the physical memory allocators: the
// frame index, the per-frame descriptor table and the page manager contract.
package pmm

import (
	"math"

	"github.com/Aaronyzb/oslab2/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame. It also terminates the
	// intrusive frame lists.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}

// IsAligned returns true if the frame index is a multiple of the block size
// for the given order.
func (f Frame) IsAligned(order mem.PageOrder) bool {
	return uint64(f)&(order.Pages()-1) == 0
}
