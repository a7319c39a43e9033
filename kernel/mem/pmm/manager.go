package pmm

import "github.com/Aaronyzb/oslab2/kernel"

// Manager is the function table that a page allocator fills in so the rest of
// the kernel can drive it without depending on its concrete type.
type Manager struct {
	// Name identifies the allocator implementation.
	Name string

	// Init resets the allocator internal structures. It does not receive
	// any page range.
	Init func()

	// InitMemmap registers count contiguous available frames starting at
	// base. It may be called once per available memory region and must be
	// called before AllocPages.
	InitMemmap func(base Frame, count uint64)

	// AllocPages reserves a block of at least n contiguous frames.
	AllocPages func(n uint64) (Frame, *kernel.Error)

	// FreePages releases a block previously obtained by AllocPages(n). The
	// same n must be passed.
	FreePages func(base Frame, n uint64)

	// NrFreePages returns the number of free frames.
	NrFreePages func() uint64

	// Check runs the allocator self-test. It must leave the free frame
	// count unchanged.
	Check func()
}
