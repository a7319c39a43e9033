// Package kmalloc provides a general purpose allocator for arbitrarily sized
// requests. Small requests are served by one object cache per power-of-two
// size class; requests larger than the biggest class are served directly by
// the page allocator.
package kmalloc

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
	"github.com/Aaronyzb/oslab2/kernel/mem/slab"
)

var (
	errKmallocOutOfMemory    = &kernel.Error{Module: "kmalloc", Message: "out of memory"}
	errKmallocNotInitialized = &kernel.Error{Module: "kmalloc", Message: "size class caches have not been initialized"}

	// sizeClasses lists the object sizes served by the slab caches.
	sizeClasses = [...]mem.Size{8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}
)

// MaxClassSize is the largest request served by a size class cache.
const MaxClassSize = mem.Size(4096)

// PageAllocator is the page allocator backing kmalloc.
type PageAllocator interface {
	slab.PageAllocator

	// NrFreePages returns the number of free frames.
	NrFreePages() uint64
}

// Allocator routes requests to size class caches or to the page allocator.
//
// Allocator performs no locking; callers must serialize access.
type Allocator struct {
	pages  PageAllocator
	memory slab.Memory

	caches [len(sizeClasses)]*slab.Cache
}

// New returns an allocator on top of the supplied page allocator and memory.
// Init must be called before the allocator can be used.
func New(pages PageAllocator, memory slab.Memory) *Allocator {
	return &Allocator{
		pages:  pages,
		memory: memory,
	}
}

// Init creates one cache per size class. Each cache uses the smallest slab
// order that holds at least one object of its class.
func (a *Allocator) Init() {
	for i, size := range sizeClasses {
		order := slab.OrderFor(size, mem.PointerSize)
		a.caches[i] = slab.CreateCache(a.pages, a.memory, "kmalloc", size, mem.PointerSize, order, nil)
	}

	kfmt.Printf("kmalloc", "initialized %d size classes, free=%d pages", len(sizeClasses), a.pages.NrFreePages())
}

// classIndex returns the index of the smallest size class that fits size or
// -1 if the request must be served by the page allocator.
func classIndex(size mem.Size) int {
	for i, classSize := range sizeClasses {
		if size <= classSize {
			return i
		}
	}

	return -1
}

// Alloc returns the address of a block of at least size bytes. Blocks served
// by a size class are aligned to a machine word; larger blocks are page
// aligned.
func (a *Allocator) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	idx := classIndex(size)
	if idx < 0 {
		frame, err := a.pages.AllocPages(size.Pages())
		if err != nil {
			return 0, errKmallocOutOfMemory
		}
		return frame.Address(), nil
	}

	cache := a.cache(idx)
	addr, err := cache.Alloc()
	if err != nil {
		return 0, errKmallocOutOfMemory
	}

	return addr, nil
}

// Free releases a block obtained by Alloc(size). The same size must be passed.
// Freeing address 0 has no effect.
func (a *Allocator) Free(addr uintptr, size mem.Size) {
	if addr == 0 {
		return
	}

	idx := classIndex(size)
	if idx < 0 {
		a.pages.FreePages(pmm.FrameFromAddress(addr), size.Pages())
		return
	}

	a.cache(idx).Free(addr)
}

// Caches returns the size class caches ordered by object size.
func (a *Allocator) Caches() []*slab.Cache {
	if a.caches[0] == nil {
		return nil
	}

	caches := make([]*slab.Cache, len(a.caches))
	copy(caches, a.caches[:])
	return caches
}

func (a *Allocator) cache(idx int) *slab.Cache {
	cache := a.caches[idx]
	if cache == nil {
		kernel.Panic(errKmallocNotInitialized)
	}

	return cache
}
