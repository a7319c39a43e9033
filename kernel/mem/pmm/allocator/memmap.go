package allocator

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/hal/multiboot"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
)

var (
	errNoAvailableMemory = &kernel.Error{Module: "buddy_alloc", Message: "memory map contains no available frames"}
)

// RegisterMemoryMap scans the memory regions reported by the boot loader and
// hands each available region to mgr.InitMemmap. It returns the total number
// of frames registered.
func RegisterMemoryMap(mgr pmm.Manager, memMap multiboot.MemoryMap) uint64 {
	var registered uint64

	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		// Ignore reserved regions and regions smaller than a single page
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mem.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mem.PageSize - 1)
		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mem.PageShift)
		if regionEndFrame <= regionStartFrame {
			return true
		}

		count := uint64(regionEndFrame - regionStartFrame)
		mgr.InitMemmap(regionStartFrame, count)
		registered += count
		return true
	})

	return registered
}

// printMemoryMap logs the system's memory map.
func printMemoryMap(memMap multiboot.MemoryMap) {
	var totalFree mem.Size

	kfmt.Printf("buddy", "system memory map:")
	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("buddy", "\t[0x%10x - 0x%10x], size: %10d, type: %s", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("buddy", "free memory: %dKb", uint64(totalFree/mem.Kb))
}

// Init sets up a buddy allocator for the frames tracked by frames and
// registers every available region of memMap with it.
func Init(frames FrameDirectory, memMap multiboot.MemoryMap) (*BuddyAllocator, *kernel.Error) {
	printMemoryMap(memMap)

	alloc := NewBuddyAllocator(frames)
	mgr := alloc.Manager()
	mgr.Init()
	if RegisterMemoryMap(mgr, memMap) == 0 {
		return nil, errNoAvailableMemory
	}

	kfmt.Printf("buddy", "%s ready, free=%d pages, max order=%d", mgr.Name, mgr.NrFreePages(), alloc.MaxOrder())
	return alloc, nil
}
