package allocator

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
)

const (
	// checkSeed seeds the pseudo-random stress phase of Check.
	checkSeed = 1

	checkStressSteps   = 512
	checkMaxLiveBlocks = 128
	checkMaxRequest    = 32
)

var (
	errBuddyCheckAllocFailed = &kernel.Error{Module: "buddy_check", Message: "allocation failed"}
	errBuddyCheckMisaligned  = &kernel.Error{Module: "buddy_check", Message: "allocated block is not aligned to its order"}
	errBuddyCheckLeak        = &kernel.Error{Module: "buddy_check", Message: "free page count was not restored"}
	errBuddyCheckOversized   = &kernel.Error{Module: "buddy_check", Message: "request larger than free memory succeeded"}
)

type liveBlock struct {
	frame pmm.Frame
	pages uint64
}

// Check runs a deterministic self-test against the allocator. It exercises
// rounding, splitting, merging, the out-of-memory boundary and a seeded
// random alloc/free sequence. Check halts the kernel if any step fails and
// leaves the free page count unchanged on success. The allocator must
// manage at least 32 free frames.
func (alloc *BuddyAllocator) Check() {
	kfmt.Printf("buddy", "check begin")
	baseline := alloc.NrFreePages()

	// Sanity and rounding of non power-of-two requests.
	p1 := alloc.mustAlloc(1)
	p3 := alloc.mustAlloc(3)
	alloc.FreePages(p1, 1)
	alloc.FreePages(p3, 3)
	alloc.assertFree(baseline)

	// An 8 page block freed as two 4 page halves must merge back.
	b8 := alloc.mustAlloc(8)
	alloc.FreePages(b8+4, 4)
	alloc.FreePages(b8, 4)
	alloc.assertFree(baseline)

	// Interleaved orders freed out of order.
	a4 := alloc.mustAlloc(4)
	b2 := alloc.mustAlloc(2)
	c1 := alloc.mustAlloc(1)
	alloc.FreePages(c1, 1)
	alloc.FreePages(b2, 2)
	alloc.FreePages(a4, 4)
	alloc.assertFree(baseline)

	// Requests exceeding the free page count are rejected.
	if _, err := alloc.AllocPages(baseline + 1); err == nil {
		kernel.Panic(errBuddyCheckOversized)
	}
	alloc.assertFree(baseline)

	for req := uint64(1); req <= 17; req++ {
		p := alloc.mustAlloc(req)
		alloc.FreePages(p, req)
	}
	alloc.assertFree(baseline)

	// Seeded random stress: roughly two allocations for every free.
	var (
		rng  = mem.NewLCG(checkSeed)
		live = make([]liveBlock, 0, checkMaxLiveBlocks)
	)
	for step := 0; step < checkStressSteps; step++ {
		if rng.Uint32()%3 != 0 && len(live) > 0 {
			k := int(rng.Uint32() % uint32(len(live)))
			alloc.FreePages(live[k].frame, live[k].pages)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		req := uint64(rng.Uint32()%checkMaxRequest) + 1
		p, err := alloc.AllocPages(req)
		if err != nil {
			continue
		}
		alloc.assertAligned(p, req)
		if len(live) < checkMaxLiveBlocks {
			live = append(live, liveBlock{frame: p, pages: req})
		} else {
			alloc.FreePages(p, req)
		}
	}
	for _, blk := range live {
		alloc.FreePages(blk.frame, blk.pages)
	}
	alloc.assertFree(baseline)

	kfmt.Printf("buddy", "check OK, free=%d pages", alloc.NrFreePages())
}

func (alloc *BuddyAllocator) mustAlloc(n uint64) pmm.Frame {
	frame, err := alloc.AllocPages(n)
	if err != nil {
		kernel.Panic(errBuddyCheckAllocFailed)
	}
	alloc.assertAligned(frame, n)
	return frame
}

func (alloc *BuddyAllocator) assertAligned(frame pmm.Frame, n uint64) {
	kernel.Assert(frame.IsAligned(mem.OrderForPages(n)), errBuddyCheckMisaligned)
}

func (alloc *BuddyAllocator) assertFree(exp uint64) {
	kernel.Assert(alloc.NrFreePages() == exp, errBuddyCheckLeak)
}
