package kmalloc

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
)

const (
	// checkSeed seeds the pseudo-random stress phase of Check.
	checkSeed = 1

	checkObjectsPerClass = 256
	checkStressSteps     = 1024
	checkMaxLive         = 256
	checkMaxRequest      = 5000

	// checkPattern is written over every object allocated by Check.
	checkPattern = 0xA5
)

var (
	errCheckAllocFailed = &kernel.Error{Module: "slub_check", Message: "allocation failed"}
	errCheckNoBacking   = &kernel.Error{Module: "slub_check", Message: "allocated block is not backed by memory"}
	errCheckLeak        = &kernel.Error{Module: "slub_check", Message: "free page count was not restored"}
)

type liveObject struct {
	addr uintptr
	size mem.Size
}

// Check runs a deterministic self-test: it fills and releases a batch of
// objects for every size class, allocates blocks around the page size
// boundary and finally runs a seeded random alloc/free sequence. Check halts
// if any step fails or the free page count differs from the one observed on
// entry.
func (a *Allocator) Check() {
	kfmt.Printf("slub", "check begin")
	baseline := a.pages.NrFreePages()

	var objs [checkObjectsPerClass]uintptr
	for _, size := range sizeClasses {
		for j := range objs {
			objs[j] = a.mustAlloc(size)
			a.fill(objs[j], size)
		}
		for j := range objs {
			a.Free(objs[j], size)
		}
	}

	for _, size := range []mem.Size{mem.PageSize - 32, mem.PageSize + 128} {
		addr := a.mustAlloc(size)
		a.fill(addr, size)
		a.Free(addr, size)
	}

	var (
		rng  = mem.NewLCG(checkSeed)
		live = make([]liveObject, 0, checkMaxLive)
	)
	for step := 0; step < checkStressSteps; step++ {
		if rng.Uint32()%3 != 0 && len(live) > 0 {
			k := int(rng.Uint32() % uint32(len(live)))
			a.Free(live[k].addr, live[k].size)
			live[k] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		size := mem.Size(rng.Uint32()%checkMaxRequest) + 1
		addr, err := a.Alloc(size)
		if err != nil {
			continue
		}
		if len(live) < checkMaxLive {
			live = append(live, liveObject{addr: addr, size: size})
		} else {
			a.Free(addr, size)
		}
	}
	for _, obj := range live {
		a.Free(obj.addr, obj.size)
	}

	kernel.Assert(a.pages.NrFreePages() == baseline, errCheckLeak)
	kfmt.Printf("slub", "check OK, free=%d pages", a.pages.NrFreePages())
}

func (a *Allocator) mustAlloc(size mem.Size) uintptr {
	addr, err := a.Alloc(size)
	if err != nil {
		kernel.Panic(errCheckAllocFailed)
	}

	return addr
}

func (a *Allocator) fill(addr uintptr, size mem.Size) {
	buf := a.memory.Bytes(addr, size)
	if buf == nil {
		kernel.Panic(errCheckNoBacking)
	}

	mem.Memset(buf, checkPattern)
}
