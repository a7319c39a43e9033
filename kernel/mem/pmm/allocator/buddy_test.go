package allocator

import (
	"os"
	"testing"

	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	kfmt.SetOutputSink(nil)
	os.Exit(m.Run())
}

func newTestAllocator(t *testing.T, base pmm.Frame, count uint64) *BuddyAllocator {
	t.Helper()

	alloc := NewBuddyAllocator(pmm.NewFrameTable(base, count))
	alloc.InitMemmap(base, count)
	verifyFreeLists(t, alloc)
	return alloc
}

// verifyFreeLists checks the free list invariants: every listed block head is
// flagged, carries its order, is aligned to it and the block sizes add up to
// the free page counter.
func verifyFreeLists(t *testing.T, alloc *BuddyAllocator) {
	t.Helper()

	var total uint64
	for ord := mem.PageOrder(0); ord <= mem.MaxPageOrder; ord++ {
		blocks := alloc.FreeBlocks(ord)
		require.Len(t, blocks, int(alloc.freeAreas[ord].nrFree), "ord(%d): free block counter mismatch", ord)

		for _, frame := range blocks {
			page := alloc.frames.Page(frame)
			require.True(t, page.HasFlags(pmm.FlagProperty), "ord(%d): frame %d is not flagged as a block head", ord, frame)
			require.Equal(t, uint32(ord), page.Property, "ord(%d): frame %d carries the wrong order", ord, frame)
			require.True(t, frame.IsAligned(ord), "ord(%d): frame %d is misaligned", ord, frame)
			total += ord.Pages()
		}
	}

	require.Equal(t, alloc.NrFreePages(), total, "free page counter does not match the free lists")
}

func TestBuddyInitMemmapPartition(t *testing.T) {
	specs := []struct {
		tableBase   pmm.Frame
		tableLen    uint64
		base        pmm.Frame
		count       uint64
		expMaxOrder mem.PageOrder
		expBlocks   map[mem.PageOrder][]pmm.Frame
	}{
		{
			0, 16, 0, 16, 4,
			map[mem.PageOrder][]pmm.Frame{4: {0}},
		},
		{
			0, 16, 3, 13, 4,
			map[mem.PageOrder][]pmm.Frame{0: {3}, 2: {4}, 3: {8}},
		},
		{
			// non-zero base; alignment is relative to the absolute frame index
			1000, 24, 1000, 24, 4,
			map[mem.PageOrder][]pmm.Frame{3: {1000}, 4: {1008}},
		},
		{
			0, 12, 0, 12, 3,
			map[mem.PageOrder][]pmm.Frame{2: {8}, 3: {0}},
		},
	}

	for specIndex, spec := range specs {
		alloc := NewBuddyAllocator(pmm.NewFrameTable(spec.tableBase, spec.tableLen))
		alloc.InitMemmap(spec.base, spec.count)

		require.Equal(t, spec.expMaxOrder, alloc.MaxOrder(), "[spec %d] max order", specIndex)
		require.Equal(t, spec.count, alloc.NrFreePages(), "[spec %d] free pages", specIndex)
		for ord := mem.PageOrder(0); ord <= alloc.MaxOrder(); ord++ {
			require.Equal(t, spec.expBlocks[ord], alloc.FreeBlocks(ord), "[spec %d] free blocks for ord(%d)", specIndex, ord)
		}
		verifyFreeLists(t, alloc)
	}
}

func TestBuddyInitMemmapMultipleRegions(t *testing.T) {
	frames := pmm.NewFrameTable(0, 64)
	alloc := NewBuddyAllocator(frames)

	alloc.InitMemmap(0, 0)
	require.Zero(t, alloc.NrFreePages())

	alloc.InitMemmap(0, 16)
	alloc.InitMemmap(32, 32)
	require.Equal(t, uint64(48), alloc.NrFreePages())
	require.Equal(t, mem.PageOrder(6), alloc.MaxOrder())
	require.Equal(t, []pmm.Frame{0}, alloc.FreeBlocks(4))
	require.Equal(t, []pmm.Frame{32}, alloc.FreeBlocks(5))

	// frames outside the registered regions stay reserved
	require.True(t, frames.Page(16).HasFlags(pmm.FlagReserved))
	require.False(t, frames.Page(0).HasFlags(pmm.FlagReserved))

	// Freeing the 32 page block must not merge with the 16 page block at
	// frame 0 as their orders differ.
	block, err := alloc.AllocPages(32)
	require.Nil(t, err)
	require.Equal(t, pmm.Frame(32), block)
	alloc.FreePages(block, 32)
	require.Equal(t, []pmm.Frame{32}, alloc.FreeBlocks(5))
	require.Equal(t, []pmm.Frame{0}, alloc.FreeBlocks(4))
	verifyFreeLists(t, alloc)
}

func TestBuddyInitResets(t *testing.T) {
	alloc := newTestAllocator(t, 0, 16)
	alloc.Init()

	require.Zero(t, alloc.NrFreePages())
	require.Zero(t, alloc.MaxOrder())
	for _, stat := range alloc.FreeAreas() {
		require.Zero(t, stat.FreeBlocks)
	}

	_, err := alloc.AllocPages(1)
	require.Equal(t, errBuddyAllocOutOfMemory, err)
}

func TestBuddyAllocFreeScenario(t *testing.T) {
	alloc := newTestAllocator(t, 0, 16)

	p1, err := alloc.AllocPages(1)
	require.Nil(t, err)
	require.Equal(t, pmm.Frame(0), p1)
	require.Equal(t, uint64(15), alloc.NrFreePages())

	// The split of the 16 page block leaves one block per lower order.
	require.Equal(t, []pmm.Frame{8}, alloc.FreeBlocks(3))
	require.Equal(t, []pmm.Frame{4}, alloc.FreeBlocks(2))
	require.Equal(t, []pmm.Frame{2}, alloc.FreeBlocks(1))
	require.Equal(t, []pmm.Frame{1}, alloc.FreeBlocks(0))
	verifyFreeLists(t, alloc)

	p3, err := alloc.AllocPages(3)
	require.Nil(t, err)
	require.Equal(t, pmm.Frame(4), p3)
	require.Equal(t, uint64(11), alloc.NrFreePages(), "3 pages are rounded up to a 4 page block")

	alloc.FreePages(p1, 1)
	alloc.FreePages(p3, 3)
	require.Equal(t, uint64(16), alloc.NrFreePages())
	require.Equal(t, []pmm.Frame{0}, alloc.FreeBlocks(4))
	verifyFreeLists(t, alloc)
}

func TestBuddyMergeHalves(t *testing.T) {
	specs := []struct {
		name       string
		firstHalf  pmm.Frame
		secondHalf pmm.Frame
	}{
		{"right half first", 4, 0},
		{"left half first", 0, 4},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			alloc := newTestAllocator(t, 0, 16)

			b8, err := alloc.AllocPages(8)
			require.Nil(t, err)
			require.Equal(t, pmm.Frame(0), b8)

			// Keep the other 8 page block allocated so the merged
			// block cannot grow past order 3.
			other, err := alloc.AllocPages(8)
			require.Nil(t, err)
			require.Equal(t, pmm.Frame(8), other)

			alloc.FreePages(b8+spec.firstHalf, 4)
			require.Equal(t, []pmm.Frame{b8 + spec.firstHalf}, alloc.FreeBlocks(2))

			alloc.FreePages(b8+spec.secondHalf, 4)
			require.Empty(t, alloc.FreeBlocks(2), "expected the 4 page halves to merge")
			require.Equal(t, []pmm.Frame{b8}, alloc.FreeBlocks(3))
			verifyFreeLists(t, alloc)

			alloc.FreePages(other, 8)
			require.Equal(t, uint64(16), alloc.NrFreePages())
			require.Equal(t, []pmm.Frame{0}, alloc.FreeBlocks(4))
		})
	}
}

func TestBuddyMergeStopsAtDirectoryEnd(t *testing.T) {
	alloc := newTestAllocator(t, 0, 12)

	block, err := alloc.AllocPages(4)
	require.Nil(t, err)
	require.Equal(t, pmm.Frame(8), block)

	// The buddy of [8, 12) at order 2 starts at frame 12 which does not exist.
	alloc.FreePages(block, 4)
	require.Equal(t, []pmm.Frame{8}, alloc.FreeBlocks(2))
	require.Equal(t, uint64(12), alloc.NrFreePages())
	verifyFreeLists(t, alloc)
}

func TestBuddyAlignmentAndRounding(t *testing.T) {
	const total = 64
	alloc := newTestAllocator(t, 0, total)

	for n := uint64(1); n <= total; n++ {
		order := mem.OrderForPages(n)

		frame, err := alloc.AllocPages(n)
		require.Nil(t, err, "alloc(%d)", n)
		require.True(t, frame.IsAligned(order), "alloc(%d) returned misaligned frame %d", n, frame)
		require.Equal(t, uint64(total)-order.Pages(), alloc.NrFreePages(), "alloc(%d) must reserve exactly %d pages", n, order.Pages())
		verifyFreeLists(t, alloc)

		alloc.FreePages(frame, n)
		require.Equal(t, uint64(total), alloc.NrFreePages(), "free(%d)", n)
		require.Equal(t, []pmm.Frame{0}, alloc.FreeBlocks(6))
	}
}

func TestBuddyAllocErrors(t *testing.T) {
	alloc := newTestAllocator(t, 0, 16)

	_, err := alloc.AllocPages(0)
	require.Equal(t, errBuddyAllocInvalidRequest, err)

	frame, err := alloc.AllocPages(17)
	require.Equal(t, errBuddyAllocOutOfMemory, err)
	require.Equal(t, pmm.InvalidFrame, frame)
	require.Equal(t, uint64(16), alloc.NrFreePages())

	// Fragment memory: allocate every frame and free every other one.
	var frames []pmm.Frame
	for i := 0; i < 16; i++ {
		f, err := alloc.AllocPages(1)
		require.Nil(t, err)
		frames = append(frames, f)
	}
	_, err = alloc.AllocPages(1)
	require.Equal(t, errBuddyAllocOutOfMemory, err)

	for _, f := range frames {
		if f%2 == 0 {
			alloc.FreePages(f, 1)
		}
	}
	require.Equal(t, uint64(8), alloc.NrFreePages())

	// Enough pages in total but no contiguous pair.
	_, err = alloc.AllocPages(2)
	require.Equal(t, errBuddyAllocFragmented, err)
	require.Equal(t, uint64(8), alloc.NrFreePages())

	for _, f := range frames {
		if f%2 == 1 {
			alloc.FreePages(f, 1)
		}
	}
	require.Equal(t, uint64(16), alloc.NrFreePages())
	require.Equal(t, []pmm.Frame{0}, alloc.FreeBlocks(4))
}

func TestBuddyFreeZeroPagesIsNoop(t *testing.T) {
	alloc := newTestAllocator(t, 0, 16)
	alloc.FreePages(0, 0)
	require.Equal(t, uint64(16), alloc.NrFreePages())
}

func TestBuddyFreeInvariantViolations(t *testing.T) {
	specs := []struct {
		name   string
		setup  func(alloc *BuddyAllocator) (pmm.Frame, uint64)
		expErr interface{}
	}{
		{
			"frame outside directory",
			func(_ *BuddyAllocator) (pmm.Frame, uint64) { return 100, 1 },
			errBuddyAllocFrameNotManaged,
		},
		{
			"misaligned block",
			func(alloc *BuddyAllocator) (pmm.Frame, uint64) {
				_, _ = alloc.AllocPages(4)
				return 1, 2
			},
			errBuddyAllocMisalignedFree,
		},
		{
			"double free",
			func(alloc *BuddyAllocator) (pmm.Frame, uint64) {
				frame, _ := alloc.AllocPages(1)
				alloc.FreePages(frame, 1)
				return frame, 1
			},
			errBuddyAllocDoubleFree,
		},
		{
			"block already merged into a larger free block",
			func(alloc *BuddyAllocator) (pmm.Frame, uint64) {
				frame, _ := alloc.AllocPages(8)
				alloc.FreePages(frame, 8)
				return frame + 8, 8
			},
			errBuddyAllocDoubleFree,
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			alloc := newTestAllocator(t, 0, 16)
			frame, n := spec.setup(alloc)
			freePages := alloc.NrFreePages()
			require.PanicsWithValue(t, spec.expErr, func() { alloc.FreePages(frame, n) })
			require.Equal(t, freePages, alloc.NrFreePages(), "rejected free must not change the free count")
		})
	}

	t.Run("reserved frame", func(t *testing.T) {
		alloc := NewBuddyAllocator(pmm.NewFrameTable(0, 32))
		alloc.InitMemmap(0, 16)
		require.PanicsWithValue(t, errBuddyAllocFrameNotManaged, func() { alloc.FreePages(16, 1) })
	})

	t.Run("init_memmap outside directory", func(t *testing.T) {
		alloc := NewBuddyAllocator(pmm.NewFrameTable(0, 8))
		require.PanicsWithValue(t, errBuddyAllocFrameNotManaged, func() { alloc.InitMemmap(4, 8) })
	})
}

func TestBuddyRandomConservation(t *testing.T) {
	alloc := newTestAllocator(t, 7, 1017)
	baseline := alloc.NrFreePages()

	type block struct {
		frame pmm.Frame
		pages uint64
	}

	var (
		rng  = mem.NewLCG(42)
		live []block
	)
	for step := 0; step < 2000; step++ {
		if rng.Intn(2) == 0 && len(live) > 0 {
			k := rng.Intn(len(live))
			alloc.FreePages(live[k].frame, live[k].pages)
			live = append(live[:k], live[k+1:]...)
		} else {
			n := uint64(rng.Intn(64)) + 1
			before := alloc.NrFreePages()
			frame, err := alloc.AllocPages(n)
			if err != nil {
				require.Equal(t, before, alloc.NrFreePages(), "failed allocation must not change the free count")
				continue
			}
			require.True(t, frame.IsAligned(mem.OrderForPages(n)))
			require.Equal(t, before-mem.OrderForPages(n).Pages(), alloc.NrFreePages())
			live = append(live, block{frame, n})
		}

		if step%100 == 0 {
			verifyFreeLists(t, alloc)
		}
	}

	for _, blk := range live {
		alloc.FreePages(blk.frame, blk.pages)
	}
	require.Equal(t, baseline, alloc.NrFreePages())
	verifyFreeLists(t, alloc)
}

func TestBuddyManager(t *testing.T) {
	alloc := NewBuddyAllocator(pmm.NewFrameTable(0, 64))
	mgr := alloc.Manager()

	require.Equal(t, "buddy_pmm_manager", mgr.Name)

	mgr.Init()
	mgr.InitMemmap(0, 64)
	require.Equal(t, uint64(64), mgr.NrFreePages())

	frame, err := mgr.AllocPages(5)
	require.Nil(t, err)
	require.Equal(t, uint64(56), mgr.NrFreePages())

	mgr.FreePages(frame, 5)
	require.Equal(t, uint64(64), mgr.NrFreePages())

	mgr.Check()
	require.Equal(t, uint64(64), mgr.NrFreePages())
}

func TestBuddyFreeAreas(t *testing.T) {
	alloc := newTestAllocator(t, 0, 16)
	_, err := alloc.AllocPages(1)
	require.Nil(t, err)

	exp := []FreeAreaStat{
		{Order: 0, FreeBlocks: 1},
		{Order: 1, FreeBlocks: 1},
		{Order: 2, FreeBlocks: 1},
		{Order: 3, FreeBlocks: 1},
		{Order: 4, FreeBlocks: 0},
	}
	require.Equal(t, exp, alloc.FreeAreas())
}
