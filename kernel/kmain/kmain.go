// Package kmain boots the physical memory subsystem and exposes it through a
// single System context.
package kmain

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/hal/multiboot"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/kmalloc"
	"github.com/Aaronyzb/oslab2/kernel/mem/physmem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm/allocator"
	"github.com/Aaronyzb/oslab2/kernel/mem/slab"
	"github.com/Aaronyzb/oslab2/kernel/sync"
)

var (
	errConfigNoFrames    = &kernel.Error{Module: "kmain", Message: "at least one frame is required"}
	errConfigAllReserved = &kernel.Error{Module: "kmain", Message: "reserved frames leave no memory available"}
	errConfigFrameZero   = &kernel.Error{Module: "kmain", Message: "frame 0 must be reserved"}
	errConfigLogLevel    = &kernel.Error{Module: "kmain", Message: "unknown log level"}
	errSystemClosed      = &kernel.Error{Module: "kmain", Message: "system has been shut down"}
)

// Config describes the simulated machine booted by Boot.
type Config struct {
	// Frames is the number of physical frames in the machine.
	Frames uint64

	// BaseFrame is the index of the first physical frame.
	BaseFrame pmm.Frame

	// Reserved is the number of frames at the start of memory that the
	// boot memory map reports as reserved.
	Reserved uint64

	// UseMmap backs physical memory with an anonymous mapping instead of
	// the Go heap.
	UseMmap bool

	// LogLevel is one of trace, debug, info, warn or error.
	LogLevel string
}

// DefaultConfig returns a 128 MiB machine whose first MiB is reserved.
func DefaultConfig() Config {
	return Config{
		Frames:   32768,
		Reserved: 256,
		UseMmap:  true,
		LogLevel: "info",
	}
}

func (cfg Config) validate() *kernel.Error {
	switch {
	case cfg.Frames == 0:
		return errConfigNoFrames
	case cfg.Reserved >= cfg.Frames:
		return errConfigAllReserved
	case cfg.BaseFrame == 0 && cfg.Reserved == 0:
		return errConfigFrameZero
	}

	if _, ok := kfmt.LevelFromName(cfg.LogLevel); !ok {
		return errConfigLogLevel
	}

	return nil
}

// MemoryMap returns the boot memory map describing the configured machine.
func (cfg Config) MemoryMap() multiboot.MemoryMap {
	var (
		memMap multiboot.MemoryMap
		start  = uint64(cfg.BaseFrame.Address())
	)

	if cfg.Reserved > 0 {
		memMap = append(memMap, multiboot.MemoryMapEntry{
			PhysAddress: start,
			Length:      cfg.Reserved << mem.PageShift,
			Type:        multiboot.MemReserved,
		})
	}

	return append(memMap, multiboot.MemoryMapEntry{
		PhysAddress: start + cfg.Reserved<<mem.PageShift,
		Length:      (cfg.Frames - cfg.Reserved) << mem.PageShift,
		Type:        multiboot.MemAvailable,
	})
}

// System owns every allocator of the memory subsystem. Its methods may be
// called from multiple goroutines; a spinlock admits one caller at a time.
type System struct {
	lock sync.Spinlock

	cfg     Config
	arena   *physmem.Arena
	buddy   *allocator.BuddyAllocator
	kmalloc *kmalloc.Allocator
}

// Boot brings up the memory subsystem for the machine described by cfg: it
// allocates physical memory, registers the available regions with the buddy
// allocator and creates the kmalloc size class caches.
func Boot(cfg Config) (*System, *kernel.Error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	level, _ := kfmt.LevelFromName(cfg.LogLevel)
	kfmt.SetLevel(level)

	arena, err := physmem.New(cfg.BaseFrame, cfg.Frames, cfg.UseMmap)
	if err != nil {
		return nil, err
	}

	buddy, err := allocator.Init(pmm.NewFrameTable(cfg.BaseFrame, cfg.Frames), cfg.MemoryMap())
	if err != nil {
		_ = arena.Close()
		return nil, err
	}

	sys := &System{
		cfg:     cfg,
		arena:   arena,
		buddy:   buddy,
		kmalloc: kmalloc.New(buddy, arena),
	}
	sys.kmalloc.Init()

	kfmt.Logger().Info().
		Str("module", "kmain").
		Uint64("frames", cfg.Frames).
		Uint64("free_pages", buddy.NrFreePages()).
		Bool("mmap", arena.Mapped()).
		Msg("memory subsystem ready")

	return sys, nil
}

// Config returns the configuration the system was booted with.
func (sys *System) Config() Config {
	return sys.cfg
}

// AllocPages reserves a block of at least n contiguous frames.
func (sys *System) AllocPages(n uint64) (pmm.Frame, *kernel.Error) {
	sys.lock.Acquire()
	defer sys.lock.Release()

	if sys.arena == nil {
		return pmm.InvalidFrame, errSystemClosed
	}
	return sys.buddy.AllocPages(n)
}

// FreePages releases a block obtained by AllocPages(n).
func (sys *System) FreePages(base pmm.Frame, n uint64) *kernel.Error {
	sys.lock.Acquire()
	defer sys.lock.Release()

	if sys.arena == nil {
		return errSystemClosed
	}
	sys.buddy.FreePages(base, n)
	return nil
}

// NrFreePages returns the number of free frames.
func (sys *System) NrFreePages() uint64 {
	sys.lock.Acquire()
	defer sys.lock.Release()

	return sys.buddy.NrFreePages()
}

// FreeAreas returns the number of free blocks per order.
func (sys *System) FreeAreas() []allocator.FreeAreaStat {
	sys.lock.Acquire()
	defer sys.lock.Release()

	return sys.buddy.FreeAreas()
}

// Kmalloc returns the physical address of a block of at least size bytes.
func (sys *System) Kmalloc(size mem.Size) (uintptr, *kernel.Error) {
	sys.lock.Acquire()
	defer sys.lock.Release()

	if sys.arena == nil {
		return 0, errSystemClosed
	}
	return sys.kmalloc.Alloc(size)
}

// Kfree releases a block obtained by Kmalloc(size).
func (sys *System) Kfree(addr uintptr, size mem.Size) *kernel.Error {
	sys.lock.Acquire()
	defer sys.lock.Release()

	if sys.arena == nil {
		return errSystemClosed
	}
	sys.kmalloc.Free(addr, size)
	return nil
}

// Bytes returns the contents of size bytes of physical memory at addr or nil
// if the range is not backed by the machine's memory.
func (sys *System) Bytes(addr uintptr, size mem.Size) []byte {
	sys.lock.Acquire()
	defer sys.lock.Release()

	if sys.arena == nil {
		return nil
	}
	return sys.arena.Bytes(addr, size)
}

// CacheStats returns the occupancy of each kmalloc size class.
func (sys *System) CacheStats() []slab.Stats {
	sys.lock.Acquire()
	defer sys.lock.Release()

	caches := sys.kmalloc.Caches()
	stats := make([]slab.Stats, 0, len(caches))
	for _, cache := range caches {
		stats = append(stats, cache.Stats())
	}

	return stats
}

// CheckBuddy runs the buddy allocator self-test.
func (sys *System) CheckBuddy() {
	sys.lock.Acquire()
	defer sys.lock.Release()

	sys.buddy.Manager().Check()
}

// CheckSlub runs the kmalloc self-test.
func (sys *System) CheckSlub() {
	sys.lock.Acquire()
	defer sys.lock.Release()

	sys.kmalloc.Check()
}

// Close releases the machine's physical memory. The system must not be used
// afterwards.
func (sys *System) Close() *kernel.Error {
	sys.lock.Acquire()
	defer sys.lock.Release()

	if sys.arena == nil {
		return nil
	}

	err := sys.arena.Close()
	sys.arena = nil
	return err
}
