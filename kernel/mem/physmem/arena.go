// Package physmem provides the byte storage that backs the simulated physical
// frames. Allocator metadata that lives inside managed memory (slab headers,
// object freelists) is read and written through an Arena.
package physmem

import (
	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
)

var (
	errArenaEmpty     = &kernel.Error{Module: "physmem", Message: "arena must contain at least one frame"}
	errArenaTooLarge  = &kernel.Error{Module: "physmem", Message: "arena size overflows the address space"}
	errArenaMapFailed = &kernel.Error{Module: "physmem", Message: "unable to map arena memory"}
)

// Arena is a contiguous run of simulated physical frames. Frame f of the arena
// lives at physical address f.Address().
type Arena struct {
	base  pmm.Frame
	count uint64

	start uintptr
	data  []byte

	mapped bool
}

// New returns an arena covering count frames starting at base. When useMmap is
// set the arena is backed by an anonymous private mapping, otherwise (or if
// the platform cannot map memory) it is backed by the Go heap.
func New(base pmm.Frame, count uint64, useMmap bool) (*Arena, *kernel.Error) {
	if count == 0 {
		return nil, errArenaEmpty
	}

	size := count << mem.PageShift
	if size>>mem.PageShift != count || uint64(base)+count < uint64(base) || int(size) < 0 {
		return nil, errArenaTooLarge
	}

	arena := &Arena{
		base:  base,
		count: count,
		start: base.Address(),
	}

	if useMmap {
		data, err := mapAnon(int(size))
		switch err {
		case nil:
			arena.data = data
			arena.mapped = true
		case errMmapUnsupported:
			kfmt.Logger().Warn().Str("module", "physmem").Msg("mmap not supported on this platform; using heap backing")
		default:
			kfmt.Logger().Error().Str("module", "physmem").Err(err).Msg("mmap failed")
			return nil, errArenaMapFailed
		}
	}

	if arena.data == nil {
		arena.data = make([]byte, size)
	}

	kfmt.Logger().Debug().
		Str("module", "physmem").
		Uint64("base_frame", uint64(base)).
		Uint64("frames", count).
		Bool("mmap", arena.mapped).
		Msg("arena ready")

	return arena, nil
}

// Base returns the first frame of the arena.
func (a *Arena) Base() pmm.Frame {
	return a.base
}

// Len returns the number of frames in the arena.
func (a *Arena) Len() uint64 {
	return a.count
}

// Mapped returns true if the arena is backed by an anonymous memory mapping.
func (a *Arena) Mapped() bool {
	return a.mapped
}

// Bytes returns the size bytes starting at physical address addr. It returns
// nil if any part of the range lies outside the arena or the arena has been
// closed.
func (a *Arena) Bytes(addr uintptr, size mem.Size) []byte {
	if addr < a.start {
		return nil
	}

	off := uint64(addr - a.start)
	if off > uint64(len(a.data)) || uint64(size) > uint64(len(a.data))-off {
		return nil
	}

	return a.data[off : off+uint64(size) : off+uint64(size)]
}

// FrameBytes returns the contents of frame f or nil if f is not part of the
// arena.
func (a *Arena) FrameBytes(f pmm.Frame) []byte {
	return a.Bytes(f.Address(), mem.PageSize)
}

// Close releases the arena backing storage. Any slices previously returned by
// Bytes must not be used afterwards.
func (a *Arena) Close() *kernel.Error {
	if a.data == nil {
		return nil
	}

	if a.mapped {
		if err := unmap(a.data); err != nil {
			kfmt.Logger().Error().Str("module", "physmem").Err(err).Msg("munmap failed")
			return errArenaMapFailed
		}
	}

	a.data = nil
	a.mapped = false
	return nil
}
