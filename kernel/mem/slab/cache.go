// Package slab implements object caches on top of a page allocator. Each cache
// carves fixed-size objects out of slabs: runs of 2^order pages whose first
// bytes hold a header describing the slab. Since slabs are aligned to their
// size, the header of the slab owning an object is found by masking the
// object address.
package slab

import (
	"encoding/binary"

	"github.com/Aaronyzb/oslab2/kernel"
	"github.com/Aaronyzb/oslab2/kernel/kfmt"
	"github.com/Aaronyzb/oslab2/kernel/mem"
	"github.com/Aaronyzb/oslab2/kernel/mem/pmm"
)

var (
	errCacheOutOfMemory = &kernel.Error{Module: "slab", Message: "out of memory"}

	errCacheNoDescriptorPage = &kernel.Error{Module: "slab", Message: "unable to allocate cache descriptor page"}
	errCacheBadAlignment     = &kernel.Error{Module: "slab", Message: "alignment must be a power of two"}
	errCacheBadOrder         = &kernel.Error{Module: "slab", Message: "slab order exceeds the maximum page order"}
	errCacheNoObjects        = &kernel.Error{Module: "slab", Message: "object does not fit in a slab"}
	errCacheBadDescriptor    = &kernel.Error{Module: "slab", Message: "cache descriptor record is corrupted"}
	errSlabNoBacking         = &kernel.Error{Module: "slab", Message: "address is not backed by physical memory"}
	errSlabBadMagic          = &kernel.Error{Module: "slab", Message: "address does not belong to a live slab"}
	errSlabWrongCache        = &kernel.Error{Module: "slab", Message: "object freed to a cache that does not own it"}
	errSlabBadObject         = &kernel.Error{Module: "slab", Message: "address is not the start of an object"}
	errSlabInuseUnderflow    = &kernel.Error{Module: "slab", Message: "free on a slab with no objects in use"}
	errSlabDoubleFree        = &kernel.Error{Module: "slab", Message: "object is already free"}
	errSlabEmptyFreelist     = &kernel.Error{Module: "slab", Message: "partial slab has an empty freelist"}
	errSlabNotOnFullList     = &kernel.Error{Module: "slab", Message: "full slab missing from the full list"}
)

const (
	// cacheMagic marks the first word of a cache descriptor page.
	cacheMagic = uint32(0xcac4e0b1)

	// Cache descriptor record layout. All fields are little-endian.
	descMagicOffset   = 0
	descOrderOffset   = 4
	descObjsOffset    = 8
	descSizeOffset    = 16
	descAlignOffset   = 24
	descNameLenOffset = 32
	descNameOffset    = 34
)

// PageAllocator provides the pages that back slabs and cache descriptors.
type PageAllocator interface {
	// AllocPages reserves a block of at least n contiguous frames aligned
	// to the block size.
	AllocPages(n uint64) (pmm.Frame, *kernel.Error)

	// FreePages releases a block previously obtained by AllocPages(n).
	FreePages(base pmm.Frame, n uint64)
}

// Memory translates physical addresses into the bytes stored there.
type Memory interface {
	// Bytes returns size bytes starting at addr or nil if the range is not
	// backed by memory.
	Bytes(addr uintptr, size mem.Size) []byte
}

// Constructor initializes a freshly carved object. It runs once per object
// when its slab is created. The first machine word of the object is
// overwritten by the freelist afterwards.
type Constructor func(obj []byte)

// Stats describes the occupancy of a cache.
type Stats struct {
	Name           string
	ObjectSize     mem.Size
	Order          mem.PageOrder
	ObjectsPerSlab uint32
	PartialSlabs   int
	FullSlabs      int
	EmptySlabs     int
	LiveObjects    uint64
}

// Cache hands out objects of a single size.
//
// Cache performs no locking; callers must serialize access.
type Cache struct {
	pages  PageAllocator
	memory Memory

	// addr is the address of the descriptor page. Slab headers store it
	// to tag the cache that owns them.
	addr uintptr

	name        string
	objSize     mem.Size
	align       mem.Size
	order       mem.PageOrder
	objsPerSlab uint32
	objOffset   mem.Size
	ctor        Constructor

	partial slabList
	full    slabList
	empty   slabList

	inuseObjs uint64
}

// CreateCache sets up a cache for objects of the given size. Objects are
// aligned to align (rounded up to a machine word) and their size is rounded up
// to a multiple of the alignment. Each slab spans 2^order pages. The cache
// descriptor occupies a page obtained from pages.
//
// CreateCache halts if no descriptor page can be allocated, align is not a
// power of two or a slab cannot hold a single object.
func CreateCache(pages PageAllocator, memory Memory, name string, size, align mem.Size, order mem.PageOrder, ctor Constructor) *Cache {
	descFrame, err := pages.AllocPages(1)
	if err != nil {
		kernel.Panic(errCacheNoDescriptorPage)
	}

	if align < mem.PointerSize {
		align = mem.PointerSize
	}
	if size < mem.PointerSize {
		size = mem.PointerSize
	}

	switch {
	case !align.IsPowerOfTwo():
		kernel.Panic(errCacheBadAlignment)
	case order > mem.MaxPageOrder:
		kernel.Panic(errCacheBadOrder)
	}

	c := &Cache{
		pages:     pages,
		memory:    memory,
		addr:      descFrame.Address(),
		name:      name,
		objSize:   size.AlignUp(align),
		align:     align,
		order:     order,
		objOffset: headerSize.AlignUp(align),
		ctor:      ctor,
		partial:   newSlabList(),
		full:      newSlabList(),
		empty:     newSlabList(),
	}

	if slabBytes := order.Size(); c.objOffset < slabBytes {
		c.objsPerSlab = uint32((slabBytes - c.objOffset) / c.objSize)
	}
	if c.objsPerSlab == 0 {
		kernel.Panic(errCacheNoObjects)
	}

	c.writeDescriptor()

	kfmt.Logger().Debug().
		Str("module", "slab").
		Str("cache", name).
		Uint64("obj_size", uint64(c.objSize)).
		Int("order", int(order)).
		Uint32("objs_per_slab", c.objsPerSlab).
		Msg("created cache")

	return c
}

// OrderFor returns the smallest slab order whose pages can hold at least one
// object of the given size and alignment after the slab header.
func OrderFor(size, align mem.Size) mem.PageOrder {
	if align < mem.PointerSize {
		align = mem.PointerSize
	}

	offset := headerSize.AlignUp(align)
	order := mem.PageOrder(0)
	for order < mem.MaxPageOrder && order.Size() < offset+size {
		order++
	}

	return order
}

// writeDescriptor encodes the cache geometry into the descriptor page.
func (c *Cache) writeDescriptor() {
	desc := c.memory.Bytes(c.addr, mem.PageSize)
	if desc == nil {
		kernel.Panic(errSlabNoBacking)
	}
	mem.Memset(desc, 0)

	binary.LittleEndian.PutUint32(desc[descMagicOffset:], cacheMagic)
	binary.LittleEndian.PutUint16(desc[descOrderOffset:], uint16(c.order))
	binary.LittleEndian.PutUint32(desc[descObjsOffset:], c.objsPerSlab)
	binary.LittleEndian.PutUint64(desc[descSizeOffset:], uint64(c.objSize))
	binary.LittleEndian.PutUint64(desc[descAlignOffset:], uint64(c.align))

	name := c.name
	if maxLen := len(desc) - descNameOffset; len(name) > maxLen {
		name = name[:maxLen]
	}
	binary.LittleEndian.PutUint16(desc[descNameLenOffset:], uint16(len(name)))
	copy(desc[descNameOffset:], name)
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the size of each object after alignment.
func (c *Cache) ObjectSize() mem.Size { return c.objSize }

// ObjectsPerSlab returns the number of objects carved out of each slab.
func (c *Cache) ObjectsPerSlab() uint32 { return c.objsPerSlab }

// Order returns the order of the page blocks backing each slab.
func (c *Cache) Order() mem.PageOrder { return c.order }

// Addr returns the address of the cache descriptor.
func (c *Cache) Addr() uintptr { return c.addr }

// Stats returns a snapshot of the cache occupancy. The cache geometry is
// decoded from the descriptor record.
func (c *Cache) Stats() Stats {
	desc := c.descriptor()
	nameLen := int(binary.LittleEndian.Uint16(desc[descNameLenOffset:]))

	return Stats{
		Name:           string(desc[descNameOffset : descNameOffset+nameLen]),
		ObjectSize:     mem.Size(binary.LittleEndian.Uint64(desc[descSizeOffset:])),
		Order:          mem.PageOrder(binary.LittleEndian.Uint16(desc[descOrderOffset:])),
		ObjectsPerSlab: binary.LittleEndian.Uint32(desc[descObjsOffset:]),
		PartialSlabs:   c.partial.count,
		FullSlabs:      c.full.count,
		EmptySlabs:     c.empty.count,
		LiveObjects:    c.inuseObjs,
	}
}

// descriptor returns the bytes of the descriptor record. It halts if the
// record has been overwritten.
func (c *Cache) descriptor() []byte {
	desc := c.memory.Bytes(c.addr, mem.PageSize)
	if desc == nil {
		kernel.Panic(errSlabNoBacking)
	}

	nameLen := int(binary.LittleEndian.Uint16(desc[descNameLenOffset:]))
	if binary.LittleEndian.Uint32(desc[descMagicOffset:]) != cacheMagic || nameLen > len(desc)-descNameOffset {
		kernel.Panic(errCacheBadDescriptor)
	}

	return desc
}

// Alloc returns the address of a free object. A new slab is created when no
// partially used slab is available; errCacheOutOfMemory is returned if the
// page allocator cannot provide one.
func (c *Cache) Alloc() (uintptr, *kernel.Error) {
	base := c.partial.head
	if base == nilSlab {
		if c.empty.head != nilSlab {
			base = c.empty.head
			c.unlinkSlab(&c.empty, base)
			c.pushSlab(&c.partial, base)
		} else {
			var err *kernel.Error
			if base, err = c.grow(); err != nil {
				return 0, errCacheOutOfMemory
			}
		}
	}

	hdr := c.header(base)
	obj := hdr.freelist()
	if obj == 0 {
		kernel.Panic(errSlabEmptyFreelist)
	}

	hdr.setFreelist(c.loadNext(obj))
	hdr.setInuse(hdr.inuse() + 1)
	c.inuseObjs++

	if hdr.inuse() == hdr.total() {
		c.unlinkSlab(&c.partial, base)
		c.pushSlab(&c.full, base)
	}

	return obj, nil
}

// Free returns the object at addr to the cache. The pages of a slab are
// released to the page allocator as soon as its last object is freed.
//
// Free halts if addr was not handed out by this cache or is already free.
func (c *Cache) Free(addr uintptr) {
	base := addr &^ (uintptr(c.order.Size()) - 1)
	hdr := c.header(base)

	switch {
	case hdr.magic() != slabMagic:
		kernel.Panic(errSlabBadMagic)
	case hdr.cache() != c.addr:
		kernel.Panic(errSlabWrongCache)
	case !c.isObject(base, addr):
		kernel.Panic(errSlabBadObject)
	case hdr.inuse() == 0:
		kernel.Panic(errSlabInuseUnderflow)
	}

	for cur := hdr.freelist(); cur != 0; cur = c.loadNext(cur) {
		if cur == addr {
			kernel.Panic(errSlabDoubleFree)
		}
	}

	c.storeNext(addr, hdr.freelist())
	hdr.setFreelist(addr)
	hdr.setInuse(hdr.inuse() - 1)
	c.inuseObjs--

	if hdr.inuse() == hdr.total()-1 {
		if !c.containsSlab(&c.full, base) {
			kernel.Panic(errSlabNotOnFullList)
		}
		c.unlinkSlab(&c.full, base)
		c.pushSlab(&c.partial, base)
	}

	if hdr.inuse() == 0 {
		c.unlinkSlab(&c.partial, base)
		c.release(base)
	}
}

// isObject returns true if addr is the start of one of the objects carved out
// of the slab at base.
func (c *Cache) isObject(base, addr uintptr) bool {
	if addr < base+uintptr(c.objOffset) {
		return false
	}

	off := addr - base - uintptr(c.objOffset)
	return off%uintptr(c.objSize) == 0 && off/uintptr(c.objSize) < uintptr(c.objsPerSlab)
}

// Destroy is a no-op; caches live for the lifetime of the system.
func (c *Cache) Destroy() {}

// grow allocates a new slab, threads all its objects into the freelist and
// adds it to the partial list.
func (c *Cache) grow() (uintptr, *kernel.Error) {
	frame, err := c.pages.AllocPages(c.order.Pages())
	if err != nil {
		return nilSlab, err
	}

	base := frame.Address()
	buf := c.memory.Bytes(base, c.order.Size())
	if buf == nil {
		kernel.Panic(errSlabNoBacking)
	}

	hdr := slabHeader(buf[:headerSize])
	hdr.setMagic(slabMagic)
	hdr.setOrder(c.order)
	hdr.setInuse(0)
	hdr.setTotal(c.objsPerSlab)
	hdr.setCache(c.addr)

	if c.ctor != nil {
		for i := uint32(0); i < c.objsPerSlab; i++ {
			off := c.objOffset + mem.Size(i)*c.objSize
			c.ctor(buf[off : off+c.objSize : off+c.objSize])
		}
	}

	var next uintptr
	for i := int64(c.objsPerSlab) - 1; i >= 0; i-- {
		off := c.objOffset + mem.Size(i)*c.objSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(next))
		next = base + uintptr(off)
	}
	hdr.setFreelist(next)

	c.pushSlab(&c.partial, base)

	kfmt.Logger().Debug().
		Str("module", "slab").
		Str("cache", c.name).
		Uint64("slab", uint64(base)).
		Msg("grow")

	return base, nil
}

// release returns the pages of an unlinked slab to the page allocator.
func (c *Cache) release(base uintptr) {
	hdr := c.header(base)
	order := hdr.order()
	hdr.setMagic(0)
	hdr.setCache(0)

	c.pages.FreePages(pmm.FrameFromAddress(base), order.Pages())

	kfmt.Logger().Debug().
		Str("module", "slab").
		Str("cache", c.name).
		Uint64("slab", uint64(base)).
		Msg("release")
}

// header returns a view of the header for the slab at base.
func (c *Cache) header(base uintptr) slabHeader {
	buf := c.memory.Bytes(base, headerSize)
	if buf == nil {
		kernel.Panic(errSlabNoBacking)
	}

	return slabHeader(buf)
}

// loadNext returns the next-free address stored in the free object at obj.
func (c *Cache) loadNext(obj uintptr) uintptr {
	return uintptr(binary.LittleEndian.Uint64(c.word(obj)))
}

func (c *Cache) storeNext(obj, next uintptr) {
	binary.LittleEndian.PutUint64(c.word(obj), uint64(next))
}

func (c *Cache) word(addr uintptr) []byte {
	buf := c.memory.Bytes(addr, mem.PointerSize)
	if buf == nil {
		kernel.Panic(errSlabNoBacking)
	}

	return buf
}
