package slab

import (
	"encoding/binary"

	"github.com/Aaronyzb/oslab2/kernel/mem"
)

const (
	// slabMagic marks the first word of every live slab.
	slabMagic = uint32(0x51ab0b1e)

	// nilSlab terminates the slab lists. Address 0 may be the base of a
	// valid slab so it cannot be used for this purpose.
	nilSlab = ^uintptr(0)

	// Slab header layout. All fields are little-endian.
	hdrMagicOffset    = 0
	hdrOrderOffset    = 4
	hdrInuseOffset    = 8
	hdrTotalOffset    = 12
	hdrCacheOffset    = 16
	hdrFreelistOffset = 24
	hdrPrevOffset     = 32
	hdrNextOffset     = 40

	// headerSize is the number of bytes reserved for the header at the base
	// of each slab.
	headerSize = mem.Size(48)
)

// slabHeader is a view over the header bytes stored at the base of a slab.
// The freelist holds the address of the first free object; each free object
// stores the address of the next one in its first word and 0 ends the list.
type slabHeader []byte

func (h slabHeader) magic() uint32 {
	return binary.LittleEndian.Uint32(h[hdrMagicOffset:])
}

func (h slabHeader) setMagic(v uint32) {
	binary.LittleEndian.PutUint32(h[hdrMagicOffset:], v)
}

func (h slabHeader) order() mem.PageOrder {
	return mem.PageOrder(binary.LittleEndian.Uint16(h[hdrOrderOffset:]))
}

func (h slabHeader) setOrder(v mem.PageOrder) {
	binary.LittleEndian.PutUint16(h[hdrOrderOffset:], uint16(v))
}

func (h slabHeader) inuse() uint32 {
	return binary.LittleEndian.Uint32(h[hdrInuseOffset:])
}

func (h slabHeader) setInuse(v uint32) {
	binary.LittleEndian.PutUint32(h[hdrInuseOffset:], v)
}

func (h slabHeader) total() uint32 {
	return binary.LittleEndian.Uint32(h[hdrTotalOffset:])
}

func (h slabHeader) setTotal(v uint32) {
	binary.LittleEndian.PutUint32(h[hdrTotalOffset:], v)
}

// cache returns the descriptor address of the cache that owns the slab.
func (h slabHeader) cache() uintptr {
	return uintptr(binary.LittleEndian.Uint64(h[hdrCacheOffset:]))
}

func (h slabHeader) setCache(v uintptr) {
	binary.LittleEndian.PutUint64(h[hdrCacheOffset:], uint64(v))
}

func (h slabHeader) freelist() uintptr {
	return uintptr(binary.LittleEndian.Uint64(h[hdrFreelistOffset:]))
}

func (h slabHeader) setFreelist(v uintptr) {
	binary.LittleEndian.PutUint64(h[hdrFreelistOffset:], uint64(v))
}

func (h slabHeader) prev() uintptr {
	return uintptr(binary.LittleEndian.Uint64(h[hdrPrevOffset:]))
}

func (h slabHeader) setPrev(v uintptr) {
	binary.LittleEndian.PutUint64(h[hdrPrevOffset:], uint64(v))
}

func (h slabHeader) next() uintptr {
	return uintptr(binary.LittleEndian.Uint64(h[hdrNextOffset:]))
}

func (h slabHeader) setNext(v uintptr) {
	binary.LittleEndian.PutUint64(h[hdrNextOffset:], uint64(v))
}

// slabList is a doubly linked list of slabs threaded through the prev/next
// fields of their headers.
type slabList struct {
	head  uintptr
	count int
}

func newSlabList() slabList {
	return slabList{head: nilSlab}
}

func (c *Cache) pushSlab(list *slabList, base uintptr) {
	hdr := c.header(base)
	hdr.setPrev(nilSlab)
	hdr.setNext(list.head)
	if list.head != nilSlab {
		c.header(list.head).setPrev(base)
	}

	list.head = base
	list.count++
}

func (c *Cache) unlinkSlab(list *slabList, base uintptr) {
	hdr := c.header(base)
	if prev := hdr.prev(); prev != nilSlab {
		c.header(prev).setNext(hdr.next())
	} else {
		list.head = hdr.next()
	}
	if next := hdr.next(); next != nilSlab {
		c.header(next).setPrev(hdr.prev())
	}

	hdr.setPrev(nilSlab)
	hdr.setNext(nilSlab)
	list.count--
}

// containsSlab scans list for the slab at base.
func (c *Cache) containsSlab(list *slabList, base uintptr) bool {
	for cur := list.head; cur != nilSlab; cur = c.header(cur).next() {
		if cur == base {
			return true
		}
	}

	return false
}
