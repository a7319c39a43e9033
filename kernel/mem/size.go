package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest PageOrder that is suitable for storing a block of this size.
// Depending on the size, Order() may return a page order that is greater than MaxPageOrder.
func (s Size) Order() PageOrder {
	var order = PageOrder(0)
	for ; ; order++ {
		if PageSize<<order >= s {
			break
		}
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// AlignUp rounds s up to the next multiple of align which must be a power of two.
func (s Size) AlignUp(align Size) Size {
	return (s + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if s is a non-zero power of two.
func (s Size) IsPowerOfTwo() bool {
	return s != 0 && s&(s-1) == 0
}

// PageOrder represents a power-of-two multiple of the base page size and is
// used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a page with size PageSize << 0
// PageOrder(1) refers to a page with size PageSize << 1
// ...
// PageOrder(MaxPageOrder) refers to a page with size PageSize << MaxPageOrder
type PageOrder uint8

// MaxPageOrder defines the maximum page order that can be tracked by a
// page-based allocator.
const MaxPageOrder = PageOrder(31)

// Pages returns the number of pages in a block of this order.
func (o PageOrder) Pages() uint64 {
	return uint64(1) << o
}

// Size returns the size in bytes of a block of this order.
func (o PageOrder) Size() Size {
	return PageSize << o
}

// OrderForPages returns the smallest order whose block holds at least n pages,
// i.e. ceil(log2(n)). Callers must not pass n == 0.
func OrderForPages(n uint64) PageOrder {
	var (
		order = PageOrder(0)
		pages = uint64(1)
	)
	for pages < n {
		pages <<= 1
		order++
	}

	return order
}

// FloorOrder returns the largest order whose block fits within n pages, i.e.
// floor(log2(n)). FloorOrder(0) returns 0.
func FloorOrder(n uint64) PageOrder {
	var order = PageOrder(0)
	for (uint64(1) << (order + 1)) <= n {
		order++
	}

	return order
}
