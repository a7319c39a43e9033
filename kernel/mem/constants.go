package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for the supported architectures is defined as (1 << PointerShift).
	PointerShift = 3

	// PointerSize is the size of a machine word in bytes. Allocators never
	// hand out objects smaller than a machine word as free objects store
	// the address of the next free object in their first word.
	PointerSize = Size(1 << PointerShift)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)
)
