// Package multiboot models the memory map that the boot loader hands over to
// the kernel. The physical memory allocators consume it to discover which
// frame ranges are available.
package multiboot

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

var (
	memTypeNames = []string{
		0:                  "unknown",
		MemAvailable:       "available",
		MemReserved:        "reserved",
		MemAcpiReclaimable: "ACPI (reclaimable)",
		MemNvs:             "NVS",
	}
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	if t == 0 || t >= memUnknown {
		return memTypeNames[0]
	}

	return memTypeNames[t]
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMap is the list of memory regions reported by the boot loader.
type MemoryMap []MemoryMapEntry

// VisitMemRegions will invoke the supplied visitor for each memory region in
// the map. Entries with an unknown type are reported as reserved.
func (m MemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	for index := range m {
		entry := m[index]

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}
