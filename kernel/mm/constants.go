package mm

const (
	// PointerShift is equal to log2 of the size of a page table entry. The
	// i386 MMU uses 32-bit entries so an entry occupies (1 << PointerShift)
	// bytes.
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// AddressSpaceEnd is the first address past the 32-bit address space.
	AddressSpaceEnd = uint64(1) << 32
)
