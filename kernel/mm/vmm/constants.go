package vmm

const (
	// KernelBase is the start of the kernel half of every address space.
	// Addresses below it belong to the user half of the active directory.
	KernelBase = uintptr(0xc0000000)

	// KernelPDTAddr is the permanent kernel mapping of the kernel
	// singleton page directory.
	KernelPDTAddr = uintptr(0xff7ff000)

	// MirrorBase is the start of the reserved range through which page
	// tables are accessed. Faults inside it are fatal unless they are
	// caused by a stale kernel slot.
	MirrorBase = uintptr(0xff800000)

	// foreignTablesAddr and foreignPDTAddr expose the tables and
	// directory of the inactive directory installed in foreignSlot.
	foreignTablesAddr = MirrorBase
	foreignPDTAddr    = uintptr(0xffffe000)

	// activeTablesAddr and activePDTAddr expose the tables and directory
	// of the active directory through its self-mapped last slot.
	activeTablesAddr = uintptr(0xffc00000)
	activePDTAddr    = uintptr(0xfffff000)

	// pageLevels is the number of paging levels used by the i386 MMU.
	pageLevels = 2

	pdShift      = 22
	ptShift      = 12
	tableEntries = uintptr(1024)

	// ptePhysPageMask extracts the physical frame address from an entry.
	ptePhysPageMask = uint32(0xfffff000)

	firstKernelSlot = KernelBase >> pdShift
	foreignSlot     = uintptr(1022)
	selfSlot        = uintptr(1023)
	lastKernelSlot  = foreignSlot - 1
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 4Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	flagMask = PageTableEntryFlag(0xfff)
)

func pdIndex(virtAddr uintptr) uintptr {
	return virtAddr >> pdShift
}

func ptIndex(virtAddr uintptr) uintptr {
	return (virtAddr >> ptShift) & (tableEntries - 1)
}
