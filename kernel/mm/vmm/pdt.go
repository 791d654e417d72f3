package vmm

import (
	"sync/atomic"

	"gopher32/kernel"
	"gopher32/kernel/cpu"
	"gopher32/kernel/mm"
	"gopher32/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errReservedRange = &kernel.Error{Module: "vmm", Message: "virtual address falls inside the page table mirror"}
	errDestroyActive = &kernel.Error{Module: "vmm", Message: "cannot destroy the active or kernel address space"}
)

// UserFaultHandler resolves a page fault below KernelBase in the address
// space it was registered for. data is the value passed to
// CreateAddressSpace. Returning an error halts the machine.
type UserFaultHandler func(pdt *PageDirectoryTable, faultAddr uintptr, code cpu.FaultCode, data interface{}) *kernel.Error

// PageDirectoryTable describes the top-most table of an address space.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	mgr      *Manager

	// lock serializes the creation of page tables in this directory.
	lock sync.Spinlock

	faultHandler UserFaultHandler
	faultData    interface{}
}

// Frame returns the physical frame holding the directory.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Map establishes a mapping between a virtual page and a physical memory
// frame in this directory, creating the page table for the containing 4M
// window if required. Kernel-half pages are mapped in the kernel singleton
// and become visible in every address space.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	virtAddr := page.Address()
	if virtAddr >= MirrorBase {
		return errReservedRange
	}

	v, owner, release := pdt.mgr.viewFor(pdt, virtAddr)
	defer release()

	tableFlags := FlagPresent | FlagRW
	if virtAddr < KernelBase {
		tableFlags |= FlagUserAccessible
	}

	if err := pdt.mgr.ensureTable(v, owner, pdIndex(virtAddr), tableFlags); err != nil {
		return err
	}

	pdt.mgr.mmu.Store32(v.pteAddr(virtAddr), uint32(newEntry(frame, flags)))
	if v.translatesActive() {
		pdt.mgr.mmu.FlushTLBEntry(virtAddr)
	}

	return nil
}

// Unmap removes the mapping for page if one exists. The page table that held
// the mapping is never released.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	virtAddr := page.Address()
	if virtAddr >= MirrorBase {
		return errReservedRange
	}

	v, _, release := pdt.mgr.viewFor(pdt, virtAddr)
	defer release()

	pdt.mgr.walk(v, virtAddr, func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool {
		if pteLevel == pageLevels-1 && pte.HasFlags(FlagPresent) {
			pdt.mgr.mmu.Store32(entryAddr, 0)
			if v.translatesActive() {
				pdt.mgr.mmu.FlushTLBEntry(virtAddr)
			}
		}
		return true
	})

	return nil
}

// FrameOf returns the frame mapped at virtAddr or mm.InvalidFrame if the
// address is not mapped.
func (pdt *PageDirectoryTable) FrameOf(virtAddr uintptr) mm.Frame {
	pte, ok := pdt.lookup(virtAddr)
	if !ok {
		return mm.InvalidFrame
	}

	return pte.Frame()
}

// Flags returns the flags of the page table entry mapping virtAddr. It
// returns zero if the address is not mapped.
func (pdt *PageDirectoryTable) Flags(virtAddr uintptr) PageTableEntryFlag {
	pte, ok := pdt.lookup(virtAddr)
	if !ok {
		return 0
	}

	return PageTableEntryFlag(pte) & flagMask
}

// ClearFlags clears flags from the page table entry mapping virtAddr. It is
// typically used to reset the accessed and dirty bits after harvesting them.
func (pdt *PageDirectoryTable) ClearFlags(virtAddr uintptr, flags PageTableEntryFlag) {
	if virtAddr >= MirrorBase {
		return
	}

	v, _, release := pdt.mgr.viewFor(pdt, virtAddr)
	defer release()

	pdt.mgr.walk(v, virtAddr, func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool {
		if pteLevel == pageLevels-1 && pte.HasFlags(FlagPresent) {
			pte.ClearFlags(flags)
			pdt.mgr.mmu.Store32(entryAddr, uint32(pte))
			if v.translatesActive() {
				pdt.mgr.mmu.FlushTLBEntry(virtAddr)
			}
		}
		return true
	})
}

// lookup returns the present page table entry mapping virtAddr.
func (pdt *PageDirectoryTable) lookup(virtAddr uintptr) (pageTableEntry, bool) {
	var (
		entry pageTableEntry
		found bool
	)

	if virtAddr >= MirrorBase {
		return 0, false
	}

	v, _, release := pdt.mgr.viewFor(pdt, virtAddr)
	defer release()

	pdt.mgr.walk(v, virtAddr, func(pteLevel uint8, _ uintptr, pte pageTableEntry) bool {
		if pteLevel == pageLevels-1 && pte.HasFlags(FlagPresent) {
			entry, found = pte, true
		}
		return true
	})

	return entry, found
}

// viewFor returns the view through which the tables mapping virtAddr in pdt
// can be edited together with the directory whose lock guards table creation
// and a function that must be called once the view is no longer needed.
//
// Kernel-half directory entries always live in the kernel singleton while its
// tables are reached through the active mirror. User-half entries of the
// active directory use the active mirror; any other directory is installed
// in the foreign slot for the duration of the edit.
func (m *Manager) viewFor(pdt *PageDirectoryTable, virtAddr uintptr) (tableView, *PageDirectoryTable, func()) {
	if virtAddr >= KernelBase {
		return tableView{pdtAddr: m.kernelPDTAddr, tablesAddr: activeTablesAddr}, &m.kernelPDT, func() {}
	}

	if pdt.pdtFrame.Address() == m.mmu.ActivePDT() {
		return activeView, pdt, func() {}
	}

	m.foreignLock.Acquire()
	m.installForeign(pdt.pdtFrame)
	return foreignView, pdt, m.foreignLock.Release
}

// installForeign points the foreign slot of the active directory at
// pdtFrame. The caller must hold foreignLock.
func (m *Manager) installForeign(pdtFrame mm.Frame) {
	entryAddr := activeView.pdeAddr(foreignSlot)
	pde := pageTableEntry(m.mmu.Load32(entryAddr))
	if pde.HasFlags(FlagPresent) && pde.Frame() == pdtFrame {
		return
	}

	m.mmu.Store32(entryAddr, uint32(newEntry(pdtFrame, FlagPresent|FlagRW)))
	m.mmu.FlushTLB()
	atomic.AddUint64(&m.foreignSwitches, 1)
}

// clearForeign removes the directory installed in the foreign slot. The
// caller must hold foreignLock.
func (m *Manager) clearForeign() {
	m.mmu.Store32(activeView.pdeAddr(foreignSlot), 0)
	m.mmu.FlushTLB()
}

// ensureTable makes sure that the directory entry for slot in v points to a
// page table, allocating and clearing a new one if needed.
func (m *Manager) ensureTable(v tableView, owner *PageDirectoryTable, slot uintptr, tableFlags PageTableEntryFlag) *kernel.Error {
	pdeAddr := v.pdeAddr(slot)
	if pageTableEntry(m.mmu.Load32(pdeAddr)).HasFlags(FlagPresent) {
		return nil
	}

	owner.lock.Acquire()
	defer owner.lock.Release()

	// Another thread may have created the table while we waited.
	if pageTableEntry(m.mmu.Load32(pdeAddr)).HasFlags(FlagPresent) {
		return nil
	}

	tableFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return err
	}

	m.mmu.Store32(pdeAddr, uint32(newEntry(tableFrame, tableFlags)))
	m.mmu.FlushTLBEntry(v.tableAddr(slot))

	// For kernel slots this may fault if the active directory has not
	// seen the new entry yet; the fault handler syncs the slot.
	m.mmu.Memset(v.tableAddr(slot), 0, mm.PageSize)

	atomic.AddUint64(&m.tablesAllocated, 1)
	return nil
}

// CreateAddressSpace allocates a new page directory sharing the kernel half
// of the kernel singleton. handler is invoked with data for faults below
// KernelBase while the new directory is active.
func (m *Manager) CreateAddressSpace(handler UserFaultHandler, data interface{}) (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return nil, err
	}

	pdt := &PageDirectoryTable{
		pdtFrame:     pdtFrame,
		mgr:          m,
		faultHandler: handler,
		faultData:    data,
	}

	m.foreignLock.Acquire()
	defer m.foreignLock.Release()

	m.installForeign(pdtFrame)
	m.mmu.Memset(foreignPDTAddr, 0, mm.PageSize)
	for slot := firstKernelSlot; slot <= lastKernelSlot; slot++ {
		m.mmu.Store32(foreignView.pdeAddr(slot), m.mmu.Load32(m.kernelPDTAddr+(slot<<mm.PointerShift)))
	}
	m.mmu.Store32(foreignView.pdeAddr(selfSlot), uint32(newEntry(pdtFrame, FlagPresent|FlagRW)))

	return pdt, nil
}

// DestroyAddressSpace releases pdt. Every frame mapped in its user half, its
// user-half page tables and the directory frame are returned to the frame
// allocator. Frames that are owned elsewhere (for example by a pager) must be
// unmapped before calling DestroyAddressSpace.
func (m *Manager) DestroyAddressSpace(pdt *PageDirectoryTable) *kernel.Error {
	if pdt == &m.kernelPDT || pdt.pdtFrame.Address() == m.mmu.ActivePDT() {
		return errDestroyActive
	}

	m.foreignLock.Acquire()
	m.installForeign(pdt.pdtFrame)

	for slot := uintptr(0); slot < firstKernelSlot; slot++ {
		pde := pageTableEntry(m.mmu.Load32(foreignView.pdeAddr(slot)))
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		for index := uintptr(0); index < tableEntries; index++ {
			pte := pageTableEntry(m.mmu.Load32(foreignView.tableAddr(slot) + (index << mm.PointerShift)))
			if pte.HasFlags(FlagPresent) {
				m.frames.FreeFrames(pte.Frame(), 1)
			}
		}

		m.frames.FreeFrames(pde.Frame(), 1)
	}

	m.clearForeign()
	m.foreignLock.Release()

	m.frames.FreeFrames(pdt.pdtFrame, 1)
	pdt.pdtFrame = mm.InvalidFrame
	return nil
}

// SwitchAddressSpace activates pdt.
func (m *Manager) SwitchAddressSpace(pdt *PageDirectoryTable) {
	m.foreignLock.Acquire()
	m.active = pdt
	m.mmu.SwitchPDT(pdt.pdtFrame.Address())
	m.foreignLock.Release()
}
