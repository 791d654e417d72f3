// Package vmm maintains the hardware page tables of every address space.
//
// The last slot of every page directory maps the directory onto itself so
// the active directory and its tables can be edited as ordinary memory at
// fixed virtual addresses. The second to last slot of the active directory
// is repointed on demand at an inactive directory so its tables can be edited
// the same way. Kernel-half slots are shared with the kernel singleton
// directory and are copied into other directories lazily, the first time a
// fault shows they are stale.
package vmm

import (
	"sync/atomic"

	"gopher32/kernel"
	"gopher32/kernel/gate"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/region"
	"gopher32/kernel/sync"
)

var (
	errPagingEnabled = &kernel.Error{Module: "vmm", Message: "paging is already enabled"}
)

// MMU is the processor interface used by the Manager to access page tables
// and control address translation.
type MMU interface {
	ActivePDT() uintptr
	SwitchPDT(pdtPhysAddr uintptr)
	FlushTLBEntry(virtAddr uintptr)
	FlushTLB()
	ReadCR2() uintptr
	EnableInterrupts()
	Load32(virtAddr uintptr) uint32
	Store32(virtAddr uintptr, val uint32)
	Memset(virtAddr uintptr, value byte, size uintptr)
}

// Stats contains counters describing page table maintenance activity.
type Stats struct {
	// LazySyncs counts kernel slots copied into a stale directory.
	LazySyncs uint64

	// TablesAllocated counts page tables created by Map.
	TablesAllocated uint64

	// ForeignSwitches counts how many times the foreign slot was
	// repointed at a different inactive directory.
	ForeignSwitches uint64
}

// Manager owns the kernel singleton directory and every address space
// created from it.
type Manager struct {
	// The counters are updated atomically and must stay 64-bit aligned
	// on 32-bit hosts.
	lazySyncs       uint64
	tablesAllocated uint64
	foreignSwitches uint64

	mmu    MMU
	idt    *gate.IDT
	frames mm.FrameAllocator

	kernelPDT PageDirectoryTable

	// kernelPDTAddr is the virtual address of the kernel singleton
	// directory. It points at the active mirror until the permanent
	// mapping at KernelPDTAddr is in place.
	kernelPDTAddr uintptr

	// foreignLock serializes use of the foreign slot and address space
	// switches.
	foreignLock sync.Spinlock
	active      *PageDirectoryTable

	regions *region.Allocator

	log *kfmt.PrefixWriter
}

// New returns a Manager that edits page tables through mmu, installs its
// fault handlers in idt and obtains table frames from frames.
func New(mmu MMU, idt *gate.IDT, frames mm.FrameAllocator) *Manager {
	return &Manager{
		mmu:    mmu,
		idt:    idt,
		frames: frames,
		log:    kfmt.ModuleWriter("vmm"),
	}
}

// Init builds the kernel singleton directory, enables paging, maps the kernel
// image frames contiguously starting at KernelBase and installs the
// paging-related exception handlers. Init must be called while paging is
// disabled.
func (m *Manager) Init(imageStart mm.Frame, imageFrames uint32) *kernel.Error {
	if m.mmu.ActivePDT() != 0 {
		return errPagingEnabled
	}

	pdtFrame, err := m.frames.AllocFrames(1)
	if err != nil {
		return err
	}

	// Paging is still disabled so the frame is accessed by its physical
	// address.
	m.mmu.Memset(pdtFrame.Address(), 0, mm.PageSize)
	m.mmu.Store32(pdtFrame.Address()+(selfSlot<<mm.PointerShift), uint32(newEntry(pdtFrame, FlagPresent|FlagRW)))

	m.kernelPDT = PageDirectoryTable{pdtFrame: pdtFrame, mgr: m}
	m.kernelPDTAddr = activePDTAddr
	m.active = &m.kernelPDT
	m.mmu.SwitchPDT(pdtFrame.Address())

	if err = m.kernelPDT.Map(mm.PageFromAddress(KernelPDTAddr), pdtFrame, FlagPresent|FlagRW); err != nil {
		return err
	}
	m.kernelPDTAddr = KernelPDTAddr

	for i := uint32(0); i < imageFrames; i++ {
		page := mm.PageFromAddress(KernelBase + uintptr(i)*mm.PageSize)
		if err = m.kernelPDT.Map(page, imageStart+mm.Frame(i), FlagPresent|FlagRW|FlagGlobal); err != nil {
			return err
		}
	}

	m.installFaultHandlers()

	kfmt.Fprintf(m.log, "paging enabled; kernel directory at frame %d\n", uint32(pdtFrame))
	return nil
}

// SetRegionAllocator registers the allocator consulted for fault handlers of
// kernel-half regions.
func (m *Manager) SetRegionAllocator(regions *region.Allocator) {
	m.regions = regions
}

// HandleException installs handler for an exception other than the page
// fault.
func (m *Manager) HandleException(intNumber gate.InterruptNumber, handler gate.Handler) {
	m.idt.HandleInterrupt(intNumber, handler)
}

// KernelPDT returns the kernel singleton directory.
func (m *Manager) KernelPDT() *PageDirectoryTable {
	return &m.kernelPDT
}

// ActivePDT returns the directory currently loaded into the MMU.
func (m *Manager) ActivePDT() *PageDirectoryTable {
	return m.active
}

// Stats returns a snapshot of the page table maintenance counters.
func (m *Manager) Stats() Stats {
	return Stats{
		LazySyncs:       atomic.LoadUint64(&m.lazySyncs),
		TablesAllocated: atomic.LoadUint64(&m.tablesAllocated),
		ForeignSwitches: atomic.LoadUint64(&m.foreignSwitches),
	}
}
