package vmm

import (
	"sync/atomic"

	"gopher32/kernel"
	"gopher32/kernel/cpu"
	"gopher32/kernel/gate"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/region"
)

var (
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errMirrorFault        = &kernel.Error{Module: "vmm", Message: "fault inside the page table mirror"}
	errStackOverflow      = &kernel.Error{Module: "vmm", Message: "kernel stack overflow"}
	errLazyAllocViolation = &kernel.Error{Module: "vmm", Message: "protection violation in lazily allocated region"}
)

func (m *Manager) installFaultHandlers() {
	m.idt.HandleInterrupt(gate.PageFaultException, m.pageFaultHandler)
	m.idt.HandleInterrupt(gate.GPFException, m.generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func (m *Manager) pageFaultHandler(regs *gate.Registers) {
	var (
		faultAddress = m.mmu.ReadCR2()
		code         = cpu.FaultCode(regs.Info)
	)

	// A stale kernel slot is resolved without leaving the interrupt
	// context.
	if faultAddress >= KernelBase && m.syncKernelSlot(faultAddress) {
		return
	}

	m.mmu.EnableInterrupts()

	switch {
	case faultAddress >= MirrorBase:
		m.nonRecoverablePageFault(faultAddress, code, regs, errMirrorFault)
	case faultAddress < KernelBase:
		pdt := m.active
		if pdt.faultHandler == nil {
			m.nonRecoverablePageFault(faultAddress, code, regs, errUnrecoverableFault)
			return
		}

		if err := pdt.faultHandler(pdt, faultAddress, code, pdt.faultData); err != nil {
			m.nonRecoverablePageFault(faultAddress, code, regs, err)
		}
	default:
		if m.regions != nil {
			if info, found := m.regions.Find(faultAddress); found && info.Fault != nil {
				info.Fault(info, faultAddress, code)
				return
			}
		}

		m.nonRecoverablePageFault(faultAddress, code, regs, errUnrecoverableFault)
	}
}

// syncKernelSlot copies the kernel singleton's entry for the slot covering
// faultAddress into the active directory if the two differ. Faults on the
// active mirror of a kernel table map to the slot of that table.
func (m *Manager) syncKernelSlot(faultAddress uintptr) bool {
	slot := pdIndex(faultAddress)
	if faultAddress >= activeTablesAddr && faultAddress < activePDTAddr {
		slot = (faultAddress - activeTablesAddr) >> mm.PageShift
	}

	if slot < firstKernelSlot || slot > lastKernelSlot {
		return false
	}

	kernelPDE := pageTableEntry(m.mmu.Load32(m.kernelPDTAddr + (slot << mm.PointerShift)))
	activePDE := pageTableEntry(m.mmu.Load32(activeView.pdeAddr(slot)))
	if kernelPDE.sameTarget(activePDE) {
		return false
	}

	m.mmu.Store32(activeView.pdeAddr(slot), uint32(kernelPDE))
	m.mmu.FlushTLBEntry(activeView.tableAddr(slot))
	atomic.AddUint64(&m.lazySyncs, 1)
	return true
}

// LazyAlloc is a region fault handler that backs each page of the region
// with a zeroed frame the first time it is touched.
func (m *Manager) LazyAlloc(info region.Info, faultAddress uintptr, code cpu.FaultCode) {
	if code&cpu.FaultPresent != 0 {
		m.nonRecoverablePageFault(faultAddress, code, nil, errLazyAllocViolation)
		return
	}

	if err := m.AllocAndMap(faultAddress); err != nil {
		m.nonRecoverablePageFault(faultAddress, code, nil, err)
	}
}

// StackGuard is a region fault handler for the guard pages placed below
// kernel stacks.
func (m *Manager) StackGuard(info region.Info, faultAddress uintptr, code cpu.FaultCode) {
	kfmt.Printf("\nStack guard page [0x%8x - 0x%8x) touched\n", info.Addr, info.Addr+info.Size)
	m.nonRecoverablePageFault(faultAddress, code, nil, errStackOverflow)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func (m *Manager) generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", m.mmu.ReadCR2())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	kfmt.Panic(errUnrecoverableFault)
}

func (m *Manager) nonRecoverablePageFault(faultAddress uintptr, code cpu.FaultCode, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch code &^ cpu.FaultUser {
	case 0:
		kfmt.Printf("read from non-present page")
	case cpu.FaultPresent:
		kfmt.Printf("page protection violation (read)")
	case cpu.FaultWrite:
		kfmt.Printf("write to non-present page")
	case cpu.FaultPresent | cpu.FaultWrite:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("unknown")
	}
	if code&cpu.FaultUser != 0 {
		kfmt.Printf(" in user-mode")
	}

	if regs != nil {
		kfmt.Printf("\n\nRegisters:\n")
		regs.DumpTo(kfmt.GetOutputSink())
	}
	kfmt.Printf("\n")

	kfmt.Panic(err)
}
