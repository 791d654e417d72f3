// Package cpu emulates the parts of a single-core i386 processor that the
// memory manager depends on: the CR2/CR3 control registers, a two-level page
// walking MMU with accessed and dirty tracking, a TLB and page fault delivery
// through the interrupt descriptor table.
package cpu

import (
	"gopher32/kernel"
	"gopher32/kernel/gate"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/sync"
)

// Page directory and page table entry bits interpreted by the MMU.
const (
	entryPresent  = uint32(1 << 0)
	entryRW       = uint32(1 << 1)
	entryUser     = uint32(1 << 2)
	entryAccessed = uint32(1 << 5)
	entryDirty    = uint32(1 << 6)

	entryFrameMask = uint32(0xfffff000)

	pdShift    = 22
	ptShift    = 12
	indexMask  = uintptr(0x3ff)
	entrySize  = uintptr(4)
	maxTLBSize = 256

	// maxFaultRetries is the number of consecutive page faults raised for
	// the same access before the CPU gives up on it.
	maxFaultRetries = 8
)

// FaultCode is the error code pushed by the CPU when it raises a page fault.
type FaultCode uint32

const (
	// FaultPresent is set when the fault was caused by a protection
	// violation on a present page. It is clear for not-present faults.
	FaultPresent FaultCode = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the faulting access was made in user mode.
	FaultUser
)

// AccessFlag describes the kind of memory access performed through the MMU.
type AccessFlag uint8

const (
	// AccessWrite marks a write access.
	AccessWrite AccessFlag = 1 << iota

	// AccessUser marks an access performed on behalf of user-mode code.
	AccessUser
)

var (
	errFaultLoop = &kernel.Error{Module: "cpu", Message: "page fault handler failed to resolve the fault"}
)

type tlbEntry struct {
	frame    uintptr
	writable bool
	user     bool
	dirty    bool
}

// CPU is a simulated processor attached to a fixed amount of RAM. A CR3 value
// of zero means paging is disabled and virtual addresses are used as physical
// addresses.
type CPU struct {
	ram *RAM
	idt *gate.IDT

	// lock guards the control registers, the interrupt flag and the TLB.
	lock sync.Spinlock

	cr2        uintptr
	cr3        uintptr
	interrupts bool
	tlb        map[uintptr]tlbEntry

	pageFaults uint64
}

// New returns a CPU with memSize bytes of RAM whose exceptions are routed
// through idt. Paging starts out disabled and interrupts enabled.
func New(memSize uintptr, idt *gate.IDT) (*CPU, *kernel.Error) {
	ram, err := NewRAM(memSize)
	if err != nil {
		return nil, err
	}

	return &CPU{
		ram:        ram,
		idt:        idt,
		interrupts: true,
		tlb:        make(map[uintptr]tlbEntry),
	}, nil
}

// Close releases the memory backing the CPU's RAM.
func (c *CPU) Close() {
	c.ram.Close()
}

// RAM returns the physical memory attached to this CPU.
func (c *CPU) RAM() *RAM {
	return c.ram
}

// ActivePDT returns the physical address of the active page directory table
// (the contents of CR3).
func (c *CPU) ActivePDT() uintptr {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.cr3
}

// SwitchPDT loads a new page directory table physical address into CR3 and
// flushes all TLB entries.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.lock.Acquire()
	c.cr3 = pdtPhysAddr &^ (mm.PageSize - 1)
	c.flushLocked()
	c.lock.Release()
}

// FlushTLBEntry drops the cached translation for the page containing
// virtAddr.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	c.lock.Acquire()
	delete(c.tlb, virtAddr&^(mm.PageSize-1))
	c.lock.Release()
}

// FlushTLB drops all cached translations.
func (c *CPU) FlushTLB() {
	c.lock.Acquire()
	c.flushLocked()
	c.lock.Release()
}

func (c *CPU) flushLocked() {
	for k := range c.tlb {
		delete(c.tlb, k)
	}
}

// ReadCR2 returns the faulting address of the most recent page fault.
func (c *CPU) ReadCR2() uintptr {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.cr2
}

// EnableInterrupts sets the interrupt flag.
func (c *CPU) EnableInterrupts() {
	c.lock.Acquire()
	c.interrupts = true
	c.lock.Release()
}

// DisableInterrupts clears the interrupt flag.
func (c *CPU) DisableInterrupts() {
	c.lock.Acquire()
	c.interrupts = false
	c.lock.Release()
}

// InterruptsEnabled reports whether the interrupt flag is set.
func (c *CPU) InterruptsEnabled() bool {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.interrupts
}

// PageFaults returns the number of page faults raised so far.
func (c *CPU) PageFaults() uint64 {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.pageFaults
}

// Load32 reads a 32-bit value from a 4-byte aligned virtual address.
func (c *CPU) Load32(virtAddr uintptr) uint32 {
	physAddr := c.resolve(virtAddr, 0)
	return c.ram.Load32(physAddr)
}

// Store32 writes a 32-bit value to a 4-byte aligned virtual address.
func (c *CPU) Store32(virtAddr uintptr, val uint32) {
	physAddr := c.resolve(virtAddr, AccessWrite)
	c.ram.Store32(physAddr, val)
}

// ReadBytes copies len(buf) bytes starting at virtAddr into buf using
// kernel-mode accesses.
func (c *CPU) ReadBytes(virtAddr uintptr, buf []byte) {
	c.Access(virtAddr, buf, 0)
}

// WriteBytes copies buf to the virtual address range starting at virtAddr
// using kernel-mode accesses.
func (c *CPU) WriteBytes(virtAddr uintptr, buf []byte) {
	c.Access(virtAddr, buf, AccessWrite)
}

// Memset sets size bytes starting at virtAddr to value.
func (c *CPU) Memset(virtAddr uintptr, value byte, size uintptr) {
	for size > 0 {
		chunk := mm.PageSize - mm.PageOffset(virtAddr)
		if chunk > size {
			chunk = size
		}

		dst := c.ram.slice(c.resolve(virtAddr, AccessWrite), chunk)
		for i := range dst {
			dst[i] = value
		}

		virtAddr += chunk
		size -= chunk
	}
}

// Access performs a memory access of len(buf) bytes starting at virtAddr.
// Writes copy buf to memory while reads fill buf. Any page faults triggered
// by the access are delivered to the installed handler and the access is
// retried once the handler returns.
func (c *CPU) Access(virtAddr uintptr, buf []byte, flags AccessFlag) {
	for len(buf) > 0 {
		chunk := mm.PageSize - mm.PageOffset(virtAddr)
		if chunk > uintptr(len(buf)) {
			chunk = uintptr(len(buf))
		}

		mem := c.ram.slice(c.resolve(virtAddr, flags), chunk)
		if flags&AccessWrite != 0 {
			copy(mem, buf[:chunk])
		} else {
			copy(buf[:chunk], mem)
		}

		virtAddr += chunk
		buf = buf[chunk:]
	}
}

// resolve translates virtAddr to a physical address raising page faults
// until the translation succeeds.
func (c *CPU) resolve(virtAddr uintptr, flags AccessFlag) uintptr {
	for attempt := 0; ; attempt++ {
		physAddr, code, ok := c.translate(virtAddr, flags)
		if ok {
			return physAddr
		}

		if attempt == maxFaultRetries {
			kfmt.Printf("[cpu] giving up on access to 0x%8x after %d page faults\n", virtAddr, attempt)
			kfmt.Panic(errFaultLoop)
			return 0
		}

		c.raisePageFault(virtAddr, code)
	}
}

// translate walks the active page tables. It returns false together with the
// fault code when the access cannot be completed.
func (c *CPU) translate(virtAddr uintptr, flags AccessFlag) (uintptr, FaultCode, bool) {
	write, user := flags&AccessWrite != 0, flags&AccessUser != 0
	page, offset := virtAddr&^(mm.PageSize-1), mm.PageOffset(virtAddr)

	c.lock.Acquire()
	pdt := c.cr3
	if pdt == 0 {
		c.lock.Release()
		return virtAddr, 0, true
	}
	if e, hit := c.tlb[page]; hit && (!write || (e.writable && e.dirty)) && (!user || e.user) {
		c.lock.Release()
		return e.frame | offset, 0, true
	}
	c.lock.Release()

	var code FaultCode
	if write {
		code |= FaultWrite
	}
	if user {
		code |= FaultUser
	}

	pde := c.ram.Load32(pdt + ((virtAddr>>pdShift)&indexMask)*entrySize)
	if pde&entryPresent == 0 {
		return 0, code, false
	}

	pteAddr := uintptr(pde&entryFrameMask) + ((virtAddr>>ptShift)&indexMask)*entrySize
	pte := c.ram.Load32(pteAddr)
	if pte&entryPresent == 0 {
		return 0, code, false
	}

	writable := pde&entryRW != 0 && pte&entryRW != 0
	userOK := pde&entryUser != 0 && pte&entryUser != 0
	if (write && !writable) || (user && !userOK) {
		return 0, code | FaultPresent, false
	}

	updated := pte | entryAccessed
	if write {
		updated |= entryDirty
	}
	if updated != pte {
		c.ram.Store32(pteAddr, updated)
	}

	frame := uintptr(pte & entryFrameMask)
	c.lock.Acquire()
	if len(c.tlb) >= maxTLBSize {
		c.flushLocked()
	}
	c.tlb[page] = tlbEntry{frame: frame, writable: writable, user: userOK, dirty: updated&entryDirty != 0}
	c.lock.Release()

	return frame | offset, 0, true
}

// raisePageFault latches the faulting address into CR2 and invokes the page
// fault handler with interrupts disabled. The interrupt flag is restored when
// the handler returns.
func (c *CPU) raisePageFault(virtAddr uintptr, code FaultCode) {
	c.lock.Acquire()
	c.cr2 = virtAddr
	c.pageFaults++
	prevInterrupts := c.interrupts
	c.interrupts = false
	c.lock.Release()

	regs := gate.Registers{Info: uint32(code)}
	c.idt.Dispatch(gate.PageFaultException, &regs)

	c.lock.Acquire()
	c.interrupts = prevInterrupts
	c.lock.Release()
}
