package vmm

import (
	"gopher32/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint32

// pageTableEntry describes a page directory or page table entry. These
// entries encode a physical frame address and a set of flags.
type pageTableEntry uint32

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ uint32(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | uint32(frame.Address()))
}

// sameTarget returns true if both entries are present and point to the same
// frame or if both are not present. Accessed and dirty bits are ignored.
func (pte pageTableEntry) sameTarget(other pageTableEntry) bool {
	mask := ptePhysPageMask | uint32(FlagPresent)
	return uint32(pte)&mask == uint32(other)&mask
}

func newEntry(frame mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(flags)
	return pte
}

// tableView locates a page directory and the page tables it references in
// virtual memory.
type tableView struct {
	pdtAddr    uintptr
	tablesAddr uintptr
}

var (
	// activeView edits the active directory through its self-mapped slot.
	activeView = tableView{pdtAddr: activePDTAddr, tablesAddr: activeTablesAddr}

	// foreignView edits the directory installed in the active directory's
	// foreign slot.
	foreignView = tableView{pdtAddr: foreignPDTAddr, tablesAddr: foreignTablesAddr}
)

func (v tableView) pdeAddr(slot uintptr) uintptr {
	return v.pdtAddr + (slot << mm.PointerShift)
}

func (v tableView) tableAddr(slot uintptr) uintptr {
	return v.tablesAddr + (slot << mm.PageShift)
}

func (v tableView) pteAddr(virtAddr uintptr) uintptr {
	return v.tableAddr(pdIndex(virtAddr)) + (ptIndex(virtAddr) << mm.PointerShift)
}

// translatesActive returns true if edits through this view affect
// translations cached by the TLB.
func (v tableView) translatesActive() bool {
	return v.tablesAddr == activeTablesAddr
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the virtual address of the entry
// and its contents. If the function returns false, then the page walk is
// aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uintptr, pte pageTableEntry) bool

// walk performs a page table walk for the given virtual address through v.
// It calls the supplied walkFn with the page table entry that corresponds to
// each page table level. The table entry is only visited when the directory
// entry is present.
func (m *Manager) walk(v tableView, virtAddr uintptr, walkFn pageTableWalker) {
	entryAddr := v.pdeAddr(pdIndex(virtAddr))
	for level := uint8(0); level < pageLevels; level++ {
		pte := pageTableEntry(m.mmu.Load32(entryAddr))
		if !walkFn(level, entryAddr, pte) || !pte.HasFlags(FlagPresent) {
			return
		}

		entryAddr = v.pteAddr(virtAddr)
	}
}
