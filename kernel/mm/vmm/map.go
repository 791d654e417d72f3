package vmm

import (
	"gopher32/kernel"
	"gopher32/kernel/mm"
)

// MapPage establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory table. Calls to MapPage
// use the frame allocator to initialize a missing page table.
func (m *Manager) MapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return m.active.Map(page, frame, flags)
}

// UnmapPage removes a mapping previously installed via a call to MapPage.
// Unmapping a page that is not mapped is a no-op.
func (m *Manager) UnmapPage(page mm.Page) *kernel.Error {
	return m.active.Unmap(page)
}

// FrameOf returns the frame mapped at virtAddr in the active directory or
// mm.InvalidFrame if the address is not mapped.
func (m *Manager) FrameOf(virtAddr uintptr) mm.Frame {
	return m.active.FrameOf(virtAddr)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Manager) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame := m.FrameOf(virtAddr)
	if !frame.Valid() {
		return 0, ErrInvalidMapping
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + mm.PageOffset(virtAddr), nil
}

// AllocAndMap backs the kernel page containing virtAddr with a newly
// allocated frame and clears its contents. It is suitable for use as the
// region allocator's page mapping callback.
func (m *Manager) AllocAndMap(virtAddr uintptr) *kernel.Error {
	frame, err := m.frames.AllocFrames(1)
	if err != nil {
		return err
	}

	page := mm.PageFromAddress(virtAddr)
	if err = m.MapPage(page, frame, FlagPresent|FlagRW); err != nil {
		m.frames.FreeFrames(frame, 1)
		return err
	}

	m.mmu.Memset(page.Address(), 0, mm.PageSize)
	return nil
}
