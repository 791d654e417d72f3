package pager

import (
	"gopher32/kernel"
	"gopher32/kernel/cpu"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/vmm"
	"gopher32/kernel/sync"
)

var (
	errWriteToReadOnly = &kernel.Error{Module: "pager", Message: "write to read-only mapping"}
	errProtection      = &kernel.Error{Module: "pager", Message: "protection violation on mapped page"}
	errBadMapping      = &kernel.Error{Module: "pager", Message: "mapping is not page aligned or exceeds the pager"}
	errAlreadyMapped   = &kernel.Error{Module: "pager", Message: "mapping is already attached to a pager"}
	errNotMapped       = &kernel.Error{Module: "pager", Message: "mapping is not attached to this pager"}
	errNoMapping       = &kernel.Error{Module: "pager", Message: "no mapping covers the faulting address"}
)

// UserRegion maps a window of a pager into a user address space. Pages are
// installed on demand by HandleFault.
type UserRegion struct {
	PDT      *vmm.PageDirectoryTable
	Addr     uintptr
	Offset   uintptr
	Size     uintptr
	Writable bool

	pager      *Pager
	prev, next *UserRegion
}

// Contains returns true if addr falls inside the region.
func (r *UserRegion) Contains(addr uintptr) bool {
	return addr >= r.Addr && addr-r.Addr < r.Size
}

// Pager returns the pager the region is attached to.
func (r *UserRegion) Pager() *Pager {
	return r.pager
}

func (r *UserRegion) flags() vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if r.Writable {
		flags |= vmm.FlagRW
	}
	return flags
}

// window returns the virtual address range of r that shows the pager pages
// in [start, end).
func (r *UserRegion) window(start, end uintptr) (uintptr, uintptr, bool) {
	if start < r.Offset {
		start = r.Offset
	}
	if limit := r.Offset + r.Size; end > limit {
		end = limit
	}
	if start >= end {
		return 0, 0, false
	}
	return r.Addr + (start - r.Offset), r.Addr + (end - r.Offset), true
}

// HandleFault installs the page backing faultAddr.
func (r *UserRegion) HandleFault(faultAddr uintptr, code cpu.FaultCode) *kernel.Error {
	p := r.pager
	if p == nil {
		return errNotMapped
	}

	switch {
	case code&cpu.FaultWrite != 0 && !r.Writable:
		return errWriteToReadOnly
	case code&cpu.FaultPresent != 0:
		return errProtection
	}

	page := mm.PageFromAddress(faultAddr)
	offset := r.Offset + (page.Address() - r.Addr)

	for {
		frame, err := p.GetFrame(offset)
		if err != nil {
			return err
		}

		p.lock.Acquire()
		if pg, ok := p.pages[offset]; ok && pg.frame == frame {
			err = r.PDT.Map(page, frame, r.flags())
			p.lock.Release()
			return err
		}
		p.lock.Release()
	}
}

// AddMap attaches r to the pager. The region must be page aligned and lie
// within the pager.
func (p *Pager) AddMap(r *UserRegion) *kernel.Error {
	if r.Addr&(mm.PageSize-1) != 0 || r.Offset&(mm.PageSize-1) != 0 || r.Size == 0 {
		return errBadMapping
	}

	p.lock.Acquire()
	defer p.lock.Release()

	switch {
	case p.deleted:
		return errDeleted
	case r.pager != nil:
		return errAlreadyMapped
	case r.Offset >= p.size || r.Size > mm.PageAlign(p.size)-r.Offset:
		return errBadMapping
	}

	r.pager = p
	r.prev = nil
	r.next = p.maps
	if p.maps != nil {
		p.maps.prev = r
	}
	p.maps = r
	return nil
}

// RemoveMap unmaps every page installed through r and detaches it from the
// pager. Dirty bits are collected before the pages are unmapped.
func (p *Pager) RemoveMap(r *UserRegion) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	if r.pager != p {
		return errNotMapped
	}

	p.unmapRegionLocked(r, r.Offset, r.Offset+r.Size)

	if r.prev != nil {
		r.prev.next = r.next
	} else {
		p.maps = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.pager, r.prev, r.next = nil, nil, nil
	return nil
}

// harvestLocked moves the accessed and dirty bits of every mapping of the
// pages in [start, end) into the page status and clears them in the page
// tables.
func (p *Pager) harvestLocked(start, end uintptr) {
	for r := p.maps; r != nil; r = r.next {
		from, to, ok := r.window(start, end)
		if !ok {
			continue
		}
		for addr := from; addr < to; addr += mm.PageSize {
			p.harvestPageLocked(r, addr)
		}
	}
}

func (p *Pager) harvestPageLocked(r *UserRegion, addr uintptr) {
	flags := r.PDT.Flags(addr)
	if flags&vmm.FlagPresent == 0 {
		return
	}

	pg, ok := p.pages[r.Offset+(addr-r.Addr)]
	if !ok {
		return
	}

	if flags&vmm.FlagAccessed != 0 {
		pg.status |= statusAccessed
	}
	if flags&vmm.FlagDirty != 0 {
		pg.status |= statusDirty
	}
	if flags&(vmm.FlagAccessed|vmm.FlagDirty) != 0 {
		r.PDT.ClearFlags(addr, vmm.FlagAccessed|vmm.FlagDirty)
	}
}

// unmapLocked removes the pages in [start, end) from every mapping.
func (p *Pager) unmapLocked(start, end uintptr) {
	for r := p.maps; r != nil; r = r.next {
		p.unmapRegionLocked(r, start, end)
	}
}

func (p *Pager) unmapRegionLocked(r *UserRegion, start, end uintptr) {
	from, to, ok := r.window(start, end)
	if !ok {
		return
	}
	for addr := from; addr < to; addr += mm.PageSize {
		p.harvestPageLocked(r, addr)
		_ = r.PDT.Unmap(mm.PageFromAddress(addr))
	}
}

// Mappings is the set of pager windows of one address space. Its
// HandleFault method can be registered as the address space fault handler.
type Mappings struct {
	lock    sync.Spinlock
	regions []*UserRegion
}

// Add records r. Overlapping regions are not detected.
func (s *Mappings) Add(r *UserRegion) {
	s.lock.Acquire()
	s.regions = append(s.regions, r)
	s.lock.Release()
}

// Remove forgets r.
func (s *Mappings) Remove(r *UserRegion) {
	s.lock.Acquire()
	defer s.lock.Release()

	for i, entry := range s.regions {
		if entry == r {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return
		}
	}
}

// Find returns the region containing addr or nil.
func (s *Mappings) Find(addr uintptr) *UserRegion {
	s.lock.Acquire()
	defer s.lock.Release()

	for _, r := range s.regions {
		if r.Contains(addr) {
			return r
		}
	}
	return nil
}

// HandleFault dispatches a user page fault to the region that covers it.
// It matches the vmm.UserFaultHandler signature.
func (s *Mappings) HandleFault(_ *vmm.PageDirectoryTable, faultAddr uintptr, code cpu.FaultCode, _ interface{}) *kernel.Error {
	r := s.Find(faultAddr)
	if r == nil {
		return errNoMapping
	}
	return r.HandleFault(faultAddr, code)
}
