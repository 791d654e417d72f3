// Package region tracks which ranges of the kernel address space are in use
// and hands out new ranges. Region bookkeeping lives in a pool of fixed-size
// descriptors that grows by carving descriptor pages out of the managed
// range itself.
package region

import (
	"io"

	"gopher32/kernel"
	"gopher32/kernel/cpu"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/sync"
)

const (
	// DescriptorsType is the type tag of regions holding descriptor pages.
	// These regions are never freed.
	DescriptorsType = "descriptors"

	// ReservedType is the type tag of the region passed to Init as already
	// in use.
	ReservedType = "reserved"

	// splitThreshold selects which end of a free block is handed out when
	// it needs to be split. Requests of at least this size are carved from
	// the low end; smaller ones from the high end.
	splitThreshold = 16 * 1024

	// descriptorReserve is the number of unused descriptors kept back for
	// refilling the pool.
	descriptorReserve = 2

	// descriptorSize is the space accounted for each descriptor in a
	// descriptor page.
	descriptorSize = 32

	// descriptorsPerPage is the number of descriptors obtained from each
	// descriptor page.
	descriptorsPerPage = int(mm.PageSize / descriptorSize)

	// staticDescriptors is the size of the descriptor pool available before
	// the first descriptor page is mapped.
	staticDescriptors = 16
)

var (
	// ErrOutOfAddressSpace is returned when no free region is large enough
	// to satisfy a request.
	ErrOutOfAddressSpace = &kernel.Error{Module: "region", Message: "no free region large enough for request"}

	// ErrOutOfDescriptors is returned when a free region must be split but
	// the descriptor pool cannot supply a descriptor.
	ErrOutOfDescriptors = &kernel.Error{Module: "region", Message: "out of region descriptors"}

	// ErrNotAllocated is returned when freeing an address that is not the
	// start of an allocated region.
	ErrNotAllocated = &kernel.Error{Module: "region", Message: "address is not the start of an allocated region"}

	errInvalidRange   = &kernel.Error{Module: "region", Message: "invalid address range"}
	errZeroSize       = &kernel.Error{Module: "region", Message: "region size must be greater than zero"}
	errFreeDescriptor = &kernel.Error{Module: "region", Message: "descriptor regions cannot be freed"}
)

// FaultHandler is invoked for page faults inside a region that registered it.
// The handler returns once the fault has been resolved; unresolvable faults
// must halt the machine.
type FaultHandler func(info Info, addr uintptr, code cpu.FaultCode)

// MapPageFn maps a freshly allocated frame at the page starting at addr.
type MapPageFn func(addr uintptr) *kernel.Error

// Info describes an allocated region.
type Info struct {
	Addr  uintptr
	Size  uintptr
	Type  string
	Fault FaultHandler
}

// Contains returns true if addr falls inside the region.
func (i Info) Contains(addr uintptr) bool {
	return addr >= i.Addr && addr-i.Addr < i.Size
}

// Stats summarizes the state of an Allocator.
type Stats struct {
	FreeBytes   uintptr
	UsedBytes   uintptr
	FreeRegions int
	UsedRegions int

	UnusedDescriptors int
	DescriptorPages   int
}

// Allocator manages a range of virtual address space. The zero value is not
// usable; Init must be called first.
type Allocator struct {
	lock sync.Spinlock

	low, high uintptr
	mapPageFn MapPageFn

	// unused is the descriptor pool.
	unused      *descriptor
	unusedCount int

	freeByAddr *descriptor
	freeBySize *descriptor
	used       *descriptor

	// refilling is set while the pool is being topped up; it allows the
	// refill allocation to dip into the reserve.
	refilling bool

	static          [staticDescriptors]descriptor
	pages           *descriptorPage
	descriptorPages int

	log *kfmt.PrefixWriter
}

// Init sets up the allocator to manage [low, high). The range [low,
// reservedEnd) is recorded as an allocated region of type ReservedType and
// [reservedEnd, high) becomes available. mapPageFn is invoked to back each
// descriptor page the allocator carves out for itself.
func (a *Allocator) Init(low, reservedEnd, high uintptr, mapPageFn MapPageFn) *kernel.Error {
	if mm.PageOffset(low) != 0 || mm.PageOffset(reservedEnd) != 0 || mm.PageOffset(high) != 0 ||
		low > reservedEnd || reservedEnd >= high {
		return errInvalidRange
	}

	a.lock.Acquire()
	defer a.lock.Release()

	a.low, a.high = low, high
	a.mapPageFn = mapPageFn
	a.unused, a.unusedCount = nil, 0
	a.freeByAddr, a.freeBySize, a.used = nil, nil, nil
	a.refilling = false
	a.pages, a.descriptorPages = nil, 0
	a.log = kfmt.ModuleWriter("region")

	for i := range a.static {
		a.pushUnused(&a.static[i])
	}

	if reservedEnd > low {
		d := a.popUnused()
		d.state, d.addr, d.size, d.typ = stateUsed, low, reservedEnd-low, ReservedType
		a.insertUsed(d)
	}

	d := a.popUnused()
	d.state, d.addr, d.size = stateFree, reservedEnd, high-reservedEnd
	a.freeByAddr = d
	a.insertBySize(d)

	return nil
}

// Alloc reserves a region of at least size bytes tagged with typ and returns
// its start address. The size is rounded up to a multiple of the page size.
// If fault is not nil it is invoked for page faults inside the region.
func (a *Allocator) Alloc(size uintptr, typ string, fault FaultHandler) (uintptr, *kernel.Error) {
	size = mm.PageAlign(size)
	if size == 0 {
		return 0, errZeroSize
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if a.unusedCount <= descriptorReserve && !a.refilling {
		a.refill()
	}

	d, err := a.allocLocked(size, typ, fault)
	if err != nil {
		return 0, err
	}

	return d.addr, nil
}

// refill tops up the descriptor pool with a new descriptor page. Failures are
// logged and the pool is left as it was.
func (a *Allocator) refill() {
	a.refilling = true
	defer func() { a.refilling = false }()

	d, err := a.allocLocked(mm.PageSize, DescriptorsType, nil)
	if err == nil && a.mapPageFn != nil {
		if err = a.mapPageFn(d.addr); err != nil {
			a.freeLocked(d)
		}
	}

	if err != nil {
		kfmt.Fprintf(a.log, "warning: unable to grow descriptor pool: %s\n", err.Message)
		return
	}

	page := &descriptorPage{addr: d.addr, next: a.pages}
	for i := range page.slots {
		a.pushUnused(&page.slots[i])
	}
	a.pages = page
	a.descriptorPages++
}

// pageAt returns the descriptor page accounted for by the region at addr.
func (a *Allocator) pageAt(addr uintptr) *descriptorPage {
	for page := a.pages; page != nil; page = page.next {
		if page.addr == addr {
			return page
		}
	}
	return nil
}

func (a *Allocator) allocLocked(size uintptr, typ string, fault FaultHandler) (*descriptor, *kernel.Error) {
	d := a.findFit(size)
	if d == nil {
		return nil, ErrOutOfAddressSpace
	}

	if d.size == size {
		addr := d.addr
		a.removeBySize(d)
		a.unlinkFree(d)
		d.reset(stateUsed)
		d.addr, d.size, d.typ, d.fault = addr, size, typ, fault
		a.insertUsed(d)
		return d, nil
	}

	if (a.unusedCount <= descriptorReserve && !a.refilling) || a.unused == nil {
		return nil, ErrOutOfDescriptors
	}

	a.removeBySize(d)

	nd := a.popUnused()
	nd.state, nd.size, nd.typ, nd.fault = stateUsed, size, typ, fault
	if size >= splitThreshold {
		nd.addr = d.addr
		d.addr += size
	} else {
		nd.addr = d.end() - size
	}
	d.size -= size

	a.insertBySize(d)
	a.insertUsed(nd)
	return nd, nil
}

// Free releases the region starting at addr and merges it with any adjacent
// free regions.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	d := a.used
	for ; d != nil && d.addr < addr; d = d.next {
	}

	switch {
	case d == nil || d.addr != addr:
		return ErrNotAllocated
	case d.typ == DescriptorsType || a.pageAt(addr) != nil:
		return errFreeDescriptor
	}

	a.freeLocked(d)
	return nil
}

// freeLocked converts a used descriptor back to a free one and coalesces it
// with its address-order neighbours.
func (a *Allocator) freeLocked(d *descriptor) {
	a.unlinkUsed(d)

	addr, size := d.addr, d.size
	d.reset(stateFree)
	d.addr, d.size = addr, size

	var prev *descriptor
	next := a.freeByAddr
	for ; next != nil && next.addr < d.addr; prev, next = next, next.next {
	}

	if prev != nil && prev.end() == d.addr {
		a.removeBySize(prev)
		prev.size += d.size
		a.pushUnused(d)
		d = prev
	} else {
		d.prev, d.next = prev, next
		if prev == nil {
			a.freeByAddr = d
		} else {
			prev.next = d
		}
		if next != nil {
			next.prev = d
		}
	}

	if next != nil && d.end() == next.addr {
		a.removeBySize(next)
		a.unlinkFree(next)
		d.size += next.size
		a.pushUnused(next)
	}

	a.insertBySize(d)
}

// Find returns the allocated region containing addr.
func (a *Allocator) Find(addr uintptr) (Info, bool) {
	a.lock.Acquire()
	defer a.lock.Release()

	for d := a.used; d != nil && d.addr <= addr; d = d.next {
		if addr < d.end() {
			return d.info(), true
		}
	}

	return Info{}, false
}

// Visit invokes visitor for every region in address order. The free argument
// is true for free regions, which carry an empty type. Returning false from
// visitor stops the walk. visitor must not call back into the allocator.
func (a *Allocator) Visit(visitor func(info Info, free bool) bool) {
	a.lock.Acquire()
	defer a.lock.Release()

	f, u := a.freeByAddr, a.used
	for f != nil || u != nil {
		var ok bool
		if u == nil || (f != nil && f.addr < u.addr) {
			ok = visitor(f.info(), true)
			f = f.next
		} else {
			ok = visitor(u.info(), false)
			u = u.next
		}

		if !ok {
			return
		}
	}
}

// Dump writes the region map to w in address order.
func (a *Allocator) Dump(w io.Writer) {
	a.Visit(func(info Info, free bool) bool {
		typ := info.Type
		if free {
			typ = "free"
		}
		kfmt.Fprintf(w, "[0x%8x - 0x%8x) %8d KiB %s\n", info.Addr, info.Addr+info.Size, info.Size>>10, typ)
		return true
	})
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	var s Stats
	a.Visit(func(info Info, free bool) bool {
		if free {
			s.FreeBytes += info.Size
			s.FreeRegions++
		} else {
			s.UsedBytes += info.Size
			s.UsedRegions++
		}
		return true
	})

	a.lock.Acquire()
	s.UnusedDescriptors = a.unusedCount
	s.DescriptorPages = a.descriptorPages
	a.lock.Release()

	return s
}

func (a *Allocator) pushUnused(d *descriptor) {
	d.reset(stateUnused)
	d.next = a.unused
	a.unused = d
	a.unusedCount++
}

func (a *Allocator) popUnused() *descriptor {
	d := a.unused
	if d == nil {
		return nil
	}

	a.unused = d.next
	a.unusedCount--
	d.next = nil
	return d
}

// insertUsed links d into the address-sorted used list.
func (a *Allocator) insertUsed(d *descriptor) {
	var prev *descriptor
	next := a.used
	for ; next != nil && next.addr < d.addr; prev, next = next, next.next {
	}

	d.prev, d.next = prev, next
	if prev == nil {
		a.used = d
	} else {
		prev.next = d
	}
	if next != nil {
		next.prev = d
	}
}

func (a *Allocator) unlinkUsed(d *descriptor) {
	if d.prev == nil {
		a.used = d.next
	} else {
		d.prev.next = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	}
	d.prev, d.next = nil, nil
}

func (a *Allocator) unlinkFree(d *descriptor) {
	if d.prev == nil {
		a.freeByAddr = d.next
	} else {
		d.prev.next = d.next
	}
	if d.next != nil {
		d.next.prev = d.prev
	}
	d.prev, d.next = nil, nil
}
