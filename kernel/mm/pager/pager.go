// Package pager implements objects that supply physical frames for ranges
// of virtual memory. A Pager hands out frames for page-aligned offsets,
// tracks which of them are resident and dirty and keeps every user mapping
// of its pages consistent when pages are released or the object shrinks.
package pager

import (
	"io"

	"gopher32/kernel"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/region"
	"gopher32/kernel/mm/vmm"
	"gopher32/kernel/sync"
)

// ScratchType tags the kernel regions that pagers borrow to access frames.
const ScratchType = "pager scratch"

var (
	// ErrOutOfRange is returned for offsets at or past the pager size.
	ErrOutOfRange = &kernel.Error{Module: "pager", Message: "offset outside of pager bounds"}

	errMapped  = &kernel.Error{Module: "pager", Message: "pager still has active mappings"}
	errDeleted = &kernel.Error{Module: "pager", Message: "pager has been deleted"}
)

// Memory copies data through virtual addresses. *cpu.CPU implements it.
type Memory interface {
	ReadBytes(virtAddr uintptr, buf []byte)
	WriteBytes(virtAddr uintptr, buf []byte)
	Memset(virtAddr uintptr, value byte, size uintptr)
}

// Env bundles the kernel services that a pager depends on.
type Env struct {
	Frames  mm.FrameAllocator
	VM      *vmm.Manager
	Regions *region.Allocator
	Mem     Memory
}

// withScratch maps frames into a contiguous kernel window, invokes fn with
// its address and tears the window down again.
func (e *Env) withScratch(frames []mm.Frame, fn func(addr uintptr)) *kernel.Error {
	addr, err := e.Regions.Alloc(uintptr(len(frames))<<mm.PageShift, ScratchType, nil)
	if err != nil {
		return err
	}

	mapped := 0
	for ; mapped < len(frames); mapped++ {
		page := mm.PageFromAddress(addr + uintptr(mapped)<<mm.PageShift)
		if err = e.VM.MapPage(page, frames[mapped], vmm.FlagPresent|vmm.FlagRW); err != nil {
			break
		}
	}

	if err == nil {
		fn(addr)
	}

	for i := 0; i < mapped; i++ {
		_ = e.VM.UnmapPage(mm.PageFromAddress(addr + uintptr(i)<<mm.PageShift))
	}
	_ = e.Regions.Free(addr)

	return err
}

type pageStatus uint8

const (
	statusAccessed pageStatus = 1 << iota
	statusDirty
)

// page tracks a resident page of the pager.
type page struct {
	frame  mm.Frame
	status pageStatus
}

// Pager supplies frames for the pages of a memory object.
type Pager struct {
	env     *Env
	backend backend
	log     io.Writer

	// lock protects the fields below and serializes every change to the
	// page tables that map pages of this pager.
	lock    sync.Spinlock
	size    uintptr
	pages   map[uintptr]*page
	maps    *UserRegion
	deleted bool
}

func newPager(env *Env, size uintptr, b backend, name string) *Pager {
	return &Pager{
		env:     env,
		backend: b,
		log:     kfmt.ModuleWriter(name),
		size:    size,
		pages:   make(map[uintptr]*page),
	}
}

// NewSwapPager returns a pager for anonymous memory. Pages are zero-filled
// on first access. If resizable is false, calls to Resize fail.
func NewSwapPager(env *Env, size uintptr, resizable bool) *Pager {
	return newPager(env, size, &swapBackend{resizable: resizable}, "swap pager")
}

// NewFilePager returns a pager whose contents are read from node. Dirty
// pages can be committed if node implements io.WriterAt and the pager can
// be resized if node implements Truncater.
func NewFilePager(env *Env, size uintptr, node io.ReaderAt) *Pager {
	return newPager(env, size, &fileBackend{node: node}, "file pager")
}

// NewDevicePager returns a pager that exposes size bytes of physical memory
// starting at the page-aligned address physAddr.
func NewDevicePager(env *Env, size uintptr, physAddr uintptr) *Pager {
	return newPager(env, size, &deviceBackend{base: mm.FrameFromAddress(physAddr)}, "device pager")
}

// Size returns the size of the paged object in bytes.
func (p *Pager) Size() uintptr {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.size
}

// Resident returns the number of pages that currently hold a frame.
func (p *Pager) Resident() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return len(p.pages)
}

// Dirty reports whether the page containing offset has been modified since
// it was last committed.
func (p *Pager) Dirty(offset uintptr) bool {
	p.lock.Acquire()
	defer p.lock.Release()

	offset = pageOffset(offset)
	p.harvestLocked(offset, offset+mm.PageSize)
	pg, ok := p.pages[offset]
	return ok && pg.status&statusDirty != 0
}

// pageOffset rounds offset down to a page boundary.
func pageOffset(offset uintptr) uintptr {
	return offset &^ (mm.PageSize - 1)
}

// pageRange returns the page-aligned bounds covering [offset, offset+length).
func pageRange(offset, length uintptr) (uintptr, uintptr) {
	return pageOffset(offset), mm.PageAlign(offset + length)
}

func (p *Pager) checkRange(offset, length uintptr) *kernel.Error {
	switch {
	case p.deleted:
		return errDeleted
	case offset >= p.size, length > p.size-offset:
		return ErrOutOfRange
	}
	return nil
}

// GetFrame returns the frame that backs the page containing offset, paging
// it in if needed.
func (p *Pager) GetFrame(offset uintptr) (mm.Frame, *kernel.Error) {
	offset = pageOffset(offset)

	p.lock.Acquire()
	if err := p.checkRange(offset, 0); err != nil {
		p.lock.Release()
		return mm.InvalidFrame, err
	}
	if pg, ok := p.pages[offset]; ok {
		p.lock.Release()
		return pg.frame, nil
	}
	size := p.size
	p.lock.Release()

	frame, err := p.backend.pageIn(p, offset, size)
	if err != nil {
		return mm.InvalidFrame, err
	}

	p.lock.Acquire()
	if pg, ok := p.pages[offset]; ok {
		// Another caller paged in the same offset while the lock was
		// dropped.
		p.lock.Release()
		p.backend.releaseFrame(p, frame)
		return pg.frame, nil
	}
	if p.checkRange(offset, 0) != nil {
		// The pager shrank while the lock was dropped.
		p.lock.Release()
		p.backend.releaseFrame(p, frame)
		return mm.InvalidFrame, ErrOutOfRange
	}
	p.pages[offset] = &page{frame: frame}
	p.lock.Release()

	return frame, nil
}

// PageIn makes every page overlapping [offset, offset+length) resident.
func (p *Pager) PageIn(offset, length uintptr) *kernel.Error {
	p.lock.Acquire()
	err := p.checkRange(offset, length)
	p.lock.Release()
	if err != nil {
		return err
	}

	start, end := pageRange(offset, length)
	for off := start; off < end; off += mm.PageSize {
		if _, err = p.GetFrame(off); err != nil {
			return err
		}
	}
	return nil
}

// PageCommit writes back every dirty page overlapping [offset,
// offset+length). A page stays dirty if writing it back fails. The first
// error encountered is returned.
func (p *Pager) PageCommit(offset, length uintptr) *kernel.Error {
	if !p.backend.writesBack() {
		return nil
	}

	type commit struct {
		offset uintptr
		frame  mm.Frame
	}

	p.lock.Acquire()
	if err := p.checkRange(offset, length); err != nil {
		p.lock.Release()
		return err
	}

	start, end := pageRange(offset, length)
	p.harvestLocked(start, end)

	var pending []commit
	for off, pg := range p.pages {
		if off >= start && off < end && pg.status&statusDirty != 0 {
			pg.status &^= statusDirty
			pending = append(pending, commit{offset: off, frame: pg.frame})
		}
	}
	size := p.size
	p.lock.Release()

	var firstErr *kernel.Error
	for _, c := range pending {
		err := p.backend.pageCommit(p, c.offset, size, c.frame)
		if err == nil {
			continue
		}

		kfmt.Fprintf(p.log, "warning: commit of page at offset 0x%x failed: %s\n", c.offset, err.Message)

		p.lock.Acquire()
		if pg, ok := p.pages[c.offset]; ok && pg.frame == c.frame {
			pg.status |= statusDirty
		}
		p.lock.Release()

		if firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// PageOut commits the pages overlapping [offset, offset+length) and releases
// the ones that are clean afterwards. Pages whose write back failed remain
// resident, as do dirty pages of pagers without a write-back path.
func (p *Pager) PageOut(offset, length uintptr) *kernel.Error {
	p.lock.Acquire()
	err := p.checkRange(offset, length)
	p.lock.Release()
	if err != nil {
		return err
	}

	err = p.PageCommit(offset, length)

	start, end := pageRange(offset, length)
	p.lock.Acquire()
	p.unmapLocked(start, end)

	var frames []mm.Frame
	for off, pg := range p.pages {
		if off >= start && off < end && pg.status&statusDirty == 0 {
			frames = append(frames, pg.frame)
			delete(p.pages, off)
		}
	}
	p.lock.Release()

	for _, frame := range frames {
		p.backend.releaseFrame(p, frame)
	}

	return err
}

// PageRelease discards the pages overlapping [offset, offset+length)
// without writing them back. A warning is logged for every dirty page.
func (p *Pager) PageRelease(offset, length uintptr) *kernel.Error {
	p.lock.Acquire()
	if err := p.checkRange(offset, length); err != nil {
		p.lock.Release()
		return err
	}
	start, end := pageRange(offset, length)
	frames := p.detachLocked(start, end, true)
	p.lock.Release()

	for _, frame := range frames {
		p.backend.releaseFrame(p, frame)
	}
	return nil
}

// detachLocked unmaps and forgets the resident pages in [start, end) and
// returns their frames.
func (p *Pager) detachLocked(start, end uintptr, warnDirty bool) []mm.Frame {
	p.unmapLocked(start, end)

	var frames []mm.Frame
	for off, pg := range p.pages {
		if off < start || off >= end {
			continue
		}
		if warnDirty && pg.status&statusDirty != 0 {
			kfmt.Fprintf(p.log, "warning: releasing dirty page at offset 0x%x\n", off)
		}
		frames = append(frames, pg.frame)
		delete(p.pages, off)
	}
	return frames
}

// Resize changes the size of the paged object. When shrinking, pages past
// the new end are unmapped from every mapping and released.
func (p *Pager) Resize(newSize uintptr) *kernel.Error {
	p.lock.Acquire()
	if p.deleted {
		p.lock.Release()
		return errDeleted
	}
	p.lock.Release()

	if err := p.backend.resize(p, newSize); err != nil {
		return err
	}

	p.lock.Acquire()
	oldSize := p.size
	p.size = newSize
	var frames []mm.Frame
	if newSize < oldSize {
		frames = p.detachLocked(mm.PageAlign(newSize), mm.PageAlign(oldSize), false)
	}
	p.lock.Release()

	for _, frame := range frames {
		p.backend.releaseFrame(p, frame)
	}
	return nil
}

// Read copies len(buf) bytes starting at offset into buf.
func (p *Pager) Read(offset uintptr, buf []byte) *kernel.Error {
	return p.copy(offset, buf, false)
}

// Write copies buf into the object starting at offset and marks the
// affected pages dirty.
func (p *Pager) Write(offset uintptr, buf []byte) *kernel.Error {
	return p.copy(offset, buf, true)
}

func (p *Pager) copy(offset uintptr, buf []byte, write bool) *kernel.Error {
	if len(buf) == 0 {
		return nil
	}

	length := uintptr(len(buf))
	start, end := pageRange(offset, length)
	frames := make([]mm.Frame, 0, (end-start)>>mm.PageShift)

	for {
		if err := p.PageIn(offset, length); err != nil {
			return err
		}

		p.lock.Acquire()
		var ok bool
		if frames, ok = p.residentLocked(start, end, frames[:0]); ok {
			break
		}
		// A page was released after it was paged in.
		p.lock.Release()
	}
	defer p.lock.Release()

	err := p.env.withScratch(frames, func(addr uintptr) {
		if write {
			p.env.Mem.WriteBytes(addr+offset-start, buf)
		} else {
			p.env.Mem.ReadBytes(addr+offset-start, buf)
		}
	})
	if err != nil {
		return err
	}

	for off := start; off < end; off += mm.PageSize {
		p.pages[off].status |= statusAccessed
		if write {
			p.pages[off].status |= statusDirty
		}
	}
	return nil
}

// residentLocked appends the frames backing [start, end) to frames. It
// returns false if any page in the range is not resident.
func (p *Pager) residentLocked(start, end uintptr, frames []mm.Frame) ([]mm.Frame, bool) {
	for off := start; off < end; off += mm.PageSize {
		pg, ok := p.pages[off]
		if !ok {
			return frames, false
		}
		frames = append(frames, pg.frame)
	}
	return frames, true
}

// Delete commits any dirty pages, releases every frame held by the pager and
// makes further operations fail. It fails if the pager is still mapped.
func (p *Pager) Delete() *kernel.Error {
	p.lock.Acquire()
	switch {
	case p.deleted:
		p.lock.Release()
		return errDeleted
	case p.maps != nil:
		p.lock.Release()
		return errMapped
	}
	size := p.size
	p.lock.Release()

	if size > 0 {
		if err := p.PageCommit(0, size); err != nil {
			kfmt.Fprintf(p.log, "warning: commit before delete failed: %s\n", err.Message)
		}
	}

	p.lock.Acquire()
	frames := p.detachLocked(0, ^uintptr(0), p.backend.writesBack())
	p.deleted = true
	p.lock.Release()

	for _, frame := range frames {
		p.backend.releaseFrame(p, frame)
	}
	return nil
}
