package pager

import (
	"io"

	"gopher32/kernel"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
)

var (
	// ErrBackingStore is returned when the backing object returns fewer
	// bytes than requested.
	ErrBackingStore = &kernel.Error{Module: "pager", Message: "backing store transfer failed"}

	errNotResizable = &kernel.Error{Module: "pager", Message: "pager backend does not support resizing"}
	errReadOnly     = &kernel.Error{Module: "pager", Message: "backing object does not support write back"}
)

// Truncater is implemented by backing objects that can change their size.
type Truncater interface {
	Truncate(size int64) error
}

// backend implements the operations that differ between pager types. Its
// methods are invoked without the pager lock held and may block.
type backend interface {
	// pageIn returns a frame holding the contents of the page at offset.
	// size is the object size when the page-in started.
	pageIn(p *Pager, offset, size uintptr) (mm.Frame, *kernel.Error)

	// writesBack reports whether pageCommit transfers data. Pagers whose
	// backend does not write back treat commits as no-ops and never
	// clear dirty bits. A dirty anonymous page has no other copy, so
	// PageOut keeps it resident instead of releasing it; the price is that
	// swap and device pagers cannot shed dirty pages through PageOut.
	writesBack() bool

	// pageCommit writes the contents of frame back to offset.
	pageCommit(p *Pager, offset, size uintptr, frame mm.Frame) *kernel.Error

	// releaseFrame disposes of a frame previously returned by pageIn.
	releaseFrame(p *Pager, frame mm.Frame)

	// resize adjusts the backing object to newSize.
	resize(p *Pager, newSize uintptr) *kernel.Error
}

// swapBackend backs anonymous memory. Pages start out zero-filled. Writing
// pages to a swap device is not supported.
type swapBackend struct {
	resizable bool
}

func (b *swapBackend) pageIn(p *Pager, _, _ uintptr) (mm.Frame, *kernel.Error) {
	frame, err := p.env.Frames.AllocFrames(1)
	if err != nil {
		return mm.InvalidFrame, err
	}

	err = p.env.withScratch([]mm.Frame{frame}, func(addr uintptr) {
		p.env.Mem.Memset(addr, 0, mm.PageSize)
	})
	if err != nil {
		p.env.Frames.FreeFrames(frame, 1)
		return mm.InvalidFrame, err
	}

	return frame, nil
}

func (b *swapBackend) writesBack() bool { return false }

func (b *swapBackend) pageCommit(_ *Pager, _, _ uintptr, _ mm.Frame) *kernel.Error {
	return nil
}

func (b *swapBackend) releaseFrame(p *Pager, frame mm.Frame) {
	p.env.Frames.FreeFrames(frame, 1)
}

func (b *swapBackend) resize(_ *Pager, _ uintptr) *kernel.Error {
	if !b.resizable {
		return errNotResizable
	}
	return nil
}

// fileBackend reads pages from an object such as a file. Write back and
// resizing are available when the object implements io.WriterAt and
// Truncater respectively.
type fileBackend struct {
	node io.ReaderAt
}

// pageSpan returns the number of bytes of the page at offset that fall
// inside an object of the given size.
func pageSpan(size, offset uintptr) int {
	if offset >= size {
		return 0
	}
	if remaining := size - offset; remaining < mm.PageSize {
		return int(remaining)
	}
	return int(mm.PageSize)
}

func (b *fileBackend) pageIn(p *Pager, offset, size uintptr) (mm.Frame, *kernel.Error) {
	buf := make([]byte, mm.PageSize)
	if span := pageSpan(size, offset); span > 0 {
		n, err := b.node.ReadAt(buf[:span], int64(offset))
		if n < span {
			if err != nil {
				kfmt.Fprintf(p.log, "read of %d bytes at offset %d failed: %s\n", span, offset, err.Error())
			}
			return mm.InvalidFrame, ErrBackingStore
		}
	}

	frame, err := p.env.Frames.AllocFrames(1)
	if err != nil {
		return mm.InvalidFrame, err
	}

	err = p.env.withScratch([]mm.Frame{frame}, func(addr uintptr) {
		p.env.Mem.WriteBytes(addr, buf)
	})
	if err != nil {
		p.env.Frames.FreeFrames(frame, 1)
		return mm.InvalidFrame, err
	}

	return frame, nil
}

func (b *fileBackend) writesBack() bool { return true }

func (b *fileBackend) pageCommit(p *Pager, offset, size uintptr, frame mm.Frame) *kernel.Error {
	w, ok := b.node.(io.WriterAt)
	if !ok {
		return errReadOnly
	}

	span := pageSpan(size, offset)
	if span == 0 {
		return nil
	}

	buf := make([]byte, span)
	err := p.env.withScratch([]mm.Frame{frame}, func(addr uintptr) {
		p.env.Mem.ReadBytes(addr, buf)
	})
	if err != nil {
		return err
	}

	if n, werr := w.WriteAt(buf, int64(offset)); n < span {
		if werr != nil {
			kfmt.Fprintf(p.log, "write of %d bytes at offset %d failed: %s\n", span, offset, werr.Error())
		}
		return ErrBackingStore
	}

	return nil
}

func (b *fileBackend) releaseFrame(p *Pager, frame mm.Frame) {
	p.env.Frames.FreeFrames(frame, 1)
}

func (b *fileBackend) resize(p *Pager, newSize uintptr) *kernel.Error {
	t, ok := b.node.(Truncater)
	if !ok {
		return errNotResizable
	}

	if err := t.Truncate(int64(newSize)); err != nil {
		kfmt.Fprintf(p.log, "truncate to %d bytes failed: %s\n", newSize, err.Error())
		return ErrBackingStore
	}
	return nil
}

// deviceBackend exposes a fixed range of physical memory. Frames are never
// allocated or freed.
type deviceBackend struct {
	base mm.Frame
}

func (b *deviceBackend) pageIn(_ *Pager, offset, _ uintptr) (mm.Frame, *kernel.Error) {
	return b.base + mm.Frame(offset>>mm.PageShift), nil
}

func (b *deviceBackend) writesBack() bool { return false }

func (b *deviceBackend) pageCommit(_ *Pager, _, _ uintptr, _ mm.Frame) *kernel.Error {
	return nil
}

func (b *deviceBackend) releaseFrame(_ *Pager, _ mm.Frame) {}

func (b *deviceBackend) resize(_ *Pager, _ uintptr) *kernel.Error {
	return errNotResizable
}
