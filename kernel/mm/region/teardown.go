package region

import (
	"gopher32/kernel"
	"gopher32/kernel/mm"
)

// PageMapper is implemented by page table managers that can look up and
// remove page mappings.
type PageMapper interface {
	FrameOf(virtAddr uintptr) mm.Frame
	UnmapPage(page mm.Page) *kernel.Error
}

// UnmapFrames removes every page mapping inside the region. The frames
// backing the region are left untouched.
func UnmapFrames(info Info, mapper PageMapper) *kernel.Error {
	return unmapRegion(info, mapper, nil)
}

// UnmapAndFreeFrames removes every page mapping inside the region and returns
// the frames that backed them to frames.
func UnmapAndFreeFrames(info Info, mapper PageMapper, frames mm.FrameAllocator) *kernel.Error {
	return unmapRegion(info, mapper, frames)
}

func unmapRegion(info Info, mapper PageMapper, frames mm.FrameAllocator) *kernel.Error {
	lastPage := mm.PageFromAddress(info.Addr + info.Size - 1)
	for page := mm.PageFromAddress(info.Addr); page <= lastPage; page++ {
		frame := mapper.FrameOf(page.Address())
		if !frame.Valid() {
			continue
		}

		if err := mapper.UnmapPage(page); err != nil {
			return err
		}

		if frames != nil {
			frames.FreeFrames(frame, 1)
		}
	}

	return nil
}
