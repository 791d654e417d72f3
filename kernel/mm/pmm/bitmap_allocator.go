// Package pmm provides the physical frame allocator used by the memory
// management subsystems.
package pmm

import (
	"gopher32/kernel"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/sync"
)

var (
	errOutOfFrames   = &kernel.Error{Module: "pmm", Message: "out of physical frames"}
	errEmptyRequest  = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}
	errNoUsablePools = &kernel.Error{Module: "pmm", Message: "no usable memory regions"}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

// MemRegion describes a range of physical memory reported as usable by the
// machine. Length is in bytes.
type MemRegion struct {
	PhysAddress uint64
	Length      uint64
}

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// Init sets up a pool for each usable memory region. Frame 0 is always
// reserved so that it can never be handed out.
func (alloc *BitmapAllocator) Init(regions []MemRegion) *kernel.Error {
	var pageSizeMinus1 = uint64(mm.PageSize - 1)

	alloc.pools = alloc.pools[:0]
	alloc.totalPages, alloc.reservedPages = 0, 0

	for _, region := range regions {
		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		startAddr := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
		endAddr := (region.PhysAddress + region.Length) & ^pageSizeMinus1
		if endAddr <= startAddr {
			continue
		}

		regionStartFrame := mm.Frame(startAddr >> mm.PageShift)
		regionEndFrame := mm.Frame(endAddr>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount
		alloc.pools = append(alloc.pools, framePool{
			startFrame: regionStartFrame,
			endFrame:   regionEndFrame,
			freeCount:  pageCount,
			// To represent the free page bitmap we need pageCount bits
			// rounded up to a multiple of 64.
			freeBitmap: make([]uint64, (pageCount+63)>>6),
		})
	}

	if len(alloc.pools) == 0 {
		return errNoUsablePools
	}

	alloc.ReserveFrames(mm.Frame(0), 1)
	return nil
}

// ReserveFrames flags count frames starting at frame as reserved. Frames not
// covered by any pool are ignored. It is used to protect memory that is in
// use before the allocator comes online (e.g. the kernel image).
func (alloc *BitmapAllocator) ReserveFrames(frame mm.Frame, count uint32) {
	alloc.lock.Acquire()
	for ; count > 0; frame, count = frame+1, count-1 {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 || alloc.isReserved(poolIndex, frame) {
			continue
		}
		alloc.markFrame(poolIndex, frame, markReserved)
	}
	alloc.lock.Release()
}

// AllocFrames reserves count physically contiguous frames using a first-fit
// scan over the pool bitmaps.
func (alloc *BitmapAllocator) AllocFrames(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errEmptyRequest
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < count {
			continue
		}

		var runStart, runLen = pool.startFrame, uint32(0)
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if alloc.isReserved(poolIndex, frame) {
				runLen = 0
				continue
			}

			if runLen == 0 {
				runStart = frame
			}

			if runLen++; runLen == count {
				for f := runStart; f <= frame; f++ {
					alloc.markFrame(poolIndex, f, markReserved)
				}
				return runStart, nil
			}
		}
	}

	return mm.InvalidFrame, errOutOfFrames
}

// FreeFrames releases count frames starting at frame. Releasing a frame that
// is not reserved or not managed by the allocator has no effect.
func (alloc *BitmapAllocator) FreeFrames(frame mm.Frame, count uint32) {
	alloc.lock.Acquire()
	for ; count > 0; frame, count = frame+1, count-1 {
		poolIndex := alloc.poolForFrame(frame)
		if poolIndex < 0 || !alloc.isReserved(poolIndex, frame) || frame == 0 {
			continue
		}
		alloc.markFrame(poolIndex, frame, markFree)
	}
	alloc.lock.Release()
}

// FreeCount returns the number of frames that are currently available.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages - alloc.reservedPages
}

// TotalCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalCount() uint32 {
	return alloc.totalPages
}

// PrintStats outputs the allocator's frame usage.
func (alloc *BitmapAllocator) PrintStats() {
	kfmt.Printf("[pmm] frames: total %d, reserved %d, free %d\n",
		alloc.totalPages, alloc.reservedPages, alloc.totalPages-alloc.reservedPages)
}

// markFrame updates the reservation flag for the bitmap entry that corresponds
// to the supplied frame. Calls with a negative pool index or a frame outside
// the pool are ignored.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-endian representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}
