package pmm

import (
	"bytes"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"strings"
	"testing"
)

func TestBitmapAllocatorInit(t *testing.T) {
	var alloc BitmapAllocator

	err := alloc.Init([]MemRegion{
		{PhysAddress: 0, Length: 640 * 1024},
		{PhysAddress: 0x100000 + 10, Length: 1024 * 1024},
	})
	if err != nil {
		t.Fatal(err)
	}

	if exp, got := 2, len(alloc.pools); got != exp {
		t.Fatalf("expected allocator to initialize %d pools; got %d", exp, got)
	}

	// The second region is not page-aligned; its first frame gets rounded up
	// and its last frame gets rounded down.
	if exp, got := mm.Frame(0x101), alloc.pools[1].startFrame; got != exp {
		t.Errorf("expected second pool to start at frame %x; got %x", exp, got)
	}

	if exp, got := mm.Frame(0x1ff), alloc.pools[1].endFrame; got != exp {
		t.Errorf("expected second pool to end at frame %x; got %x", exp, got)
	}

	// Frame 0 is always reserved
	if exp, got := alloc.TotalCount()-1, alloc.FreeCount(); got != exp {
		t.Errorf("expected %d free frames; got %d", exp, got)
	}

	if !alloc.isReserved(0, mm.Frame(0)) {
		t.Error("expected frame 0 to be reserved")
	}
}

func TestBitmapAllocatorInitErrors(t *testing.T) {
	var alloc BitmapAllocator

	specs := [][]MemRegion{
		nil,
		{{PhysAddress: 10, Length: 100}},
	}

	for specIndex, spec := range specs {
		if err := alloc.Init(spec); err != errNoUsablePools {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, errNoUsablePools, err)
		}
	}
}

func TestBitmapAllocatorMarkFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		pools: []framePool{
			{
				startFrame: mm.Frame(0),
				endFrame:   mm.Frame(127),
				freeCount:  128,
				freeBitmap: make([]uint64, 2),
			},
		},
		totalPages: 128,
	}

	lastFrame := mm.Frame(alloc.totalPages)
	for frame := mm.Frame(0); frame < lastFrame; frame++ {
		alloc.markFrame(0, frame, markReserved)

		block := uint64(frame / 64)
		blockOffset := uint64(frame % 64)
		bitIndex := (63 - blockOffset)
		bitMask := uint64(1 << bitIndex)

		if alloc.pools[0].freeBitmap[block]&bitMask != bitMask {
			t.Errorf("[frame %d] expected block[%d], bit %d to be set", frame, block, bitIndex)
		}

		alloc.markFrame(0, frame, markFree)

		if alloc.pools[0].freeBitmap[block]&bitMask != 0 {
			t.Errorf("[frame %d] expected block[%d], bit %d to be unset", frame, block, bitIndex)
		}
	}

	// Calling markFrame with a frame not part of the pool should be a no-op
	alloc.markFrame(0, mm.Frame(0xbadf00d), markReserved)
	for blockIndex, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %d", blockIndex, block)
		}
	}

	// Calling markFrame with a negative pool index should be a no-op
	alloc.markFrame(-1, mm.Frame(0), markReserved)
	for blockIndex, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %d", blockIndex, block)
		}
	}
}

func TestBitmapAllocatorPoolForFrame(t *testing.T) {
	var alloc = BitmapAllocator{
		pools: []framePool{
			{
				startFrame: mm.Frame(0),
				endFrame:   mm.Frame(63),
				freeCount:  64,
				freeBitmap: make([]uint64, 1),
			},
			{
				startFrame: mm.Frame(128),
				endFrame:   mm.Frame(191),
				freeCount:  64,
				freeBitmap: make([]uint64, 1),
			},
		},
		totalPages: 128,
	}

	specs := []struct {
		frame    mm.Frame
		expIndex int
	}{
		{mm.Frame(0), 0},
		{mm.Frame(63), 0},
		{mm.Frame(64), -1},
		{mm.Frame(128), 1},
		{mm.Frame(192), -1},
	}

	for specIndex, spec := range specs {
		if got := alloc.poolForFrame(spec.frame); got != spec.expIndex {
			t.Errorf("[spec %d] expected to get pool index %d; got %d", specIndex, spec.expIndex, got)
		}
	}
}

func TestBitmapAllocatorAllocAndFreeFrames(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]MemRegion{{PhysAddress: 0, Length: 64 * uint64(mm.PageSize)}}); err != nil {
		t.Fatal(err)
	}

	// Reserve frames 1-3 (e.g. the kernel image)
	alloc.ReserveFrames(mm.Frame(1), 3)

	first, err := alloc.AllocFrames(1)
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.Frame(4); first != exp {
		t.Fatalf("expected first allocation to return frame %d; got %d", exp, first)
	}

	// Punch a 1-frame hole so the next 2-frame request cannot use it
	second, _ := alloc.AllocFrames(1)
	third, _ := alloc.AllocFrames(1)
	alloc.FreeFrames(second, 1)

	run, err := alloc.AllocFrames(2)
	if err != nil {
		t.Fatal(err)
	}

	if run <= third {
		t.Fatalf("expected 2-frame run to be allocated after frame %d; got %d", third, run)
	}

	if got, _ := alloc.AllocFrames(1); got != second {
		t.Fatalf("expected single frame request to reuse frame %d; got %d", second, got)
	}

	freeBefore := alloc.FreeCount()
	alloc.FreeFrames(run, 2)
	if exp, got := freeBefore+2, alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames after FreeFrames; got %d", exp, got)
	}

	// Double frees and frame 0 are ignored
	alloc.FreeFrames(run, 2)
	alloc.FreeFrames(mm.Frame(0), 1)
	if exp, got := freeBefore+2, alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames after ignored frees; got %d", exp, got)
	}
}

func TestBitmapAllocatorErrors(t *testing.T) {
	var alloc BitmapAllocator
	if err := alloc.Init([]MemRegion{{PhysAddress: 0, Length: 4 * uint64(mm.PageSize)}}); err != nil {
		t.Fatal(err)
	}

	if _, err := alloc.AllocFrames(0); err != errEmptyRequest {
		t.Fatalf("expected error %v; got %v", errEmptyRequest, err)
	}

	if _, err := alloc.AllocFrames(4); err != errOutOfFrames {
		t.Fatalf("expected error %v; got %v", errOutOfFrames, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := alloc.AllocFrames(1); err != nil {
			t.Fatal(err)
		}
	}

	frame, err := alloc.AllocFrames(1)
	if err != errOutOfFrames {
		t.Fatalf("expected error %v; got %v", errOutOfFrames, err)
	}

	if frame.Valid() {
		t.Fatal("expected an invalid frame to be returned on failure")
	}
}

func TestBitmapAllocatorPrintStats(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var (
		alloc BitmapAllocator
		buf   bytes.Buffer
	)
	kfmt.SetOutputSink(&buf)

	if err := alloc.Init([]MemRegion{{PhysAddress: 0, Length: 8 * uint64(mm.PageSize)}}); err != nil {
		t.Fatal(err)
	}
	alloc.PrintStats()

	if exp, got := "[pmm] frames: total 8, reserved 1, free 7", buf.String(); !strings.Contains(got, exp) {
		t.Fatalf("expected output to contain %q; got %q", exp, got)
	}
}
