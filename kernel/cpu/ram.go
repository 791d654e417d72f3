package cpu

import (
	"encoding/binary"

	"gopher32/kernel"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
)

var (
	errRAMUnavailable = &kernel.Error{Module: "cpu", Message: "unable to allocate backing memory for physical RAM"}
	errBusError       = &kernel.Error{Module: "cpu", Message: "physical address outside of installed RAM"}
)

// RAM models the machine's physical memory. Physical address 0 corresponds to
// the first byte of the backing buffer.
type RAM struct {
	mem     []byte
	release func([]byte) error
}

// NewRAM allocates size bytes of physical memory rounded up to a whole number
// of frames. The memory starts out zeroed.
func NewRAM(size uintptr) (*RAM, *kernel.Error) {
	size = mm.PageAlign(size)
	mem, release, err := allocRAM(size)
	if err != nil {
		kfmt.Printf("[cpu] ram allocation failed: %s\n", err.Error())
		return nil, errRAMUnavailable
	}

	return &RAM{mem: mem, release: release}, nil
}

// Close releases the host memory backing the RAM.
func (r *RAM) Close() {
	if r.mem == nil {
		return
	}
	_ = r.release(r.mem)
	r.mem = nil
}

// Size returns the installed RAM size in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.mem))
}

// FrameCount returns the number of physical frames.
func (r *RAM) FrameCount() uint32 {
	return uint32(uintptr(len(r.mem)) >> mm.PageShift)
}

// Frame returns the contents of a physical frame.
func (r *RAM) Frame(frame mm.Frame) []byte {
	addr := frame.Address()
	r.check(addr, mm.PageSize)
	return r.mem[addr : addr+mm.PageSize]
}

// Load32 reads a little-endian 32-bit value from a physical address.
func (r *RAM) Load32(physAddr uintptr) uint32 {
	r.check(physAddr, 4)
	return binary.LittleEndian.Uint32(r.mem[physAddr:])
}

// Store32 writes a little-endian 32-bit value to a physical address.
func (r *RAM) Store32(physAddr uintptr, val uint32) {
	r.check(physAddr, 4)
	binary.LittleEndian.PutUint32(r.mem[physAddr:], val)
}

func (r *RAM) slice(physAddr, size uintptr) []byte {
	r.check(physAddr, size)
	return r.mem[physAddr : physAddr+size]
}

func (r *RAM) check(physAddr, size uintptr) {
	if physAddr+size > uintptr(len(r.mem)) || physAddr+size < physAddr {
		kfmt.Printf("[cpu] bus error accessing physical address 0x%8x\n", physAddr)
		kfmt.Panic(errBusError)
	}
}
