// Package kmain boots the simulated machine and brings the memory
// management subsystems online in dependency order.
package kmain

import (
	"io"

	"gopher32/kernel"
	"gopher32/kernel/cpu"
	"gopher32/kernel/gate"
	"gopher32/kernel/hal/multiboot"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/pager"
	"gopher32/kernel/mm/pmm"
	"gopher32/kernel/mm/region"
	"gopher32/kernel/mm/vmm"
)

const (
	// BootInfoAddr is the physical address where the firmware places the
	// multiboot info block.
	BootInfoAddr = uintptr(0x1000)

	// ImageAddr is the physical load address of the kernel image.
	ImageAddr = uintptr(0x100000)

	bootLoaderName = "gopher32 firmware"
)

var (
	errBadConfig    = &kernel.Error{Module: "kmain", Message: "invalid machine configuration"}
	errNoDeviceMem  = &kernel.Error{Module: "kmain", Message: "device window outside of reserved physical memory"}
	errBootInfoSize = &kernel.Error{Module: "kmain", Message: "boot info block does not fit below the kernel image"}
)

// Config describes the simulated machine.
type Config struct {
	// RAMSize is the amount of physical memory in bytes.
	RAMSize uintptr

	// ImageSize is the size of the kernel image loaded at ImageAddr.
	ImageSize uintptr

	// HeapEnd is the first address past the region allocator heap.
	HeapEnd uintptr

	// DeviceWindow is the size of the physical memory range at the top of
	// RAM that the memory map reports as reserved. Device pagers expose
	// pages of this range.
	DeviceWindow uintptr

	// CmdLine is passed to the kernel through the boot info block.
	CmdLine string
}

// DefaultConfig returns the configuration used by the boot CLI.
func DefaultConfig() Config {
	return Config{
		RAMSize:      32 * 1024 * 1024,
		ImageSize:    1024 * 1024,
		HeapEnd:      0xff000000,
		DeviceWindow: 64 * 1024,
	}
}

func (cfg Config) validate() *kernel.Error {
	switch {
	case cfg.RAMSize&(mm.PageSize-1) != 0, cfg.ImageSize&(mm.PageSize-1) != 0, cfg.DeviceWindow&(mm.PageSize-1) != 0:
		return errBadConfig
	case cfg.ImageSize == 0 || ImageAddr+cfg.ImageSize+cfg.DeviceWindow >= cfg.RAMSize:
		return errBadConfig
	case cfg.HeapEnd <= vmm.KernelBase+cfg.ImageSize || cfg.HeapEnd > vmm.KernelPDTAddr&^(1<<22-1):
		return errBadConfig
	}
	return nil
}

// Kernel holds the subsystems brought up by Boot.
type Kernel struct {
	CPU     *cpu.CPU
	IDT     *gate.IDT
	Frames  *pmm.BitmapAllocator
	VM      *vmm.Manager
	Regions *region.Allocator

	bootInfo *multiboot.Info
	devBase  uintptr
	devSize  uintptr
	env      *pager.Env
	log      io.Writer
}

// Boot powers on a machine described by cfg. The sequence follows a real
// boot: the firmware writes the boot info block, the frame allocator is
// seeded from its memory map, paging is enabled and finally the region
// allocator takes over the kernel heap.
func Boot(cfg Config) (*Kernel, *kernel.Error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	k := &Kernel{IDT: &gate.IDT{}, log: kfmt.ModuleWriter("kmain")}

	var err *kernel.Error
	if k.CPU, err = cpu.New(cfg.RAMSize, k.IDT); err != nil {
		return nil, err
	}

	if err = k.init(cfg); err != nil {
		k.CPU.Close()
		return nil, err
	}

	return k, nil
}

func (k *Kernel) init(cfg Config) *kernel.Error {
	var err *kernel.Error

	if err = writeBootInfo(k.CPU, cfg); err != nil {
		return err
	}
	var bootInfoSize uintptr
	if k.bootInfo, bootInfoSize, err = readBootInfo(k.CPU); err != nil {
		return err
	}

	kfmt.Fprintf(k.log, "booted by %s\n", k.bootInfo.BootLoaderName())

	imageFrames := uint32(cfg.ImageSize >> mm.PageShift)
	if err = k.initFrames(bootInfoSize, imageFrames); err != nil {
		return err
	}

	k.VM = vmm.New(k.CPU, k.IDT, k.Frames)
	if err = k.VM.Init(mm.FrameFromAddress(ImageAddr), imageFrames); err != nil {
		return err
	}

	k.Regions = &region.Allocator{}
	if err = k.Regions.Init(vmm.KernelBase, vmm.KernelBase+cfg.ImageSize, cfg.HeapEnd, k.VM.AllocAndMap); err != nil {
		return err
	}
	k.VM.SetRegionAllocator(k.Regions)

	k.env = &pager.Env{Frames: k.Frames, VM: k.VM, Regions: k.Regions, Mem: k.CPU}
	k.Frames.PrintStats()
	return nil
}

// writeBootInfo plays the part of the boot loader and leaves the boot info
// block at BootInfoAddr.
func writeBootInfo(c *cpu.CPU, cfg Config) *kernel.Error {
	usableEnd := uint64(cfg.RAMSize - cfg.DeviceWindow)
	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: usableEnd, Type: multiboot.MemAvailable},
	}
	if cfg.DeviceWindow != 0 {
		entries = append(entries, multiboot.MemoryMapEntry{
			PhysAddress: usableEnd,
			Length:      uint64(cfg.DeviceWindow),
			Type:        multiboot.MemReserved,
		})
	}

	var b multiboot.Builder
	b.AddBootLoaderName(bootLoaderName)
	b.AddCmdLine(cfg.CmdLine)
	b.AddMemoryMap(entries)

	data := b.Bytes()
	if BootInfoAddr+uintptr(len(data)) > ImageAddr {
		return errBootInfoSize
	}

	// Paging is still disabled so physical and virtual addresses match.
	c.WriteBytes(BootInfoAddr, data)
	return nil
}

// readBootInfo parses the boot info block and returns it together with its
// size in bytes.
func readBootInfo(c *cpu.CPU) (*multiboot.Info, uintptr, *kernel.Error) {
	var header [4]byte
	c.ReadBytes(BootInfoAddr, header[:])

	size := uintptr(multiboot.TotalSize(header[:]))
	if BootInfoAddr+size > ImageAddr {
		return nil, 0, errBootInfoSize
	}

	data := make([]byte, size)
	c.ReadBytes(BootInfoAddr, data)
	info, err := multiboot.Parse(data)
	return info, size, err
}

// initFrames seeds the frame allocator with the available regions of the
// memory map and reserves the boot info block and the kernel image. The
// first reserved region above the image becomes the device window.
func (k *Kernel) initFrames(bootInfoSize uintptr, imageFrames uint32) *kernel.Error {
	var regions []pmm.MemRegion
	k.bootInfo.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(k.log, "memory map: [0x%8x - 0x%8x] %s\n", entry.PhysAddress, entry.PhysAddress+entry.Length-1, entry.Type.String())

		switch {
		case entry.Type == multiboot.MemAvailable:
			regions = append(regions, pmm.MemRegion{PhysAddress: entry.PhysAddress, Length: entry.Length})
		case k.devSize == 0 && entry.PhysAddress > uint64(ImageAddr):
			k.devBase, k.devSize = uintptr(entry.PhysAddress), uintptr(entry.Length)
		}
		return true
	})

	k.Frames = &pmm.BitmapAllocator{}
	if err := k.Frames.Init(regions); err != nil {
		return err
	}

	k.Frames.ReserveFrames(mm.FrameFromAddress(BootInfoAddr), uint32(mm.PageAlign(bootInfoSize)>>mm.PageShift))
	k.Frames.ReserveFrames(mm.FrameFromAddress(ImageAddr), imageFrames)
	return nil
}
