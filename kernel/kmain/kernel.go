package kmain

import (
	"io"

	"gopher32/kernel"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/pager"
)

// BootArgs returns the key-value pairs of the kernel command line.
func (k *Kernel) BootArgs() map[string]string {
	return k.bootInfo.GetBootCmdLine()
}

// DeviceWindow returns the physical address and size of the reserved
// memory range that device pagers can expose.
func (k *Kernel) DeviceWindow() (uintptr, uintptr) {
	return k.devBase, k.devSize
}

// PagerEnv returns the environment shared by all pagers of this kernel.
func (k *Kernel) PagerEnv() *pager.Env {
	return k.env
}

// NewSwapPager returns an anonymous memory pager of the given size.
func (k *Kernel) NewSwapPager(size uintptr, resizable bool) *pager.Pager {
	return pager.NewSwapPager(k.env, size, resizable)
}

// NewFilePager returns a pager backed by node.
func (k *Kernel) NewFilePager(size uintptr, node io.ReaderAt) *pager.Pager {
	return pager.NewFilePager(k.env, size, node)
}

// NewDevicePager returns a pager exposing size bytes of the device window
// starting at offset.
func (k *Kernel) NewDevicePager(offset, size uintptr) (*pager.Pager, *kernel.Error) {
	if offset&(mm.PageSize-1) != 0 || size == 0 || offset >= k.devSize || size > k.devSize-offset {
		return nil, errNoDeviceMem
	}
	return pager.NewDevicePager(k.env, size, k.devBase+offset), nil
}

// PrintStats writes the region map and the memory management counters to w.
func (k *Kernel) PrintStats(w io.Writer) {
	regionStats := k.Regions.Stats()
	vmStats := k.VM.Stats()

	kfmt.Fprintf(w, "frames: %d free of %d\n", k.Frames.FreeCount(), k.Frames.TotalCount())
	kfmt.Fprintf(w, "regions: %d used (%d KiB), %d free (%d KiB), %d unused descriptors, %d descriptor pages\n",
		regionStats.UsedRegions, regionStats.UsedBytes>>10,
		regionStats.FreeRegions, regionStats.FreeBytes>>10,
		regionStats.UnusedDescriptors, regionStats.DescriptorPages,
	)
	kfmt.Fprintf(w, "vmm: %d lazy syncs, %d tables allocated, %d foreign switches, %d page faults\n",
		vmStats.LazySyncs, vmStats.TablesAllocated, vmStats.ForeignSwitches, k.CPU.PageFaults(),
	)
	kfmt.Fprintf(w, "region map:\n")
	k.Regions.Dump(w)
}

// Shutdown releases the memory backing the simulated machine.
func (k *Kernel) Shutdown() {
	k.CPU.Close()
}
