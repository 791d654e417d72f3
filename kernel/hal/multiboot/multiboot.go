// Package multiboot reads the multiboot2 information block that the boot
// firmware leaves in physical memory. The block carries the physical memory
// map and the kernel command line.
package multiboot

import (
	"encoding/binary"
	"strings"

	"gopher32/kernel"
)

var (
	errTruncated  = &kernel.Error{Module: "multiboot", Message: "boot info block is truncated"}
	errBadTagSize = &kernel.Error{Module: "multiboot", Message: "boot info tag exceeds the block"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the block header (total size and a
	// reserved dword).
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type and size fields that precede
	// each tag. Tags start at 8-byte aligned offsets.
	tagHeaderSize = 8

	// mmapHeaderSize covers the entry size and entry version fields of a
	// memory map tag.
	mmapHeaderSize = 8

	// mmapEntrySize is the size of a version 0 memory map entry.
	mmapEntrySize = 24
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// Info is a parsed view of a boot info block.
type Info struct {
	data      []byte
	cmdLineKV map[string]string
}

// TotalSize returns the size of the boot info block that starts with header.
// header must hold at least the first 4 bytes of the block.
func TotalSize(header []byte) uint32 {
	return binary.LittleEndian.Uint32(header)
}

// Parse validates the tag list contained in data.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize || int(TotalSize(data)) > len(data) {
		return nil, errTruncated
	}
	data = data[:TotalSize(data)]

	for off := infoHeaderSize; ; {
		if off+tagHeaderSize > len(data) {
			return nil, errTruncated
		}

		typ := tagType(binary.LittleEndian.Uint32(data[off:]))
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		if size < tagHeaderSize || off+size > len(data) {
			return nil, errBadTagSize
		}
		if typ == tagMbSectionEnd {
			break
		}

		// Tags are aligned at 8-byte aligned addresses
		off += (size + 7) &^ 7
	}

	return &Info{data: data}, nil
}

// findTagByType scans the tag list looking for the specified type and
// returns the tag contents excluding the tag header. It returns nil if the
// tag is not present.
func (i *Info) findTagByType(typ tagType) []byte {
	for off := infoHeaderSize; ; {
		curType := tagType(binary.LittleEndian.Uint32(i.data[off:]))
		size := int(binary.LittleEndian.Uint32(i.data[off+4:]))
		switch curType {
		case tagMbSectionEnd:
			return nil
		case typ:
			return i.data[off+tagHeaderSize : off+size]
		}

		off += (size + 7) &^ 7
	}
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the boot info block.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	tag := i.findTagByType(tagMemoryMap)
	if len(tag) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(tag))
	if entrySize < mmapEntrySize-4 {
		return
	}

	var entry MemoryMapEntry
	for off := mmapHeaderSize; off+entrySize <= len(tag); off += entrySize {
		entry.PhysAddress = binary.LittleEndian.Uint64(tag[off:])
		entry.Length = binary.LittleEndian.Uint64(tag[off+8:])
		entry.Type = MemoryEntryType(binary.LittleEndian.Uint32(tag[off+16:]))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// BootLoaderName returns the name reported by the boot loader.
func (i *Info) BootLoaderName() string {
	return cString(i.findTagByType(tagBootLoaderName))
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel.
func (i *Info) GetBootCmdLine() map[string]string {
	if i.cmdLineKV != nil {
		return i.cmdLineKV
	}

	i.cmdLineKV = make(map[string]string)
	for _, pair := range strings.Fields(cString(i.findTagByType(tagBootCmdLine))) {
		kv := strings.Split(pair, "=")
		switch len(kv) {
		case 2: // foo=bar
			i.cmdLineKV[kv[0]] = kv[1]
		case 1: // nofoo
			i.cmdLineKV[kv[0]] = kv[0]
		}
	}

	return i.cmdLineKV
}

// cString returns the contents of a NULL-terminated string.
func cString(b []byte) string {
	for i, ch := range b {
		if ch == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
