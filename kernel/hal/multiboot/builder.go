package multiboot

import "encoding/binary"

// Builder assembles a boot info block the way a multiboot2 loader lays it
// out. The zero value is ready to use.
type Builder struct {
	tags []byte
}

func (b *Builder) addTag(typ tagType, payload []byte) {
	var hdr [tagHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(typ))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(tagHeaderSize+len(payload)))

	b.tags = append(b.tags, hdr[:]...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)&7 != 0 {
		b.tags = append(b.tags, 0)
	}
}

// AddCmdLine appends a command line tag.
func (b *Builder) AddCmdLine(cmdLine string) {
	b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
}

// AddBootLoaderName appends a boot loader name tag.
func (b *Builder) AddBootLoaderName(name string) {
	b.addTag(tagBootLoaderName, append([]byte(name), 0))
}

// AddMemoryMap appends a memory map tag with the given entries.
func (b *Builder) AddMemoryMap(entries []MemoryMapEntry) {
	payload := make([]byte, mmapHeaderSize+len(entries)*mmapEntrySize)
	binary.LittleEndian.PutUint32(payload[0:], mmapEntrySize)

	for i, entry := range entries {
		off := mmapHeaderSize + i*mmapEntrySize
		binary.LittleEndian.PutUint64(payload[off:], entry.PhysAddress)
		binary.LittleEndian.PutUint64(payload[off+8:], entry.Length)
		binary.LittleEndian.PutUint32(payload[off+16:], uint32(entry.Type))
	}

	b.addTag(tagMemoryMap, payload)
}

// Bytes returns the block terminated by an end tag.
func (b *Builder) Bytes() []byte {
	out := make([]byte, infoHeaderSize, infoHeaderSize+len(b.tags)+tagHeaderSize)
	out = append(out, b.tags...)
	out = append(out, make([]byte, tagHeaderSize)...)
	binary.LittleEndian.PutUint32(out[len(out)-4:], tagHeaderSize)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(out)))
	return out
}
