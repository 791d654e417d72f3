package multiboot

import (
	"encoding/binary"
	"testing"

	"gopher32/kernel"
)

func testInfoData() []byte {
	var b Builder
	b.AddBootLoaderName("gopher32 firmware")
	b.AddCmdLine("consoleFont=terminus8x16 nolazy  heapEnd=0xf0000000")
	b.AddMemoryMap([]MemoryMapEntry{
		{PhysAddress: 0, Length: 654336, Type: MemAvailable},
		{PhysAddress: 654336, Length: 1024, Type: MemReserved},
		{PhysAddress: 1048576, Length: 133038080, Type: MemAvailable},
		{PhysAddress: 134086656, Length: 131072, Type: MemoryEntryType(0xff)},
	})
	return b.Bytes()
}

func TestParse(t *testing.T) {
	data := testInfoData()

	if _, err := Parse(data); err != nil {
		t.Fatal(err)
	}

	if got := TotalSize(data); int(got) != len(data) {
		t.Fatalf("expected total size %d; got %d", len(data), got)
	}

	specs := []struct {
		name   string
		data   []byte
		expErr *kernel.Error
	}{
		{"empty", nil, errTruncated},
		{"short block", data[:len(data)-8], errTruncated},
		{"missing end tag", func() []byte {
			d := append([]byte(nil), data...)
			binary.LittleEndian.PutUint32(d[len(d)-8:], uint32(tagModules))
			binary.LittleEndian.PutUint32(d[len(d)-4:], 16)
			return d
		}(), errBadTagSize},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if _, err := Parse(spec.data); err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}
}

func TestFindTagByTypeWithMissingTag(t *testing.T) {
	info, err := Parse(testInfoData())
	if err != nil {
		t.Fatal(err)
	}

	if tag := info.findTagByType(tagModules); tag != nil {
		t.Fatalf("expected findTagByType to return nil for missing tag; got %v", tag)
	}
}

func TestVisitMemRegion(t *testing.T) {
	specs := []struct {
		expPhys uint64
		expLen  uint64
		expType MemoryEntryType
	}{
		{0, 654336, MemAvailable},
		{654336, 1024, MemReserved},
		{1048576, 133038080, MemAvailable},
		// Unknown entry types are reported as reserved
		{134086656, 131072, MemReserved},
	}

	var visitCount int

	var empty Builder
	info, err := Parse(empty.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return true
	})

	if visitCount != 0 {
		t.Fatal("expected visitor not to be invoked when no memory map tag is present")
	}

	if info, err = Parse(testInfoData()); err != nil {
		t.Fatal(err)
	}

	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		spec := specs[visitCount]
		if entry.PhysAddress != spec.expPhys {
			t.Errorf("[visit %d] expected physical address to be %x; got %x", visitCount, spec.expPhys, entry.PhysAddress)
		}
		if entry.Length != spec.expLen {
			t.Errorf("[visit %d] expected region len to be %x; got %x", visitCount, spec.expLen, entry.Length)
		}
		if entry.Type != spec.expType {
			t.Errorf("[visit %d] expected region type to be %s; got %s", visitCount, spec.expType, entry.Type)
		}
		visitCount++
		return true
	})

	if visitCount != len(specs) {
		t.Fatalf("expected the visitor to be invoked %d times; got %d", len(specs), visitCount)
	}

	// Aborting the scan
	visitCount = 0
	info.VisitMemRegions(func(_ *MemoryMapEntry) bool {
		visitCount++
		return false
	})
	if visitCount != 1 {
		t.Fatalf("expected the scan to stop after the first entry; got %d visits", visitCount)
	}
}

func TestMemoryEntryTypeStringer(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected MemoryEntryType(%d).String() to return %q; got %q", specIndex, spec.input, spec.exp, got)
		}
	}
}

func TestBootStrings(t *testing.T) {
	info, err := Parse(testInfoData())
	if err != nil {
		t.Fatal(err)
	}

	if got := info.BootLoaderName(); got != "gopher32 firmware" {
		t.Fatalf("expected boot loader name %q; got %q", "gopher32 firmware", got)
	}

	exp := map[string]string{
		"consoleFont": "terminus8x16",
		"nolazy":      "nolazy",
		"heapEnd":     "0xf0000000",
	}

	got := info.GetBootCmdLine()
	if len(got) != len(exp) {
		t.Fatalf("expected %d command line entries; got %d: %v", len(exp), len(got), got)
	}
	for k, v := range exp {
		if got[k] != v {
			t.Errorf("expected cmdline key %q to have value %q; got %q", k, v, got[k])
		}
	}
}
