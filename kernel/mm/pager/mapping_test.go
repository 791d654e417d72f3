package pager

import (
	"testing"

	"gopher32/kernel"
	"gopher32/kernel/cpu"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/vmm"
)

const testMapAddr = uintptr(0x400000)

func newMappedSpace(t *testing.T, m *testMachine) (*vmm.PageDirectoryTable, *Mappings) {
	mappings := &Mappings{}
	pdt, err := m.mgr.CreateAddressSpace(mappings.HandleFault, nil)
	if err != nil {
		t.Fatal(err)
	}
	return pdt, mappings
}

func TestUserRegionDemandPaging(t *testing.T) {
	m := newTestMachine(t)
	pdt, mappings := newMappedSpace(t, m)
	p := NewSwapPager(m.env, 2*mm.PageSize, false)

	r := &UserRegion{PDT: pdt, Addr: testMapAddr, Size: 2 * mm.PageSize, Writable: true}
	if err := p.AddMap(r); err != nil {
		t.Fatal(err)
	}
	mappings.Add(r)

	m.mgr.SwitchAddressSpace(pdt)
	faultsBefore := m.cpu.PageFaults()
	m.cpu.Access(testMapAddr+mm.PageSize+8, []byte("mapped"), cpu.AccessUser|cpu.AccessWrite)
	if got := m.cpu.PageFaults() - faultsBefore; got != 1 {
		t.Fatalf("expected a single page fault; got %d", got)
	}
	m.mgr.SwitchAddressSpace(m.mgr.KernelPDT())

	frame, err := p.GetFrame(mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if got := pdt.FrameOf(testMapAddr + mm.PageSize); got != frame {
		t.Fatalf("expected the mapping to point to frame %d; got %d", frame, got)
	}
	if pdt.FrameOf(testMapAddr).Valid() {
		t.Fatal("expected the untouched page to remain unmapped")
	}

	// The dirty bit set by the user write is harvested from the page table.
	if !p.Dirty(mm.PageSize) {
		t.Fatal("expected the page written through the mapping to be dirty")
	}
	if pdt.Flags(testMapAddr+mm.PageSize)&vmm.FlagDirty != 0 {
		t.Fatal("expected harvesting to clear the hardware dirty bit")
	}

	got := make([]byte, 6)
	if err = p.Read(mm.PageSize+8, got); err != nil {
		t.Fatal(err)
	}
	if string(got) != "mapped" {
		t.Fatalf("expected to read back the data written through the mapping; got %q", got)
	}

	if err = p.PageRelease(0, 2*mm.PageSize); err != nil {
		t.Fatal(err)
	}
	if pdt.FrameOf(testMapAddr + mm.PageSize).Valid() {
		t.Fatal("expected release to unmap the page from the user mapping")
	}

	// Touching the page again faults in a fresh zero page.
	m.mgr.SwitchAddressSpace(pdt)
	readBack := make([]byte, 6)
	m.cpu.Access(testMapAddr+mm.PageSize+8, readBack, cpu.AccessUser)
	m.mgr.SwitchAddressSpace(m.mgr.KernelPDT())
	if readBack[0] != 0 {
		t.Fatal("expected the released page to be replaced by a zero page")
	}

	if err = p.Delete(); err != errMapped {
		t.Fatalf("expected errMapped; got %v", err)
	}
	if err = p.RemoveMap(r); err != nil {
		t.Fatal(err)
	}
	mappings.Remove(r)
	if pdt.FrameOf(testMapAddr + mm.PageSize).Valid() {
		t.Fatal("expected RemoveMap to unmap installed pages")
	}
	if err = p.Delete(); err != nil {
		t.Fatal(err)
	}
	if err = m.mgr.DestroyAddressSpace(pdt); err != nil {
		t.Fatal(err)
	}
}

func TestShrinkUnmapsFromAllMappings(t *testing.T) {
	m := newTestMachine(t)
	p := NewSwapPager(m.env, 3*mm.PageSize, true)

	var spaces []*vmm.PageDirectoryTable
	for i := 0; i < 2; i++ {
		pdt, mappings := newMappedSpace(t, m)
		r := &UserRegion{PDT: pdt, Addr: testMapAddr, Size: 3 * mm.PageSize, Writable: true}
		if err := p.AddMap(r); err != nil {
			t.Fatal(err)
		}
		mappings.Add(r)

		m.mgr.SwitchAddressSpace(pdt)
		m.cpu.Load32(testMapAddr + 2*mm.PageSize)
		spaces = append(spaces, pdt)
	}
	m.mgr.SwitchAddressSpace(m.mgr.KernelPDT())

	frame, _ := p.GetFrame(2 * mm.PageSize)
	for i, pdt := range spaces {
		if got := pdt.FrameOf(testMapAddr + 2*mm.PageSize); got != frame {
			t.Fatalf("[space %d] expected shared frame %d; got %d", i, frame, got)
		}
	}

	if err := p.Resize(mm.PageSize); err != nil {
		t.Fatal(err)
	}
	for i, pdt := range spaces {
		if pdt.FrameOf(testMapAddr + 2*mm.PageSize).Valid() {
			t.Fatalf("[space %d] expected page past the new end to be unmapped", i)
		}
	}

	// Faulting past the end of the object is fatal.
	m.mgr.SwitchAddressSpace(spaces[0])
	defer m.mgr.SwitchAddressSpace(m.mgr.KernelPDT())
	_ = captureOutput(t)
	expectHalt(t, ErrOutOfRange, func() { m.cpu.Load32(testMapAddr + 2*mm.PageSize) })
}

func TestUserRegionFaultErrors(t *testing.T) {
	m := newTestMachine(t)
	pdt, mappings := newMappedSpace(t, m)
	p := NewSwapPager(m.env, mm.PageSize, false)

	r := &UserRegion{PDT: pdt, Addr: testMapAddr, Size: mm.PageSize}
	if err := p.AddMap(r); err != nil {
		t.Fatal(err)
	}
	mappings.Add(r)

	specs := []struct {
		name   string
		addr   uintptr
		code   cpu.FaultCode
		expErr *kernel.Error
	}{
		{"write to read-only mapping", testMapAddr, cpu.FaultWrite | cpu.FaultUser, errWriteToReadOnly},
		{"protection fault", testMapAddr, cpu.FaultPresent | cpu.FaultUser, errProtection},
		{"address outside every mapping", testMapAddr + mm.PageSize, cpu.FaultUser, errNoMapping},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if err := mappings.HandleFault(pdt, spec.addr, spec.code, nil); err != spec.expErr {
				t.Fatalf("expected %v; got %v", spec.expErr, err)
			}
		})
	}

	if err := mappings.HandleFault(pdt, testMapAddr+12, cpu.FaultUser, nil); err != nil {
		t.Fatal(err)
	}
	if flags := pdt.Flags(testMapAddr); flags&vmm.FlagRW != 0 || flags&vmm.FlagUserAccessible == 0 {
		t.Fatalf("expected a read-only user mapping; got flags %x", flags)
	}
}

func TestAddMapErrors(t *testing.T) {
	m := newTestMachine(t)
	pdt, _ := newMappedSpace(t, m)
	p := NewSwapPager(m.env, 2*mm.PageSize, false)
	other := NewSwapPager(m.env, 2*mm.PageSize, false)

	attached := &UserRegion{PDT: pdt, Addr: testMapAddr, Size: mm.PageSize}
	if err := other.AddMap(attached); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		name   string
		region *UserRegion
		expErr *kernel.Error
	}{
		{"unaligned address", &UserRegion{PDT: pdt, Addr: testMapAddr + 1, Size: mm.PageSize}, errBadMapping},
		{"unaligned offset", &UserRegion{PDT: pdt, Addr: testMapAddr, Offset: 10, Size: mm.PageSize}, errBadMapping},
		{"empty", &UserRegion{PDT: pdt, Addr: testMapAddr}, errBadMapping},
		{"past the end", &UserRegion{PDT: pdt, Addr: testMapAddr, Offset: mm.PageSize, Size: 2 * mm.PageSize}, errBadMapping},
		{"attached elsewhere", attached, errAlreadyMapped},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if err := p.AddMap(spec.region); err != spec.expErr {
				t.Fatalf("expected %v; got %v", spec.expErr, err)
			}
		})
	}

	if err := p.RemoveMap(attached); err != errNotMapped {
		t.Fatalf("expected errNotMapped; got %v", err)
	}
}
