package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"gopher32/kernel/cpu"
	"gopher32/kernel/kfmt"
	"gopher32/kernel/kmain"
	"gopher32/kernel/mm"
	"gopher32/kernel/mm/pager"
)

const (
	anonMapAddr = uintptr(0x08000000)
	fileMapAddr = uintptr(0x10000000)
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[gopher32] error: %s\n", err.Error())
	os.Exit(1)
}

func runTool() error {
	defaults := kmain.DefaultConfig()

	ramMiB := flag.Uint("ram", uint(defaults.RAMSize>>20), "physical memory size in MiB")
	imageKiB := flag.Uint("image", uint(defaults.ImageSize>>10), "kernel image size in KiB")
	deviceKiB := flag.Uint("device-window", uint(defaults.DeviceWindow>>10), "size of the reserved device memory window in KiB")
	cmdLine := flag.String("cmdline", "", "kernel command line")
	anonPages := flag.Uint("anon-pages", 16, "number of anonymous pages to map and touch")
	filePath := flag.String("file", "", "file to map; a temporary file is used if empty")
	flag.Parse()

	cfg := defaults
	cfg.RAMSize = uintptr(*ramMiB) << 20
	cfg.ImageSize = uintptr(*imageKiB) << 10
	cfg.DeviceWindow = uintptr(*deviceKiB) << 10
	cfg.CmdLine = *cmdLine

	if *anonPages == 0 {
		return errors.New("anon-pages must be greater than zero")
	}

	kfmt.SetOutputSink(os.Stdout)

	k, kerr := kmain.Boot(cfg)
	if kerr != nil {
		return kerr
	}
	defer k.Shutdown()

	file, cleanup, err := openBackingFile(*filePath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err = runWorkload(k, file, uintptr(*anonPages)); err != nil {
		return err
	}

	k.PrintStats(os.Stdout)
	return nil
}

// openBackingFile opens path for reading and writing or creates a temporary
// file holding two pages of sample data.
func openBackingFile(path string) (*os.File, func(), error) {
	if path != "" {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}

	f, err := os.CreateTemp("", "gopher32-*.bin")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}

	sample := make([]byte, 2*mm.PageSize)
	for i := range sample {
		sample[i] = byte('a' + i%26)
	}
	if _, err = f.Write(sample); err != nil {
		cleanup()
		return nil, nil, err
	}

	return f, cleanup, nil
}

// runWorkload maps an anonymous and a file pager into a new address space,
// touches their pages with user-mode accesses and commits the file.
func runWorkload(k *kmain.Kernel, file *os.File, anonPages uintptr) error {
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("backing file is empty")
	}
	fileSize := uintptr(info.Size())

	mappings := &pager.Mappings{}
	pdt, kerr := k.VM.CreateAddressSpace(mappings.HandleFault, nil)
	if kerr != nil {
		return kerr
	}

	anon := k.NewSwapPager(anonPages*mm.PageSize, true)
	anonRegion := &pager.UserRegion{PDT: pdt, Addr: anonMapAddr, Size: anonPages * mm.PageSize, Writable: true}
	filePager := k.NewFilePager(fileSize, file)
	fileRegion := &pager.UserRegion{PDT: pdt, Addr: fileMapAddr, Size: mm.PageAlign(fileSize), Writable: true}

	for _, m := range []struct {
		p *pager.Pager
		r *pager.UserRegion
	}{{anon, anonRegion}, {filePager, fileRegion}} {
		if kerr = m.p.AddMap(m.r); kerr != nil {
			return kerr
		}
		mappings.Add(m.r)
	}

	k.VM.SwitchAddressSpace(pdt)
	for i := uintptr(0); i < anonPages; i++ {
		k.CPU.Store32(anonMapAddr+i*mm.PageSize, uint32(i))
	}

	var head [16]byte
	k.CPU.Access(fileMapAddr, head[:], cpu.AccessUser)
	fmt.Printf("file starts with %q\n", head[:])

	k.CPU.Access(fileMapAddr, []byte("GOPHER32"), cpu.AccessUser|cpu.AccessWrite)
	k.VM.SwitchAddressSpace(k.VM.KernelPDT())

	fmt.Printf("anonymous pager: %d resident pages\n", anon.Resident())
	fmt.Printf("file pager: page 0 dirty=%t\n", filePager.Dirty(0))

	if kerr = filePager.PageCommit(0, fileSize); kerr != nil {
		return kerr
	}
	fmt.Printf("file pager: page 0 dirty after commit=%t\n", filePager.Dirty(0))

	if kerr = anon.Resize(anonPages * mm.PageSize / 2); kerr != nil {
		return kerr
	}
	fmt.Printf("anonymous pager: %d resident pages after shrinking\n", anon.Resident())

	for _, m := range []struct {
		p *pager.Pager
		r *pager.UserRegion
	}{{anon, anonRegion}, {filePager, fileRegion}} {
		if kerr = m.p.RemoveMap(m.r); kerr != nil {
			return kerr
		}
		mappings.Remove(m.r)
		if kerr = m.p.Delete(); kerr != nil {
			return kerr
		}
	}

	if kerr = k.VM.DestroyAddressSpace(pdt); kerr != nil {
		return kerr
	}
	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
