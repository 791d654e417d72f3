//go:build linux

package cpu

import "golang.org/x/sys/unix"

// allocRAM backs physical memory with an anonymous private mapping so that
// untouched frames do not consume host memory.
func allocRAM(size uintptr) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}

	return mem, unix.Munmap, nil
}
