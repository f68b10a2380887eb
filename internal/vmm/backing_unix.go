//go:build unix

package vmm

import "golang.org/x/sys/unix"

// allocBacking reserves anonymous page-aligned memory for a segment.
// mmap rather than make: the pages must stay at a stable host address
// for the lifetime of any second-stage mapping that references them.
func allocBacking(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

func freeBacking(mem []byte) error {
	return unix.Munmap(mem)
}
