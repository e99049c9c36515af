//go:build unix

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewArena returns an arena backed by an anonymous mmap. The mapping is
// page-aligned and never moves, so pages handed to the CPU (control blocks,
// second-level tables) stay resident at a stable address until Close.
func NewArena(size uint64) (*Arena, error) {
	size = alignUp(size, PageSize)
	if size == 0 {
		return nil, fmt.Errorf("hostmem: zero-size arena")
	}

	mem, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}

	return newArena(mem, unix.Munmap), nil
}
