package hv

import (
	"fmt"

	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/isolation"
)

// GuestMemory is a guest-physical view over one contiguous host allocation.
// Offsets passed to ReadAt/WriteAt are guest-physical addresses; only
// addresses inside RAM-like regions resolve.
type GuestMemory struct {
	alloc  hostmem.Allocator
	layout *isolation.Layout

	// ramBase/hostBase anchor the single linear RAM window: guest
	// physical gpa maps to host physical hostBase + (gpa - ramBase).
	ramBase  uint64
	ramSize  uint64
	hostBase hostmem.PhysAddr
}

// NewGuestMemory wraps a host allocation as guest RAM covering
// [ramBase, ramBase+ramSize) in the guest's address space.
func NewGuestMemory(alloc hostmem.Allocator, layout *isolation.Layout, ramBase, ramSize uint64, hostBase hostmem.PhysAddr) *GuestMemory {
	return &GuestMemory{
		alloc:    alloc,
		layout:   layout,
		ramBase:  ramBase,
		ramSize:  ramSize,
		hostBase: hostBase,
	}
}

// Base implements the loader's Memory interface.
func (g *GuestMemory) Base() uint64 { return g.ramBase }

// Size implements the loader's Memory interface.
func (g *GuestMemory) Size() uint64 { return g.ramSize }

// HostAddr translates a guest-physical address to the backing host-physical
// address. The range must be fully inside guest RAM.
func (g *GuestMemory) HostAddr(gpa, size uint64) (hostmem.PhysAddr, error) {
	if gpa < g.ramBase || gpa+size > g.ramBase+g.ramSize || gpa+size < gpa {
		return 0, fmt.Errorf("hv: guest range [%#x, %#x) outside RAM", gpa, gpa+size)
	}
	return g.hostBase + hostmem.PhysAddr(gpa-g.ramBase), nil
}

func (g *GuestMemory) slice(gpa uint64, size int) ([]byte, error) {
	hpa, err := g.HostAddr(gpa, uint64(size))
	if err != nil {
		return nil, err
	}
	return g.alloc.Slice(hpa, uint64(size))
}

// ReadAt implements io.ReaderAt over guest-physical space.
func (g *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	buf, err := g.slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt over guest-physical space.
func (g *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	buf, err := g.slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}
