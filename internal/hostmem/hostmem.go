// Package hostmem provides the host physical page service the hypervisor
// core allocates its control structures from. Control blocks, second-level
// page tables and guest RAM all come from an Allocator; the core never
// touches host memory it did not get from here.
package hostmem

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the allocation granularity. Every address handed out by an
// Allocator is aligned to this.
const PageSize = 4096

// PhysAddr is a host physical address. The zero value is never a valid
// allocation, so it doubles as a "no page" marker.
type PhysAddr uint64

var (
	// ErrNoPages is returned when the arena has no free pages left.
	ErrNoPages = errors.New("hostmem: out of pages")
	// ErrBadAddress is returned for addresses that were never allocated
	// from this arena.
	ErrBadAddress = errors.New("hostmem: address not owned by arena")
)

// Allocator hands out page-aligned, zero-initialized host memory addressed
// by physical address. Implementations must keep pages resident for as long
// as they are allocated; the CPU-facing structures built on top of them are
// addressed directly by hardware.
type Allocator interface {
	// AllocPage returns one zeroed page.
	AllocPage() (PhysAddr, error)

	// AllocRange returns size bytes of zeroed, physically contiguous
	// memory, page aligned. Used for guest RAM and other multi-page
	// structures.
	AllocRange(size uint64) (PhysAddr, error)

	// FreePage returns a single page to the allocator.
	FreePage(addr PhysAddr) error

	// Page returns the host view of the page at addr.
	Page(addr PhysAddr) ([]byte, error)

	// Slice returns the host view of [addr, addr+size). The range must
	// lie inside a single prior allocation.
	Slice(addr PhysAddr, size uint64) ([]byte, error)
}

// Arena is an Allocator backed by one contiguous host mapping. Physical
// addresses are offsets into the mapping plus a fixed base, so address 0 is
// never produced.
type Arena struct {
	mu sync.Mutex

	mem  []byte
	base PhysAddr

	// next is the bump pointer for fresh allocations; freed single pages
	// are recycled through free before next is advanced.
	next      PhysAddr
	free      []PhysAddr
	allocated map[PhysAddr]bool

	release func([]byte) error
}

const arenaBase PhysAddr = 0x10000

// NewHeapArena returns an arena backed by ordinary Go heap memory. Suitable
// for tests and for the simulated CPU port; kernels hand the core a real
// physical arena instead.
func NewHeapArena(size uint64) (*Arena, error) {
	size = alignUp(size, PageSize)
	if size == 0 {
		return nil, fmt.Errorf("hostmem: zero-size arena")
	}
	return newArena(make([]byte, size), nil), nil
}

func newArena(mem []byte, release func([]byte) error) *Arena {
	return &Arena{
		mem:       mem,
		base:      arenaBase,
		next:      arenaBase,
		allocated: make(map[PhysAddr]bool),
		release:   release,
	}
}

// Size returns the total arena size in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.mem)) }

// AllocPage implements Allocator.
func (a *Arena) AllocPage() (PhysAddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		addr := a.free[n-1]
		a.free = a.free[:n-1]
		a.allocated[addr] = true
		clear(a.mem[a.offset(addr) : a.offset(addr)+PageSize])
		return addr, nil
	}
	return a.bump(PageSize)
}

// AllocRange implements Allocator.
func (a *Arena) AllocRange(size uint64) (PhysAddr, error) {
	if size == 0 {
		return 0, fmt.Errorf("hostmem: zero-size range")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bump(alignUp(size, PageSize))
}

func (a *Arena) bump(size uint64) (PhysAddr, error) {
	end := uint64(a.next) + size
	if end > uint64(a.base)+uint64(len(a.mem)) {
		return 0, ErrNoPages
	}
	addr := a.next
	a.next = PhysAddr(end)
	a.allocated[addr] = true
	return addr, nil
}

// FreePage implements Allocator. Only single pages are recycled; ranges are
// reclaimed when the arena is closed, which matches how the core uses them
// (guest RAM lives exactly as long as its VM).
func (a *Arena) FreePage(addr PhysAddr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.allocated[addr] {
		return fmt.Errorf("%w: free of %#x", ErrBadAddress, uint64(addr))
	}
	delete(a.allocated, addr)
	a.free = append(a.free, addr)
	return nil
}

// Page implements Allocator.
func (a *Arena) Page(addr PhysAddr) ([]byte, error) {
	return a.Slice(addr, PageSize)
}

// Slice implements Allocator.
func (a *Arena) Slice(addr PhysAddr, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if addr < a.base || uint64(addr)+size > uint64(a.base)+uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrBadAddress, uint64(addr), uint64(addr)+size)
	}
	off := a.offset(addr)
	return a.mem[off : off+size : off+size], nil
}

// Close releases the backing mapping. All outstanding addresses become
// invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}
	mem := a.mem
	a.mem = nil
	a.allocated = nil
	if a.release != nil {
		return a.release(mem)
	}
	return nil
}

func (a *Arena) offset(addr PhysAddr) uint64 {
	return uint64(addr - a.base)
}

func alignUp(v, align uint64) uint64 {
	mask := align - 1
	return (v + mask) &^ mask
}
