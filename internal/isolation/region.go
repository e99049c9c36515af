// Package isolation builds and interprets the second-level address
// translation (EPT on Intel, NPT on AMD) that separates a guest's physical
// address space from the host's. It owns the guest memory-region map,
// translates it into hardware page tables with per-region permissions, and
// classifies translation faults into device accesses and isolation
// violations.
package isolation

import (
	"errors"
	"fmt"
	"sort"
)

// RegionType classifies a guest-physical address range.
type RegionType int

const (
	// Ram is ordinary guest memory, backed by host pages.
	Ram RegionType = iota
	// Mmio is device space. Never mapped; every access faults and is
	// reported as a device access.
	Mmio
	// Rom is read/execute-only memory such as firmware images.
	Rom
	// Reserved is firmware-reserved space the guest must not touch.
	Reserved
	// AcpiReclaimable holds firmware tables the guest may reclaim as RAM
	// after parsing them.
	AcpiReclaimable
	// Unmapped marks an explicit hole.
	Unmapped
)

func (t RegionType) String() string {
	switch t {
	case Ram:
		return "ram"
	case Mmio:
		return "mmio"
	case Rom:
		return "rom"
	case Reserved:
		return "reserved"
	case AcpiReclaimable:
		return "acpi"
	case Unmapped:
		return "unmapped"
	default:
		return fmt.Sprintf("regiontype(%d)", int(t))
	}
}

// Perm is a read/write/execute permission mask applied to a whole region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermRW  = PermRead | PermWrite
	PermRX  = PermRead | PermExec
	PermRWX = PermRead | PermWrite | PermExec
)

func (p Perm) Readable() bool   { return p&PermRead != 0 }
func (p Perm) Writable() bool   { return p&PermWrite != 0 }
func (p Perm) Executable() bool { return p&PermExec != 0 }

func (p Perm) String() string {
	buf := []byte("---")
	if p.Readable() {
		buf[0] = 'r'
	}
	if p.Writable() {
		buf[1] = 'w'
	}
	if p.Executable() {
		buf[2] = 'x'
	}
	return string(buf)
}

// DefaultPerm returns the conventional permissions for a region type.
func DefaultPerm(t RegionType) Perm {
	switch t {
	case Ram:
		return PermRWX
	case Rom:
		return PermRX
	case AcpiReclaimable:
		return PermRead
	case Mmio:
		return PermRW
	default:
		return 0
	}
}

// Region describes one guest-physical address range. Regions partition the
// guest address space; they are fixed once the VM is running.
type Region struct {
	Base uint64
	Size uint64
	Type RegionType
	Name string
	Perm Perm
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// ErrRegionOverlap is returned when two configured regions intersect.
var ErrRegionOverlap = errors.New("isolation: memory regions overlap")

// Layout is a validated, ordered set of regions for one VM.
type Layout struct {
	regions []Region
}

// NewLayout validates the region set and returns it sorted by base address.
// Zero-size regions are rejected, and any intersecting pair fails with
// ErrRegionOverlap.
func NewLayout(regions []Region) (*Layout, error) {
	sorted := make([]Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i, r := range sorted {
		if r.Size == 0 {
			return nil, fmt.Errorf("isolation: region %q has zero size", r.Name)
		}
		if r.End() < r.Base {
			return nil, fmt.Errorf("isolation: region %q wraps the address space", r.Name)
		}
		if i > 0 {
			prev := sorted[i-1]
			if r.Base < prev.End() {
				return nil, fmt.Errorf("%w: %q [%#x, %#x) and %q [%#x, %#x)",
					ErrRegionOverlap,
					prev.Name, prev.Base, prev.End(),
					r.Name, r.Base, r.End())
			}
		}
	}

	return &Layout{regions: sorted}, nil
}

// Find returns the region containing addr.
func (l *Layout) Find(addr uint64) (Region, bool) {
	i := sort.Search(len(l.regions), func(i int) bool { return l.regions[i].End() > addr })
	if i < len(l.regions) && l.regions[i].Contains(addr) {
		return l.regions[i], true
	}
	return Region{}, false
}

// Regions returns a copy of the ordered region list.
func (l *Layout) Regions() []Region {
	out := make([]Region, len(l.regions))
	copy(out, l.regions)
	return out
}
