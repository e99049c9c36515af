package isolation

import (
	"encoding/binary"
	"fmt"

	"github.com/trustvm/core/internal/hostmem"
)

// TableKind selects the second-level page-table format.
type TableKind int

const (
	// EPT is the Intel extended page table format: R/W/X bits 0-2,
	// memory type in bits 5:3 of leaf entries.
	EPT TableKind = iota
	// NPT is the AMD nested page table format: ordinary long-mode page
	// tables with the NX bit enforcing no-execute.
	NPT
)

func (k TableKind) String() string {
	if k == EPT {
		return "ept"
	}
	return "npt"
}

// Mapping maps a guest-physical range onto host-physical memory with one
// permission set. Produced from the VM's region list by the lifecycle layer.
type Mapping struct {
	GPA      uint64
	HPA      uint64
	Size     uint64
	Perm     Perm
	Uncached bool
}

const (
	pageShift  = 12
	largeShift = 21
	pageSize   = uint64(1) << pageShift
	largeSize  = uint64(1) << largeShift

	entryAddrMask = 0x000F_FFFF_FFFF_F000

	// EPT entry bits.
	eptRead     = 1 << 0
	eptWrite    = 1 << 1
	eptExec     = 1 << 2
	eptMemWB    = 6 << 3
	eptMemUC    = 0 << 3
	eptLarge    = 1 << 7
	eptTableRWX = eptRead | eptWrite | eptExec

	// NPT entry bits (standard long-mode PTE format).
	nptPresent = 1 << 0
	nptWrite   = 1 << 1
	nptUser    = 1 << 2
	nptPWT     = 1 << 3
	nptPCD     = 1 << 4
	nptLarge   = 1 << 7
	nptNX      = uint64(1) << 63
)

// Tables is one VM's second-level page-table hierarchy. All table pages are
// owned by the VM and returned to the allocator on Release.
type Tables struct {
	kind  TableKind
	alloc hostmem.Allocator

	root  hostmem.PhysAddr
	pages []hostmem.PhysAddr

	mappedBytes uint64
}

// BuildTables allocates a fresh 4-level hierarchy and installs the given
// mappings. 2 MiB leaf entries are used where alignment allows, 4 KiB
// entries elsewhere.
func BuildTables(kind TableKind, alloc hostmem.Allocator, maps []Mapping) (*Tables, error) {
	root, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("isolation: allocate %s root: %w", kind, err)
	}

	t := &Tables{
		kind:  kind,
		alloc: alloc,
		root:  root,
		pages: []hostmem.PhysAddr{root},
	}

	for _, m := range maps {
		if err := t.Map(m); err != nil {
			t.Release()
			return nil, err
		}
	}

	return t, nil
}

// Root returns the physical address of the top-level table.
func (t *Tables) Root() hostmem.PhysAddr { return t.root }

// Kind returns the table format.
func (t *Tables) Kind() TableKind { return t.kind }

// MappedBytes returns how much guest-physical space is currently mapped.
func (t *Tables) MappedBytes() uint64 { return t.mappedBytes }

// Pointer returns the value the backend loads into the hardware: the EPTP
// (root | walk-length | write-back) for EPT, the nested CR3 for NPT.
func (t *Tables) Pointer() uint64 {
	if t.kind == EPT {
		// 4-level walk (3 encodes length-1), write-back paging structures.
		return uint64(t.root)&entryAddrMask | (3 << 3) | 6
	}
	return uint64(t.root) & entryAddrMask
}

// Map installs one mapping. Addresses and size must be page aligned.
func (t *Tables) Map(m Mapping) error {
	if m.GPA%pageSize != 0 || m.HPA%pageSize != 0 || m.Size%pageSize != 0 {
		return fmt.Errorf("isolation: mapping [%#x, %#x) not page aligned", m.GPA, m.GPA+m.Size)
	}
	if m.Size == 0 {
		return fmt.Errorf("isolation: empty mapping at %#x", m.GPA)
	}

	gpa, hpa, left := m.GPA, m.HPA, m.Size
	for left > 0 {
		if gpa%largeSize == 0 && hpa%largeSize == 0 && left >= largeSize {
			if err := t.set(gpa, hpa, m.Perm, m.Uncached, true); err != nil {
				return err
			}
			gpa += largeSize
			hpa += largeSize
			left -= largeSize
			continue
		}
		if err := t.set(gpa, hpa, m.Perm, m.Uncached, false); err != nil {
			return err
		}
		gpa += pageSize
		hpa += pageSize
		left -= pageSize
	}

	t.mappedBytes += m.Size
	return nil
}

// set installs a single leaf entry, allocating intermediate tables on the
// way down.
func (t *Tables) set(gpa, hpa uint64, perm Perm, uncached, large bool) error {
	indices := [4]int{
		int(gpa>>39) & 0x1FF,
		int(gpa>>30) & 0x1FF,
		int(gpa>>21) & 0x1FF,
		int(gpa>>12) & 0x1FF,
	}

	depth := 4
	if large {
		depth = 3
	}

	table := t.root
	for level := 0; level < depth-1; level++ {
		next, err := t.child(table, indices[level])
		if err != nil {
			return err
		}
		table = next
	}

	page, err := t.alloc.Page(table)
	if err != nil {
		return fmt.Errorf("isolation: table page %#x: %w", uint64(table), err)
	}

	entry := hpa & entryAddrMask
	switch t.kind {
	case EPT:
		if perm.Readable() {
			entry |= eptRead
		}
		if perm.Writable() {
			entry |= eptWrite
		}
		if perm.Executable() {
			entry |= eptExec
		}
		if uncached {
			entry |= eptMemUC
		} else {
			entry |= eptMemWB
		}
		if large {
			entry |= eptLarge
		}
	case NPT:
		if perm.Readable() {
			entry |= nptPresent | nptUser
		}
		if perm.Writable() {
			entry |= nptWrite
		}
		// Supervisor execution prevention rides on NX: anything not
		// explicitly executable is marked no-execute, whether or not
		// the host CPU has a dedicated SMEP-like control.
		if !perm.Executable() {
			entry |= nptNX
		}
		if uncached {
			entry |= nptPWT | nptPCD
		}
		if large {
			entry |= nptLarge
		}
	}

	binary.LittleEndian.PutUint64(page[indices[depth-1]*8:], entry)
	return nil
}

// child returns the table referenced by entry idx of table, allocating and
// linking a new one if the entry is empty.
func (t *Tables) child(table hostmem.PhysAddr, idx int) (hostmem.PhysAddr, error) {
	page, err := t.alloc.Page(table)
	if err != nil {
		return 0, fmt.Errorf("isolation: table page %#x: %w", uint64(table), err)
	}

	entry := binary.LittleEndian.Uint64(page[idx*8:])
	if t.present(entry) {
		return hostmem.PhysAddr(entry & entryAddrMask), nil
	}

	next, err := t.alloc.AllocPage()
	if err != nil {
		return 0, fmt.Errorf("isolation: allocate %s table: %w", t.kind, err)
	}
	t.pages = append(t.pages, next)

	link := uint64(next) & entryAddrMask
	if t.kind == EPT {
		link |= eptTableRWX
	} else {
		link |= nptPresent | nptWrite | nptUser
	}
	binary.LittleEndian.PutUint64(page[idx*8:], link)

	return next, nil
}

func (t *Tables) present(entry uint64) bool {
	if t.kind == EPT {
		return entry&(eptRead|eptWrite|eptExec) != 0
	}
	return entry&nptPresent != 0
}

// Release returns every table page to the allocator. The Tables must not be
// used afterwards.
func (t *Tables) Release() error {
	var firstErr error
	for _, p := range t.pages {
		if err := t.alloc.FreePage(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.pages = nil
	t.root = 0
	return firstErr
}
