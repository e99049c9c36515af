// Package vmi implements virtual machine introspection: reading a guest's
// memory from outside, walking its page tables, and parsing kernel
// structures out of the raw bytes. Everything here is read-only and makes
// no assumptions about the guest being cooperative.
package vmi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrOutOfRange is returned when a guest-physical read falls outside
	// the guest's RAM.
	ErrOutOfRange = errors.New("vmi: guest-physical address out of range")

	// ErrTranslationFailed is returned when a virtual address has no
	// valid mapping in the guest's page tables.
	ErrTranslationFailed = errors.New("vmi: virtual address translation failed")
)

// Memory is the guest-physical space introspection reads from.
type Memory interface {
	io.ReaderAt

	// Base and Size bound the RAM window.
	Base() uint64
	Size() uint64
}

const (
	ptePresent  = 1 << 0
	ptePageSize = 1 << 7

	pteAddrMask = 0x000F_FFFF_FFFF_F000
)

// ReadGuestPhysical reads len(buf) bytes at gpa, refusing anything outside
// the guest's RAM window.
func ReadGuestPhysical(mem Memory, gpa uint64, buf []byte) error {
	end := gpa + uint64(len(buf))
	if end < gpa || gpa < mem.Base() || end > mem.Base()+mem.Size() {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, gpa, end)
	}
	if _, err := mem.ReadAt(buf, int64(gpa)); err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return nil
}

func readEntry(mem io.ReaderAt, table uint64, index uint64) (uint64, error) {
	var raw [8]byte
	if _, err := mem.ReadAt(raw[:], int64(table+index*8)); err != nil {
		return 0, fmt.Errorf("%w: read table entry at %#x: %v", ErrTranslationFailed, table+index*8, err)
	}
	return binary.LittleEndian.Uint64(raw[:]), nil
}

// TranslateVirtual walks the guest's 4-level page tables rooted at cr3 and
// returns the guest-physical address backing va. 1 GiB and 2 MiB large
// pages are handled.
func TranslateVirtual(mem io.ReaderAt, cr3, va uint64) (uint64, error) {
	root := cr3 & pteAddrMask

	pml4e, err := readEntry(mem, root, (va>>39)&0x1FF)
	if err != nil {
		return 0, err
	}
	if pml4e&ptePresent == 0 {
		return 0, fmt.Errorf("%w: PML4E not present for %#x", ErrTranslationFailed, va)
	}

	pdpte, err := readEntry(mem, pml4e&pteAddrMask, (va>>30)&0x1FF)
	if err != nil {
		return 0, err
	}
	if pdpte&ptePresent == 0 {
		return 0, fmt.Errorf("%w: PDPTE not present for %#x", ErrTranslationFailed, va)
	}
	if pdpte&ptePageSize != 0 {
		return pdpte&pteAddrMask&^((1<<30)-1) | va&((1<<30)-1), nil
	}

	pde, err := readEntry(mem, pdpte&pteAddrMask, (va>>21)&0x1FF)
	if err != nil {
		return 0, err
	}
	if pde&ptePresent == 0 {
		return 0, fmt.Errorf("%w: PDE not present for %#x", ErrTranslationFailed, va)
	}
	if pde&ptePageSize != 0 {
		return pde&pteAddrMask&^((1<<21)-1) | va&((1<<21)-1), nil
	}

	pte, err := readEntry(mem, pde&pteAddrMask, (va>>12)&0x1FF)
	if err != nil {
		return 0, err
	}
	if pte&ptePresent == 0 {
		return 0, fmt.Errorf("%w: PTE not present for %#x", ErrTranslationFailed, va)
	}
	return pte&pteAddrMask | va&0xFFF, nil
}

// ReadGuestVirtual reads len(buf) bytes at virtual address va under the
// page tables rooted at cr3. Reads are split at page boundaries since
// contiguous virtual pages need not be contiguous physically.
func ReadGuestVirtual(mem Memory, cr3, va uint64, buf []byte) error {
	for done := 0; done < len(buf); {
		pa, err := TranslateVirtual(mem, cr3, va+uint64(done))
		if err != nil {
			return err
		}
		chunk := int(0x1000 - pa&0xFFF)
		if remaining := len(buf) - done; chunk > remaining {
			chunk = remaining
		}
		if err := ReadGuestPhysical(mem, pa, buf[done:done+chunk]); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}
