package boot

import (
	"encoding/binary"
	"fmt"
	"io"
)

// identityMapSize is how much guest-physical space the boot page tables
// cover with 2 MiB identity mappings. Enough for the kernel, initrd and the
// APIC MMIO window.
const identityMapSize = 4 << 30

// writePageTables builds the long-mode identity map the kernel is entered
// under: one PML4, one PDPT and four page directories of 2 MiB pages
// covering the first 4 GiB. Returns the CR3 value.
func writePageTables(mem io.WriterAt) (uint64, error) {
	const (
		pml4GPA = PageTableGPA
		pdptGPA = PageTableGPA + 0x1000
		pdGPA   = PageTableGPA + 0x2000

		// present | writable
		tableFlags = 0x03
		// present | writable | page size (2 MiB leaf)
		leafFlags = 0x83
	)

	page := make([]byte, 4096)

	binary.LittleEndian.PutUint64(page, pdptGPA|tableFlags)
	if _, err := mem.WriteAt(page, pml4GPA); err != nil {
		return 0, fmt.Errorf("boot: write PML4: %w", err)
	}

	clear(page)
	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint64(page[i*8:], uint64(pdGPA+i*0x1000)|tableFlags)
	}
	if _, err := mem.WriteAt(page, pdptGPA); err != nil {
		return 0, fmt.Errorf("boot: write PDPT: %w", err)
	}

	for pd := 0; pd < 4; pd++ {
		clear(page)
		for i := 0; i < 512; i++ {
			addr := uint64(pd)<<30 | uint64(i)<<21
			binary.LittleEndian.PutUint64(page[i*8:], addr|leafFlags)
		}
		if _, err := mem.WriteAt(page, int64(pdGPA+pd*0x1000)); err != nil {
			return 0, fmt.Errorf("boot: write page directory %d: %w", pd, err)
		}
	}

	return pml4GPA, nil
}

// gdtEntry packs one 8-byte descriptor with base 0 and limit 0xFFFFF.
func gdtEntry(access, flags uint8) uint64 {
	return 0xFFFF | // limit 15:0
		uint64(access)<<40 |
		uint64(flags|0x0F)<<48 // limit 19:16 under the flag nibble
}

// writeGDT emits a flat descriptor table with 64-bit and 32-bit code/data
// segments and the GDTR-shaped descriptor pointing at it.
func writeGDT(mem io.WriterAt) error {
	entries := []uint64{
		0,                      // null
		gdtEntry(0x9A, 0xA0),   // 0x08: 64-bit code (L+G)
		gdtEntry(0x92, 0xC0),   // 0x10: data (DB+G)
		gdtEntry(0x9A, 0xC0),   // 0x18: 32-bit code
		gdtEntry(0x92, 0xC0),   // 0x20: 32-bit data
	}

	table := make([]byte, len(entries)*8)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(table[i*8:], e)
	}
	if _, err := mem.WriteAt(table, GdtGPA); err != nil {
		return fmt.Errorf("boot: write GDT: %w", err)
	}

	gdtr := make([]byte, 10)
	binary.LittleEndian.PutUint16(gdtr, uint16(len(table)-1))
	binary.LittleEndian.PutUint64(gdtr[2:], GdtGPA)
	if _, err := mem.WriteAt(gdtr, GdtrGPA); err != nil {
		return fmt.Errorf("boot: write GDTR image: %w", err)
	}

	return nil
}
