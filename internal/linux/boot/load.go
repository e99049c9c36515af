package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Memory is the guest-physical address space the loader writes into.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Base returns the first guest-physical address backed by RAM.
	Base() uint64

	// Size returns how much RAM is present starting at Base.
	Size() uint64
}

const (
	zeroPageSize = 4096

	zeroPageAcpiRSDPAddr    = 0x070
	zeroPageExtRamdiskImage = 0x0C0
	zeroPageExtRamdiskSize  = 0x0C4
	zeroPageExtCmdLinePtr   = 0x0C8
	zeroPageE820Entries     = 0x1E8
	zeroPageE820Table       = 0x2D0

	e820EntrySize  = 20
	e820MaxEntries = 128

	e820TypeRAM      = 1
	e820TypeReserved = 2
	e820TypeACPI     = 3

	typeOfLoaderUnknown uint8 = 0xFF
	canUseHeapFlag      uint8 = 1 << 7
	loadedHighFlag      uint8 = 1 << 0
)

// E820Entry describes one BIOS memory map entry handed to the kernel.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// Options controls one load.
type Options struct {
	// Cmdline is the kernel command line, without trailing NUL.
	Cmdline string

	// Initrd is the initial ramdisk image; empty means none.
	Initrd []byte

	// RSDPAddr is the guest-physical address of the ACPI RSDP, recorded
	// in boot_params.acpi_rsdp_addr. Zero leaves the field clear and the
	// kernel falls back to scanning the EBDA window.
	RSDPAddr uint64

	// E820 overrides the memory map. Nil derives a map from the memory's
	// base and size with the conventional low-memory holes reserved.
	E820 []E820Entry
}

// Setup is everything the CPU needs to enter the loaded kernel directly in
// long mode.
type Setup struct {
	EntryPoint    uint64
	StackPtr      uint64
	BootParamsGPA uint64
	CR3           uint64
	GDTBase       uint64
	GDTLimit      uint16

	CmdlineGPA uint64
	InitrdGPA  uint64
	InitrdSize uint32
}

// Load places the kernel, initrd, boot_params, command line, GDT and page
// tables into guest memory and returns the entry state. mem is only written
// once the image has already been validated by ParseImage.
func (img *Image) Load(mem Memory, opts Options) (*Setup, error) {
	memEnd := mem.Base() + mem.Size()

	payload := img.Payload()
	span := uint64(len(payload))
	if init := uint64(img.Header.InitSize); init > span {
		span = init
	}
	if KernelGPA+span > memEnd {
		return nil, fmt.Errorf("boot: kernel needs %#x bytes at %#x but RAM ends at %#x",
			span, uint64(KernelGPA), memEnd)
	}

	// The kernel expects its BSS region zeroed.
	zero := make([]byte, span)
	if _, err := mem.WriteAt(zero, KernelGPA); err != nil {
		return nil, fmt.Errorf("boot: clear kernel region: %w", err)
	}
	if _, err := mem.WriteAt(payload, KernelGPA); err != nil {
		return nil, fmt.Errorf("boot: write kernel payload: %w", err)
	}

	var initrdGPA uint64
	var initrdSize uint32
	if len(opts.Initrd) > 0 {
		// The ramdisk goes above the kernel's full runtime span (init_size
		// covers decompression scratch and BSS), never inside it.
		base := uint64(InitrdGPA)
		if end := KernelGPA + span; end > base {
			base = alignPage(end)
		}
		if base+uint64(len(opts.Initrd)) > memEnd {
			return nil, fmt.Errorf("boot: initrd (%d bytes) does not fit at %#x",
				len(opts.Initrd), base)
		}
		if limit := img.Header.InitrdAddrMax; limit != 0 && base+uint64(len(opts.Initrd))-1 > uint64(limit) {
			return nil, fmt.Errorf("boot: initrd end above kernel limit %#x", limit)
		}
		if _, err := mem.WriteAt(opts.Initrd, int64(base)); err != nil {
			return nil, fmt.Errorf("boot: write initrd: %w", err)
		}
		initrdGPA = base
		initrdSize = uint32(len(opts.Initrd))
	}

	if err := img.writeBootParams(mem, opts, initrdGPA, initrdSize); err != nil {
		return nil, err
	}

	cr3, err := writePageTables(mem)
	if err != nil {
		return nil, err
	}
	if err := writeGDT(mem); err != nil {
		return nil, err
	}

	return &Setup{
		EntryPoint:    img.EntryPoint(KernelGPA),
		StackPtr:      StackGPA,
		BootParamsGPA: BootParamsGPA,
		CR3:           cr3,
		GDTBase:       GdtGPA,
		GDTLimit:      5*8 - 1,
		CmdlineGPA:    CmdlineGPA,
		InitrdGPA:     initrdGPA,
		InitrdSize:    initrdSize,
	}, nil
}

func (img *Image) writeBootParams(mem Memory, opts Options, initrdGPA uint64, initrdSize uint32) error {
	zp := make([]byte, zeroPageSize)

	if len(img.headerBytes) > zeroPageSize-setupHeaderOffset {
		return fmt.Errorf("%w: setup header larger than boot_params", ErrImageInvalid)
	}
	copy(zp[setupHeaderOffset:], img.headerBytes)

	binary.LittleEndian.PutUint16(zp[bootFlagOffset:], 0xAA55)
	copy(zp[headerOffset:], headerMagic)

	zp[typeOfLoaderOffset] = typeOfLoaderUnknown
	zp[loadFlagsOffset] = img.Header.LoadFlags | canUseHeapFlag | loadedHighFlag
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], 0xE000-0x200)
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(KernelGPA))

	if img.Header.CmdlineSize != 0 && len(opts.Cmdline) > int(img.Header.CmdlineSize) {
		return fmt.Errorf("boot: command line length %d exceeds kernel limit %d",
			len(opts.Cmdline), img.Header.CmdlineSize)
	}
	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(CmdlineGPA))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(uint64(CmdlineGPA)>>32))
	if _, err := mem.WriteAt(append([]byte(opts.Cmdline), 0), CmdlineGPA); err != nil {
		return fmt.Errorf("boot: write command line: %w", err)
	}

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdGPA))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamdiskImage:], uint32(initrdGPA>>32))
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamdiskSize:], 0)
	}

	if opts.RSDPAddr != 0 {
		binary.LittleEndian.PutUint64(zp[zeroPageAcpiRSDPAddr:], opts.RSDPAddr)
	}

	e820 := opts.E820
	if e820 == nil {
		e820 = defaultE820(mem.Base(), mem.Size())
	}
	if len(e820) == 0 {
		return errors.New("boot: e820 map must contain at least one entry")
	}
	if len(e820) > e820MaxEntries {
		return fmt.Errorf("boot: too many e820 entries (%d > %d)", len(e820), e820MaxEntries)
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for i, ent := range e820 {
		base := zeroPageE820Table + i*e820EntrySize
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	if _, err := mem.WriteAt(zp, BootParamsGPA); err != nil {
		return fmt.Errorf("boot: write boot_params: %w", err)
	}
	return nil
}

func alignPage(v uint64) uint64 {
	return (v + zeroPageSize - 1) &^ uint64(zeroPageSize-1)
}

// defaultE820 builds the conventional map: usable low memory, the reserved
// EBDA/ROM hole from 0x80000 to 1 MiB, then the rest of RAM.
func defaultE820(base, size uint64) []E820Entry {
	end := base + size
	entries := []E820Entry{
		{Addr: 0, Size: 0x80000, Type: e820TypeRAM},
		{Addr: 0x80000, Size: 0x80000, Type: e820TypeReserved},
	}
	if end > 0x100000 {
		entries = append(entries, E820Entry{
			Addr: 0x100000,
			Size: end - 0x100000,
			Type: e820TypeRAM,
		})
	}
	return entries
}
