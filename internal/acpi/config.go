// Package acpi generates the firmware tables a Linux guest discovers its
// hardware from: RSDP, XSDT, MADT, FADT and a small DSDT. Generation is
// pure; the caller decides where the bytes land in guest memory.
package acpi

// Config controls how the tables are laid out and populated. All addresses
// are guest-physical.
type Config struct {
	// TablesBase is where the table blob will be placed in guest memory.
	// Pointers inside the tables (XSDT entries, the RSDP's XSDT address)
	// are computed against it.
	TablesBase uint64

	// TablesSize bounds the generated blob. Zero means 64 KiB.
	TablesSize uint64

	// RSDPBase is where the RSDP will live. The RSDP is emitted
	// separately from the table blob so a copy can also be dropped in
	// the legacy EBDA scan window.
	RSDPBase uint64

	NumCPUs   int
	LAPICBase uint32

	IOAPIC IOAPICConfig

	HPET *HPETConfig

	// MMIODevices describes platform MMIO devices to declare in the DSDT.
	MMIODevices []MMIODevice

	// ISAOverrides emits MADT interrupt source overrides for legacy ISA
	// IRQs.
	ISAOverrides []InterruptOverride

	OEM OEMInfo
}

// IOAPICConfig describes the IO-APIC entry emitted into the MADT.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// MMIODevice describes one memory-mapped platform device for DSDT
// generation.
type MMIODevice struct {
	Name string // 4-char ACPI name, e.g. "COM1"
	HID  string // PNP/ACPI hardware ID
	Base uint64
	Size uint64
	GSI  uint32
}

// HPETConfig describes the optional HPET table.
type HPETConfig struct {
	Address uint64
}

// InterruptOverride describes a single MADT INT_SRC_OVR entry.
type InterruptOverride struct {
	Bus   uint8  // typically 0 (ISA)
	IRQ   uint8  // source IRQ
	GSI   uint32 // destination GSI
	Flags uint16 // polarity/trigger encoding
}

// OEMInfo mirrors the ACPI table header OEM fields.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEMInfo returns the table header metadata used when the caller
// supplies none.
func DefaultOEMInfo() OEMInfo {
	return OEMInfo{
		OEMID:           [6]byte{'T', 'R', 'U', 'S', 'T', 'V'},
		OEMTableID:      [8]byte{'T', 'R', 'U', 'S', 'T', 'V', 'M', ' '},
		OEMRevision:     1,
		CreatorID:       [4]byte{'T', 'V', 'M', ' '},
		CreatorRevision: 1,
	}
}

// Guest-physical defaults matching the fixed low-memory layout the boot
// loader sets up.
const (
	DefaultTablesBase = 0x50000
	DefaultTablesSize = 0x10000
	DefaultRSDPBase   = 0xE0000

	defaultLAPICBase  = 0xFEE00000
	defaultIOAPICBase = 0xFEC00000
)

func (c *Config) normalize() {
	if c.TablesBase == 0 {
		c.TablesBase = DefaultTablesBase
	}
	if c.TablesSize == 0 {
		c.TablesSize = DefaultTablesSize
	}
	if c.RSDPBase == 0 {
		c.RSDPBase = DefaultRSDPBase
	}
	if c.NumCPUs <= 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = defaultLAPICBase
	}
	if c.IOAPIC.Address == 0 {
		c.IOAPIC.Address = defaultIOAPICBase
	}
	if c.IOAPIC.ID == 0 {
		// Local APICs take IDs [0, NumCPUs); the IO-APIC follows them.
		c.IOAPIC.ID = uint8(c.NumCPUs)
	}
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEMInfo()
	}
}
