package acpi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrBufferTooSmall is returned when the generated tables do not fit the
// region the caller reserved for them.
var ErrBufferTooSmall = errors.New("acpi: table region too small")

// TableSet holds the generated firmware tables and where they expect to
// live. Tables must be written at TablesBase and the RSDP at RSDPBase; the
// internal pointers are absolute guest-physical addresses.
type TableSet struct {
	Tables     []byte
	TablesBase uint64

	RSDP     []byte
	RSDPBase uint64

	// XSDTAddr is the guest-physical address of the XSDT, as referenced
	// from the RSDP.
	XSDTAddr uint64
}

// Build generates the full table set for the given configuration. No guest
// memory is touched.
func Build(cfg Config) (*TableSet, error) {
	cfg.normalize()

	writer := newTableWriter(cfg.TablesBase, cfg.OEM)

	dsdtAddr := writer.Append(tableParams{
		Signature:  sig("DSDT"),
		Revision:   2,
		OEMTableID: tableID("TVMDSDT"),
		Body:       buildDSDT(cfg),
	})

	madtAddr := writer.Append(tableParams{
		Signature:  sig("APIC"),
		Revision:   1,
		OEMTableID: tableID("TVMMADT"),
		Body:       buildMADTBody(cfg),
	})

	var hpetAddr uint64
	if cfg.HPET != nil {
		hpetAddr = writer.Append(tableParams{
			Signature:  sig("HPET"),
			Revision:   1,
			OEMTableID: tableID("TVMHPET"),
			Body:       buildHPETBody(cfg.HPET),
		})
	}

	fadtAddr := writer.Append(tableParams{
		Signature:  sig("FACP"),
		Revision:   5,
		OEMTableID: tableID("TVMFADT"),
		Body:       buildFADTBody(dsdtAddr),
	})

	xsdtEntries := []uint64{fadtAddr, madtAddr}
	if hpetAddr != 0 {
		xsdtEntries = append(xsdtEntries, hpetAddr)
	}

	xsdtAddr := writer.Append(tableParams{
		Signature:  sig("XSDT"),
		Revision:   1,
		OEMTableID: tableID("TVMXSDT"),
		Body:       buildXSDTBody(xsdtEntries),
	})

	tables := writer.Bytes()
	if uint64(len(tables)) > cfg.TablesSize {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, len(tables), cfg.TablesSize)
	}

	return &TableSet{
		Tables:     tables,
		TablesBase: cfg.TablesBase,
		RSDP:       buildRSDP(xsdtAddr, cfg.OEM),
		RSDPBase:   cfg.RSDPBase,
		XSDTAddr:   xsdtAddr,
	}, nil
}

// Install writes a built table set into guest memory through mem, which
// addresses guest-physical space.
func (ts *TableSet) Install(mem io.WriterAt) error {
	if _, err := mem.WriteAt(ts.Tables, int64(ts.TablesBase)); err != nil {
		return fmt.Errorf("acpi: write tables: %w", err)
	}
	if _, err := mem.WriteAt(ts.RSDP, int64(ts.RSDPBase)); err != nil {
		return fmt.Errorf("acpi: write RSDP: %w", err)
	}
	return nil
}

// buildDSDT emits a small AML blob declaring the legacy platform devices:
//
//	Scope (\_SB) {
//	  Device (UAR0) { _HID "PNP0501"; _CRS (IO 0x3f8 len 8, IRQ4) }
//	  Device (RTC0) { _HID "PNP0B00"; _CRS (IO 0x70 len 2,  IRQ8) }
//	  plus one Device per configured MMIO device
//	}
func buildDSDT(cfg Config) []byte {
	scopeBody := bytes.Buffer{}
	scopeBody.WriteString("\\_SB_")

	for _, dev := range []struct {
		name string
		hid  string
		io   ioRange
		irq  uint8
	}{
		{name: "UAR0", hid: "PNP0501", io: ioRange{base: 0x3f8, length: 8}, irq: 4},
		{name: "RTC0", hid: "PNP0B00", io: ioRange{base: 0x70, length: 2}, irq: 8},
	} {
		devBody := bytes.Buffer{}
		devBody.WriteString(dev.name)

		// Name(_HID, "<hid>")
		devBody.WriteByte(0x08)      // NameOp
		devBody.WriteString("_HID")  // NameString
		devBody.WriteByte(0x0d)      // StringPrefix
		devBody.WriteString(dev.hid) // HID value
		devBody.WriteByte(0x00)      // Null terminator
		emitCRS(&devBody, dev.io, dev.irq)
		scopeBody.Write(wrapPkg(0x5b, 0x82, devBody.Bytes())) // DeviceOp
	}

	for i, mdev := range cfg.MMIODevices {
		devBody := bytes.Buffer{}
		name := mdev.Name
		if name == "" {
			name = fmt.Sprintf("MDV%d", i)
		}
		devBody.WriteString(name)

		devBody.WriteByte(0x08)
		devBody.WriteString("_HID")
		devBody.WriteByte(0x0d)
		devBody.WriteString(mdev.HID)
		devBody.WriteByte(0x00)

		// Name(_UID, <index>)
		devBody.WriteByte(0x08)
		devBody.WriteString("_UID")
		devBody.WriteByte(0x0a) // BytePrefix
		devBody.WriteByte(byte(i))

		emitMMIOCRS(&devBody, mdev.Base, mdev.Size, mdev.GSI)
		scopeBody.Write(wrapPkg(0x5b, 0x82, devBody.Bytes()))
	}

	return wrapPkg(0x10, 0x00, scopeBody.Bytes()) // ScopeOp
}

type ioRange struct {
	base   uint16
	length uint8
}

func emitCRS(buf *bytes.Buffer, io ioRange, irq uint8) {
	buf.WriteByte(0x08)     // NameOp
	buf.WriteString("_CRS") // NameString

	template := bytes.Buffer{}
	// I/O Port Descriptor (Decode16)
	template.WriteByte(0x47) // Descriptor type/length (0x8 IO | len 7)
	template.WriteByte(0x01) // Information: 16-bit decode
	binary.Write(&template, binary.LittleEndian, io.base)
	binary.Write(&template, binary.LittleEndian, io.base)
	template.WriteByte(0x00)      // Alignment
	template.WriteByte(io.length) // Length
	// IRQNoFlags descriptor
	template.WriteByte(0x22)
	irqMask := uint16(1) << irq
	binary.Write(&template, binary.LittleEndian, irqMask)
	// End tag
	template.Write([]byte{0x79, 0x00})

	writeCRSBuffer(buf, template.Bytes())
}

// emitMMIOCRS emits a _CRS buffer with Memory32Fixed and Extended Interrupt
// descriptors.
func emitMMIOCRS(buf *bytes.Buffer, baseAddr, size uint64, gsi uint32) {
	buf.WriteByte(0x08)
	buf.WriteString("_CRS")

	template := bytes.Buffer{}

	// Memory32Fixed: Tag(1) + Length(2) + ReadWrite(1) + Base(4) + Len(4)
	template.WriteByte(0x86)
	template.WriteByte(0x09)
	template.WriteByte(0x00)
	template.WriteByte(0x01) // read-write
	binary.Write(&template, binary.LittleEndian, uint32(baseAddr))
	binary.Write(&template, binary.LittleEndian, uint32(size))

	// Extended Interrupt: Tag(1) + Length(2) + Flags(1) + Count(1) + GSI(4)
	template.WriteByte(0x89)
	template.WriteByte(0x06)
	template.WriteByte(0x00)
	template.WriteByte(0x09) // consumer, level, active-high, exclusive
	template.WriteByte(0x01)
	binary.Write(&template, binary.LittleEndian, gsi)

	template.Write([]byte{0x79, 0x00})

	writeCRSBuffer(buf, template.Bytes())
}

func writeCRSBuffer(buf *bytes.Buffer, rt []byte) {
	bufferBody := bytes.Buffer{}
	bufferBody.WriteByte(0x0a)          // BytePrefix for AML integer
	bufferBody.WriteByte(byte(len(rt))) // Buffer size
	bufferBody.Write(rt)
	buf.Write(wrapPkg(0x11, 0x00, bufferBody.Bytes())) // BufferOp
}

// wrapPkg emits an AML opcode with a computed PkgLength and body.
func wrapPkg(opcode byte, opcode2 byte, body []byte) []byte {
	var out bytes.Buffer
	out.WriteByte(opcode)
	if opcode2 != 0x00 {
		out.WriteByte(opcode2)
	}
	out.Write(pkgLength(len(body)))
	out.Write(body)
	return out.Bytes()
}

// pkgLength encodes AML PkgLength for bodies that fit in 2 bytes.
func pkgLength(bodyLen int) []byte {
	if bodyLen < 0x40 {
		return []byte{byte(bodyLen)}
	}
	// two-byte encoding: bits 3:0 of the lead byte hold the low nibble,
	// bits 7:6 hold the byte count minus one
	low := byte(bodyLen & 0xFF)
	high := byte((bodyLen >> 8) & 0x0F)
	return []byte{0x40 | (low & 0x3F), high}
}

func buildMADTBody(cfg Config) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, cfg.LAPICBase)
	binary.Write(buf, binary.LittleEndian, uint32(1)) // PC-AT compatible

	// One processor-local APIC per vCPU, APIC ID == CPU index.
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		buf.WriteByte(0) // Type = Processor Local APIC
		buf.WriteByte(8) // Length
		buf.WriteByte(uint8(cpu))
		buf.WriteByte(uint8(cpu))
		binary.Write(buf, binary.LittleEndian, uint32(1)) // enabled
	}

	buf.WriteByte(1)  // Type = IO-APIC
	buf.WriteByte(12) // Length
	buf.WriteByte(cfg.IOAPIC.ID)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.Address)
	binary.Write(buf, binary.LittleEndian, cfg.IOAPIC.GSIBase)

	for _, ovr := range cfg.ISAOverrides {
		buf.WriteByte(2)  // Type = Interrupt Source Override
		buf.WriteByte(10) // Length
		buf.WriteByte(ovr.Bus)
		buf.WriteByte(ovr.IRQ)
		binary.Write(buf, binary.LittleEndian, ovr.GSI)
		binary.Write(buf, binary.LittleEndian, ovr.Flags)
	}

	return buf.Bytes()
}

func buildHPETBody(cfg *HPETConfig) []byte {
	buf := &bytes.Buffer{}

	binary.Write(buf, binary.LittleEndian, uint32(0x8086A201))
	buf.WriteByte(0)
	buf.WriteByte(64)
	buf.WriteByte(0)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, cfg.Address)
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, uint16(0x0080))
	buf.WriteByte(0)

	return buf.Bytes()
}

func buildFADTBody(dsdtAddr uint64) []byte {
	buf := &bytes.Buffer{}

	// Firmware control structures and DSDT pointer
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(dsdtAddr))

	buf.WriteByte(0)                                  // Reserved
	buf.WriteByte(1)                                  // Preferred_PM_Profile (desktop)
	binary.Write(buf, binary.LittleEndian, uint16(9)) // SCI interrupt
	binary.Write(buf, binary.LittleEndian, uint32(0)) // SMI_CMD
	buf.WriteByte(0)                                  // ACPI_ENABLE
	buf.WriteByte(0)                                  // ACPI_DISABLE
	buf.WriteByte(0)                                  // S4BIOS_REQ
	buf.WriteByte(0)                                  // PSTATE_CNT

	// PM block addresses (PM1a_EVT, PM1b_EVT, PM1a_CNT, PM1b_CNT,
	// PM2_CNT, PM_TMR, GPE0, GPE1)
	for i := 0; i < 8; i++ {
		binary.Write(buf, binary.LittleEndian, uint32(0))
	}

	// PM block lengths
	for i := 0; i < 6; i++ {
		buf.WriteByte(0)
	}
	buf.WriteByte(0) // GPE1_BASE

	buf.WriteByte(0)                                  // CST_CNT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // P_LVL2_LAT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // P_LVL3_LAT
	binary.Write(buf, binary.LittleEndian, uint16(0)) // FLUSH_SIZE
	binary.Write(buf, binary.LittleEndian, uint16(0)) // FLUSH_STRIDE
	buf.WriteByte(0)                                  // DUTY_OFFSET
	buf.WriteByte(0)                                  // DUTY_WIDTH
	buf.WriteByte(0)                                  // DAY_ALRM
	buf.WriteByte(0)                                  // MON_ALRM
	buf.WriteByte(0)                                  // CENTURY

	binary.Write(buf, binary.LittleEndian, uint16(3)) // IAPC_BOOT_ARCH (legacy + 8042)
	buf.WriteByte(0)                                  // Reserved
	binary.Write(buf, binary.LittleEndian, uint32(1<<20))

	buf.Write([]byte{1, 8, 0, 0}) // RESET_REG GAS
	binary.Write(buf, binary.LittleEndian, uint64(0xCF9))
	buf.WriteByte(6)                                  // RESET_VALUE
	binary.Write(buf, binary.LittleEndian, uint16(0)) // ARM_BOOT_ARCH
	buf.WriteByte(1)                                  // FADT Minor Version
	binary.Write(buf, binary.LittleEndian, uint64(0))
	binary.Write(buf, binary.LittleEndian, dsdtAddr)

	for buf.Len()+36 < 244 {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func buildXSDTBody(entries []uint64) []byte {
	buf := &bytes.Buffer{}
	for _, entry := range entries {
		binary.Write(buf, binary.LittleEndian, entry)
	}
	return buf.Bytes()
}

func buildRSDP(xsdtAddr uint64, oem OEMInfo) []byte {
	rsdp := make([]byte, 36)
	copy(rsdp[0:], []byte("RSD PTR "))
	copy(rsdp[9:], oem.OEMID[:])
	rsdp[15] = 2 // ACPI 2.0+: pointers live in the XSDT
	binary.LittleEndian.PutUint32(rsdp[16:], 0)
	binary.LittleEndian.PutUint32(rsdp[20:], uint32(len(rsdp)))
	binary.LittleEndian.PutUint64(rsdp[24:], xsdtAddr)

	rsdp[8] = checksum(rsdp[:20])
	rsdp[32] = checksum(rsdp)
	return rsdp
}
