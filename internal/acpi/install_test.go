package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
)

func TestBuildProducesTables(t *testing.T) {
	mem := newFakeMemory(16 << 20)

	cfg := Config{
		HPET: &HPETConfig{Address: 0xFED00000},
	}

	ts, err := Build(cfg)
	if err != nil {
		t.Fatalf("build ACPI: %v", err)
	}
	if err := ts.Install(mem); err != nil {
		t.Fatalf("install ACPI: %v", err)
	}

	tables := parseTables(t, mem.mem, DefaultTablesBase, DefaultTablesSize)

	for _, sig := range []string{"DSDT", "APIC", "FACP", "XSDT", "HPET"} {
		if _, ok := tables[sig]; !ok {
			t.Fatalf("missing %s table", sig)
		}
	}

	rsdp := mem.mem[DefaultRSDPBase : DefaultRSDPBase+36]
	if string(rsdp[:8]) != "RSD PTR " {
		t.Fatalf("bad RSDP signature: %q", rsdp[:8])
	}
	if rsdp[15] != 2 {
		t.Fatalf("RSDP revision = %d, want 2", rsdp[15])
	}
	if sum(rsdp[:20]) != 0 || sum(rsdp) != 0 {
		t.Fatal("RSDP checksum mismatch")
	}
	xsdtAddr := binary.LittleEndian.Uint64(rsdp[24:32])
	if xsdtAddr != tables["XSDT"] {
		t.Fatalf("xsdt pointer mismatch: got 0x%x want 0x%x", xsdtAddr, tables["XSDT"])
	}
	if xsdtAddr != ts.XSDTAddr {
		t.Fatalf("reported XSDT address 0x%x, installed at 0x%x", ts.XSDTAddr, xsdtAddr)
	}

	xsdtBytes := readTableBytes(t, mem.mem, tables["XSDT"])
	entries := parseXSDTEntries(xsdtBytes)
	want := []uint64{tables["FACP"], tables["APIC"], tables["HPET"]}
	if len(entries) != len(want) {
		t.Fatalf("xsdt entry count mismatch: got %d want %d", len(entries), len(want))
	}
	for i := range entries {
		if entries[i] != want[i] {
			t.Fatalf("xsdt entry %d mismatch: got 0x%x want 0x%x", i, entries[i], want[i])
		}
	}
}

func TestBuildWithoutHPET(t *testing.T) {
	mem := newFakeMemory(16 << 20)

	ts, err := Build(Config{})
	if err != nil {
		t.Fatalf("build ACPI: %v", err)
	}
	if err := ts.Install(mem); err != nil {
		t.Fatalf("install ACPI: %v", err)
	}

	tables := parseTables(t, mem.mem, DefaultTablesBase, DefaultTablesSize)
	if _, ok := tables["HPET"]; ok {
		t.Fatalf("unexpected HPET table present")
	}

	xsdtBytes := readTableBytes(t, mem.mem, tables["XSDT"])
	entries := parseXSDTEntries(xsdtBytes)
	want := []uint64{tables["FACP"], tables["APIC"]}
	if len(entries) != len(want) {
		t.Fatalf("xsdt entries mismatch: got %d want %d", len(entries), len(want))
	}
	for i := range entries {
		if entries[i] != want[i] {
			t.Fatalf("xsdt entry %d mismatch: got 0x%x want 0x%x", i, entries[i], want[i])
		}
	}
}

func TestBuildMADTTopology(t *testing.T) {
	mem := newFakeMemory(16 << 20)

	ts, err := Build(Config{NumCPUs: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := ts.Install(mem); err != nil {
		t.Fatal(err)
	}

	tables := parseTables(t, mem.mem, DefaultTablesBase, DefaultTablesSize)
	madt := readTableBytes(t, mem.mem, tables["APIC"])

	if got := binary.LittleEndian.Uint32(madt[36:40]); got != 0xFEE00000 {
		t.Fatalf("LAPIC base = 0x%x, want 0xFEE00000", got)
	}

	// Exactly one local APIC with ID 0, then one IO-APIC with ID 1.
	var lapics, ioapics int
	body := madt[44:]
	for len(body) >= 2 {
		typ, length := body[0], int(body[1])
		switch typ {
		case 0:
			if body[3] != 0 {
				t.Fatalf("LAPIC ID = %d, want 0", body[3])
			}
			lapics++
		case 1:
			if body[2] != 1 {
				t.Fatalf("IO-APIC ID = %d, want 1", body[2])
			}
			if got := binary.LittleEndian.Uint32(body[4:8]); got != 0xFEC00000 {
				t.Fatalf("IO-APIC base = 0x%x, want 0xFEC00000", got)
			}
			ioapics++
		}
		body = body[length:]
	}
	if lapics != 1 || ioapics != 1 {
		t.Fatalf("got %d LAPICs and %d IO-APICs, want 1 each", lapics, ioapics)
	}
}

func TestBuildRegionTooSmall(t *testing.T) {
	_, err := Build(Config{TablesSize: 64})
	if !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("expected ErrBufferTooSmall, got %v", err)
	}
}

func parseTables(t *testing.T, mem []byte, tablesBase, size uint64) map[string]uint64 {
	t.Helper()
	tables := make(map[string]uint64)
	start := int(tablesBase)
	end := start + int(size)
	for pos := start; pos+36 <= end; {
		sig := string(mem[pos : pos+4])
		if sig == "\x00\x00\x00\x00" {
			break
		}
		length := int(binary.LittleEndian.Uint32(mem[pos+4 : pos+8]))
		if pos+length > end {
			t.Fatalf("table %s overruns region", sig)
		}
		tableBytes := mem[pos : pos+length]
		if sum(tableBytes) != 0 {
			t.Fatalf("table %s checksum mismatch", sig)
		}
		tables[sig] = uint64(pos)
		pos += align(length, 8)
	}
	return tables
}

func sum(b []byte) byte {
	var total byte
	for _, v := range b {
		total += v
	}
	return total
}

func align(n, a int) int {
	if r := n % a; r != 0 {
		return n + (a - r)
	}
	return n
}

func readTableBytes(t *testing.T, mem []byte, phys uint64) []byte {
	t.Helper()
	off := int(phys)
	length := int(binary.LittleEndian.Uint32(mem[off+4 : off+8]))
	return mem[off : off+length]
}

func parseXSDTEntries(xsdt []byte) []uint64 {
	body := xsdt[36:]
	entries := make([]uint64, 0, len(body)/8)
	for len(body) >= 8 {
		entries = append(entries, binary.LittleEndian.Uint64(body[:8]))
		body = body[8:]
	}
	return entries
}

type fakeMemory struct {
	mem []byte
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{mem: make([]byte, size)}
}

func (f *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off)+len(p) > len(f.mem) {
		return 0, fmt.Errorf("offset out of range")
	}
	return copy(f.mem[off:], p), nil
}
