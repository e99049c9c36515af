package cpuid

import (
	"errors"
	"testing"
)

type fakeQuerier struct {
	leaves map[uint32]Leaf
	calls  int
}

func (q *fakeQuerier) CPUID(leaf, subleaf uint32) Leaf {
	q.calls++
	return q.leaves[leaf]
}

type fakeMSRs struct {
	values map[uint32]uint64
}

func (m *fakeMSRs) ReadMSR(msr uint32) (uint64, error) {
	v, ok := m.values[msr]
	if !ok {
		return 0, errors.New("unimplemented msr")
	}
	return v, nil
}

var (
	intelVendorLeaf = Leaf{EBX: 0x756E_6547, EDX: 0x4965_6E69, ECX: 0x6C65_746E}
	amdVendorLeaf   = Leaf{EBX: 0x6874_7541, EDX: 0x6974_6E65, ECX: 0x444D_4163}
)

func intelHost() (*fakeQuerier, *fakeMSRs) {
	q := &fakeQuerier{leaves: map[uint32]Leaf{
		leafVendor:   intelVendorLeaf,
		leafFeatures: {ECX: 1 << 5},
	}}
	msrs := &fakeMSRs{values: map[uint32]uint64{
		msrFeatureControl:    1 | 1<<2,
		msrVMXBasic:          0x12,
		msrVMXProcbasedCtls:  uint64(1) << (32 + 31),
		msrVMXProcbasedCtls2: (1<<1 | 1<<5 | 1<<7) << 32,
	}}
	return q, msrs
}

func amdHost() (*fakeQuerier, *fakeMSRs) {
	q := &fakeQuerier{leaves: map[uint32]Leaf{
		leafVendor:      amdVendorLeaf,
		leafExtFeatures: {ECX: 1 << 2},
		leafSVMFeatures: {
			EAX: 0x01,
			EBX: 0x8000,
			EDX: 1<<0 | 1<<3 | 1<<6 | 1<<7,
		},
	}}
	msrs := &fakeMSRs{values: map[uint32]uint64{
		msrVMCR: 0,
	}}
	return q, msrs
}

func TestDetectVendor(t *testing.T) {
	q, msrs := intelHost()
	if got := Detect(q, msrs).Vendor; got != VendorIntel {
		t.Fatalf("vendor = %v, want GenuineIntel", got)
	}

	q, msrs = amdHost()
	if got := Detect(q, msrs).Vendor; got != VendorAMD {
		t.Fatalf("vendor = %v, want AuthenticAMD", got)
	}

	q = &fakeQuerier{leaves: map[uint32]Leaf{}}
	caps := Detect(q, &fakeMSRs{})
	if caps.Vendor != VendorUnknown || caps.Usable() {
		t.Fatalf("unknown vendor reported usable capabilities: %+v", caps)
	}
}

func TestDetectVMX(t *testing.T) {
	q, msrs := intelHost()
	caps := Detect(q, msrs)

	if !caps.VMX || !caps.Usable() {
		t.Fatalf("VMX not detected: %+v", caps)
	}
	if caps.VMCSRevision != 0x12 {
		t.Fatalf("VMCS revision = %#x, want 0x12", caps.VMCSRevision)
	}
	if !caps.EPT || !caps.VPID || !caps.UnrestrictedGuest {
		t.Fatalf("secondary features not decoded: %+v", caps)
	}
	if caps.SVM {
		t.Fatal("SVM reported on an Intel host")
	}
}

func TestVMXLockedOffByFirmware(t *testing.T) {
	q, msrs := intelHost()
	msrs.values[msrFeatureControl] = 1 // locked, VMX-outside-SMX clear

	if caps := Detect(q, msrs); caps.VMX {
		t.Fatalf("VMX detected despite firmware lock: %+v", caps)
	}
}

func TestVMXWithoutSecondaryControls(t *testing.T) {
	q, msrs := intelHost()
	msrs.values[msrVMXProcbasedCtls] = 0

	caps := Detect(q, msrs)
	if !caps.VMX {
		t.Fatal("base VMX should still be detected")
	}
	if caps.EPT || caps.VPID || caps.UnrestrictedGuest {
		t.Fatalf("secondary features without secondary controls: %+v", caps)
	}
}

func TestUnreadableMSRMeansAbsent(t *testing.T) {
	q, _ := intelHost()
	if caps := Detect(q, &fakeMSRs{}); caps.VMX {
		t.Fatalf("VMX detected with no readable MSRs: %+v", caps)
	}
}

func TestDetectSVM(t *testing.T) {
	q, msrs := amdHost()
	caps := Detect(q, msrs)

	if !caps.SVM || !caps.Usable() {
		t.Fatalf("SVM not detected: %+v", caps)
	}
	if caps.SVMRevision != 1 || caps.ASIDCount != 0x8000 {
		t.Fatalf("revision/asids = %#x/%d", caps.SVMRevision, caps.ASIDCount)
	}
	if !caps.NPT || !caps.NRIPSave || !caps.FlushByASID || !caps.DecodeAssists {
		t.Fatalf("SVM features not decoded: %+v", caps)
	}
	if caps.VMX {
		t.Fatal("VMX reported on an AMD host")
	}
}

func TestSVMDisabledByFirmware(t *testing.T) {
	q, msrs := amdHost()
	msrs.values[msrVMCR] = 1 << 4 // SVMDIS

	if caps := Detect(q, msrs); caps.SVM {
		t.Fatalf("SVM detected despite SVMDIS: %+v", caps)
	}
}

func TestDetectorProbesOnce(t *testing.T) {
	q, msrs := intelHost()
	d := &Detector{Query: q, MSR: msrs}

	first := d.Capabilities()
	calls := q.calls
	second := d.Capabilities()

	if q.calls != calls {
		t.Fatalf("second Capabilities() probed again (%d -> %d calls)", calls, q.calls)
	}
	if first != second {
		t.Fatal("cached capabilities differ")
	}
}
