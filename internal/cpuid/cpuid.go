// Package cpuid probes the host CPU for hardware virtualization support.
// Detection is a pure query against the CPUID and MSR services supplied by
// the architecture layer: nothing is written, and any feature bit that
// cannot be read is reported as absent.
package cpuid

import (
	"sync"
)

// Leaf holds the four output registers of one CPUID invocation.
type Leaf struct {
	EAX, EBX, ECX, EDX uint32
}

// Querier executes CPUID. Implemented by the architecture layer; tests
// supply canned leaves.
type Querier interface {
	CPUID(leaf, subleaf uint32) Leaf
}

// MSRReader reads a model-specific register. A read error means the MSR is
// not implemented on this CPU; detection treats that as "feature absent".
type MSRReader interface {
	ReadMSR(msr uint32) (uint64, error)
}

// Vendor identifies the CPU manufacturer, which fixes the virtualization
// architecture available.
type Vendor int

const (
	VendorUnknown Vendor = iota
	VendorIntel
	VendorAMD
)

func (v Vendor) String() string {
	switch v {
	case VendorIntel:
		return "GenuineIntel"
	case VendorAMD:
		return "AuthenticAMD"
	default:
		return "unknown"
	}
}

// CPUID leaves and MSRs consulted during detection.
const (
	leafVendor      = 0x0000_0000
	leafFeatures    = 0x0000_0001
	leafExtFeatures = 0x8000_0001
	leafSVMFeatures = 0x8000_000A

	msrFeatureControl    = 0x3A
	msrVMXBasic          = 0x480
	msrVMXProcbasedCtls  = 0x482
	msrVMXProcbasedCtls2 = 0x48B
	msrVMCR              = 0xC001_0114
)

// Capabilities reports what the host CPU can virtualize. Zero value means
// "nothing usable".
type Capabilities struct {
	Vendor Vendor

	// Intel VT-x.
	VMX               bool
	EPT               bool
	VPID              bool
	UnrestrictedGuest bool
	VMCSRevision      uint32

	// AMD-V.
	SVM           bool
	NPT           bool
	NRIPSave      bool
	FlushByASID   bool
	DecodeAssists bool
	ASIDCount     uint32
	SVMRevision   uint32
}

// Usable reports whether any hardware virtualization backend can be used.
func (c Capabilities) Usable() bool {
	return c.VMX || c.SVM
}

// Detect probes the CPU once and returns its virtualization capabilities.
// Absent or unreadable feature bits are reported as unsupported.
func Detect(q Querier, msr MSRReader) Capabilities {
	var caps Capabilities

	caps.Vendor = detectVendor(q)

	switch caps.Vendor {
	case VendorIntel:
		detectVMX(q, msr, &caps)
	case VendorAMD:
		detectSVM(q, msr, &caps)
	}

	return caps
}

// Detector caches one detection for the process lifetime; CPU features do
// not change at runtime.
type Detector struct {
	once sync.Once
	caps Capabilities

	Query Querier
	MSR   MSRReader
}

// Capabilities returns the cached detection result, probing on first use.
func (d *Detector) Capabilities() Capabilities {
	d.once.Do(func() {
		d.caps = Detect(d.Query, d.MSR)
	})
	return d.caps
}

func detectVendor(q Querier) Vendor {
	id := q.CPUID(leafVendor, 0)

	// Vendor string is packed EBX, EDX, ECX.
	switch {
	case id.EBX == 0x756E_6547 && id.EDX == 0x4965_6E69 && id.ECX == 0x6C65_746E: // "GenuineIntel"
		return VendorIntel
	case id.EBX == 0x6874_7541 && id.EDX == 0x6974_6E65 && id.ECX == 0x444D_4163: // "AuthenticAMD"
		return VendorAMD
	default:
		return VendorUnknown
	}
}

func detectVMX(q Querier, msr MSRReader, caps *Capabilities) {
	if q.CPUID(leafFeatures, 0).ECX&(1<<5) == 0 {
		return
	}

	// The BIOS can lock VMX off via IA32_FEATURE_CONTROL. Lock bit set
	// without the VMX-outside-SMX bit means VMX is unusable.
	fc, err := msr.ReadMSR(msrFeatureControl)
	if err != nil {
		return
	}
	if fc&1 != 0 && fc&(1<<2) == 0 {
		return
	}

	basic, err := msr.ReadMSR(msrVMXBasic)
	if err != nil {
		return
	}

	caps.VMX = true
	caps.VMCSRevision = uint32(basic & 0x7FFF_FFFF)

	// Secondary processor controls carry the EPT/VPID/unrestricted-guest
	// bits; their availability is itself gated by the primary controls.
	ctls, err := msr.ReadMSR(msrVMXProcbasedCtls)
	if err != nil || (ctls>>32)&(1<<31) == 0 {
		return
	}
	ctls2, err := msr.ReadMSR(msrVMXProcbasedCtls2)
	if err != nil {
		return
	}
	allowed1 := uint32(ctls2 >> 32)
	caps.EPT = allowed1&(1<<1) != 0
	caps.VPID = allowed1&(1<<5) != 0
	caps.UnrestrictedGuest = allowed1&(1<<7) != 0
}

func detectSVM(q Querier, msr MSRReader, caps *Capabilities) {
	if q.CPUID(leafExtFeatures, 0).ECX&(1<<2) == 0 {
		return
	}

	// VM_CR.SVMDIS set means SVM is disabled by firmware.
	if vmcr, err := msr.ReadMSR(msrVMCR); err != nil || vmcr&(1<<4) != 0 {
		return
	}

	feat := q.CPUID(leafSVMFeatures, 0)
	caps.SVM = true
	caps.SVMRevision = feat.EAX & 0xFF
	caps.ASIDCount = feat.EBX
	caps.NPT = feat.EDX&(1<<0) != 0
	caps.NRIPSave = feat.EDX&(1<<3) != 0
	caps.FlushByASID = feat.EDX&(1<<6) != 0
	caps.DecodeAssists = feat.EDX&(1<<7) != 0
}
