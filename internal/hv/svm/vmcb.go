package svm

import "encoding/binary"

// VMCB control-area offsets. The control area occupies the first 0x400
// bytes of the VMCB page; the state-save area follows at 0x400.
const (
	vmcbInterceptVec3 = 0x00C
	vmcbInterceptVec4 = 0x010
	vmcbGuestASID     = 0x058
	vmcbTLBControl    = 0x05C
	vmcbExitCode      = 0x070
	vmcbExitInfo1     = 0x078
	vmcbExitInfo2     = 0x080
	vmcbNPEnable      = 0x090
	vmcbNestedCR3     = 0x0B0
	vmcbNextRIP       = 0x0C8
)

// State-save area offsets. Segment registers are 16-byte records of
// selector, attributes, limit and base.
const (
	saveES   = 0x400
	saveCS   = 0x410
	saveSS   = 0x420
	saveDS   = 0x430
	saveGDTR = 0x460

	saveEFER   = 0x4D0
	saveCR4    = 0x548
	saveCR3    = 0x550
	saveCR0    = 0x558
	saveRFLAGS = 0x570
	saveRIP    = 0x578
	saveRSP    = 0x5D8
	saveRAX    = 0x5F8
	saveCR2    = 0x640
)

// Intercept bits in vector 3.
const (
	interceptCPUID    = 1 << 18
	interceptHLT      = 1 << 24
	interceptIOIO     = 1 << 27
	interceptMSR      = 1 << 28
	interceptShutdown = 1 << 31
)

// Intercept bits in vector 4. VMRUN interception is architecturally
// mandatory.
const (
	interceptVMRUN  = 1 << 0
	interceptVMMCAL = 1 << 1
)

// Exit codes.
const (
	exitCodeCPUID    = 0x72
	exitCodeHLT      = 0x78
	exitCodeIOIO     = 0x7B
	exitCodeMSR      = 0x7C
	exitCodeShutdown = 0x7F
	exitCodeVMMCALL  = 0x81
	exitCodeNPF      = 0x400

	// exitCodeInvalid reports a rejected VMRUN.
	exitCodeInvalid = ^uint64(0)
)

// TLB control commands.
const (
	tlbFlushAll  = 1
	tlbFlushASID = 3
)

const npEnableBit = 1

// vmcb wraps the host view of the VMCB page with little-endian accessors.
type vmcb struct {
	mem []byte
}

func (v vmcb) get32(off int) uint32    { return binary.LittleEndian.Uint32(v.mem[off:]) }
func (v vmcb) put32(off int, x uint32) { binary.LittleEndian.PutUint32(v.mem[off:], x) }
func (v vmcb) get64(off int) uint64    { return binary.LittleEndian.Uint64(v.mem[off:]) }
func (v vmcb) put64(off int, x uint64) { binary.LittleEndian.PutUint64(v.mem[off:], x) }
func (v vmcb) putByte(off int, x byte) { v.mem[off] = x }

// putSegment writes one 16-byte segment record. Attributes use the packed
// form: descriptor access byte in bits 0-7, flags nibble in bits 8-11.
func (v vmcb) putSegment(off int, selector, attrib uint16, limit uint32, base uint64) {
	binary.LittleEndian.PutUint16(v.mem[off:], selector)
	binary.LittleEndian.PutUint16(v.mem[off+2:], attrib)
	binary.LittleEndian.PutUint32(v.mem[off+4:], limit)
	binary.LittleEndian.PutUint64(v.mem[off+8:], base)
}

func (v vmcb) segmentBase(off int) uint64 {
	return binary.LittleEndian.Uint64(v.mem[off+8:])
}
