package svm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
)

// Backend drives one guest on AMD-V. It owns the guest's VMCB and a host
// save area for VMRUN.
type Backend struct {
	port  Port
	alloc hostmem.Allocator
	log   *slog.Logger

	vmcbAddr hostmem.PhysAddr
	vmcb     vmcb
	hostSave hostmem.PhysAddr
	caps     cpuid.Capabilities
	gprs     hv.GPRFile
	closed   bool
}

// New allocates and programs a VMCB for one guest. The capabilities must
// report SVM with nested paging.
func New(port Port, alloc hostmem.Allocator, caps cpuid.Capabilities, logger *slog.Logger) (*Backend, error) {
	if !caps.SVM {
		return nil, fmt.Errorf("%w: AMD-V not available", hv.ErrBackendUnavailable)
	}
	if !caps.NPT {
		return nil, fmt.Errorf("%w: nested paging is required", hv.ErrBackendUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}

	vmcbAddr, err := alloc.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("svm: allocate VMCB: %w", err)
	}
	mem, err := alloc.Page(vmcbAddr)
	if err != nil {
		alloc.FreePage(vmcbAddr)
		return nil, err
	}
	hostSave, err := alloc.AllocPage()
	if err != nil {
		alloc.FreePage(vmcbAddr)
		return nil, fmt.Errorf("svm: allocate host save area: %w", err)
	}

	b := &Backend{
		port:     port,
		alloc:    alloc,
		log:      logger.With("backend", "svm"),
		vmcbAddr: vmcbAddr,
		vmcb:     vmcb{mem: mem},
		hostSave: hostSave,
		caps:     caps,
	}

	b.vmcb.put32(vmcbInterceptVec3,
		interceptCPUID|interceptHLT|interceptIOIO|interceptMSR|interceptShutdown)
	b.vmcb.put32(vmcbInterceptVec4, interceptVMRUN|interceptVMMCAL)
	b.vmcb.put64(vmcbNPEnable, npEnableBit)

	return b, nil
}

// Vendor implements hv.Backend.
func (b *Backend) Vendor() hv.Vendor { return hv.VendorSVM }

// ControlBlock implements hv.Backend.
func (b *Backend) ControlBlock() hostmem.PhysAddr { return b.vmcbAddr }

// SetTaggingID implements hv.Backend by installing the ASID. The next entry
// flushes stale translations for the tag; CPUs without flush-by-ASID pay
// for a full flush.
func (b *Backend) SetTaggingID(id uint16) error {
	b.vmcb.put32(vmcbGuestASID, uint32(id))
	if b.caps.FlushByASID {
		b.vmcb.putByte(vmcbTLBControl, tlbFlushASID)
	} else {
		b.vmcb.putByte(vmcbTLBControl, tlbFlushAll)
	}
	return nil
}

// SetNestedRoot implements hv.Backend by installing the nested CR3.
func (b *Backend) SetNestedRoot(pointer uint64) error {
	b.vmcb.put64(vmcbNestedCR3, pointer)
	return nil
}

// Guest CR0/CR4/EFER values per mode. Guest EFER keeps SVME set, which
// VMRUN requires.
const (
	cr0LongMode = 0x8001_0033 // PG | WP | NE | ET | MP | PE
	cr0ProtMode = 0x0000_0033 // NE | ET | MP | PE
	cr0RealMode = 0x0000_0030 // NE | ET
	cr4LongMode = 0x0000_0020 // PAE

	eferSVME = 1 << 12
	eferLong = 0x0000_0500 | eferSVME // LMA | LME

	attribCode64 = 0xA9B
	attribCode32 = 0xC9B
	attribData32 = 0xC93
	attribCode16 = 0x09B
	attribData16 = 0x093

	flatLimit = 0xFFFF_FFFF
	realLimit = 0xFFFF

	rflagsIF = 1 << 9
)

// SetGuestMode implements hv.Backend.
func (b *Backend) SetGuestMode(mode hv.GuestMode) error {
	switch m := mode.(type) {
	case hv.LongMode:
		b.setLongMode(m)
	case hv.ProtectedMode:
		b.setProtectedMode(m)
	case hv.RealMode:
		b.setRealMode(m)
	default:
		return fmt.Errorf("svm: unsupported guest mode %T", mode)
	}
	return nil
}

func (b *Backend) setLongMode(m hv.LongMode) {
	b.gprs = hv.GPRFile{Rsi: m.RSI}

	v := b.vmcb
	v.put64(saveCR0, cr0LongMode)
	v.put64(saveCR3, m.CR3)
	v.put64(saveCR4, cr4LongMode)
	v.put64(saveEFER, eferLong)
	v.put64(saveRIP, m.RIP)
	v.put64(saveRSP, m.RSP)
	v.put64(saveRFLAGS, 0x2)
	v.put64(saveRAX, 0)

	v.putSegment(saveCS, m.CodeSel, attribCode64, flatLimit, 0)
	v.putSegment(saveDS, m.DataSel, attribData32, flatLimit, 0)
	v.putSegment(saveES, m.DataSel, attribData32, flatLimit, 0)
	v.putSegment(saveSS, m.DataSel, attribData32, flatLimit, 0)
	v.putSegment(saveGDTR, 0, 0, uint32(m.GDTLimit), m.GDTBase)
}

func (b *Backend) setProtectedMode(m hv.ProtectedMode) {
	b.gprs = hv.GPRFile{}

	v := b.vmcb
	v.put64(saveCR0, cr0ProtMode)
	v.put64(saveCR3, 0)
	v.put64(saveCR4, 0)
	v.put64(saveEFER, eferSVME)
	v.put64(saveRIP, uint64(m.EIP))
	v.put64(saveRSP, uint64(m.ESP))
	v.put64(saveRFLAGS, 0x2)
	v.put64(saveRAX, 0)

	v.putSegment(saveCS, 0x08, attribCode32, flatLimit, 0)
	v.putSegment(saveDS, 0x10, attribData32, flatLimit, 0)
	v.putSegment(saveES, 0x10, attribData32, flatLimit, 0)
	v.putSegment(saveSS, 0x10, attribData32, flatLimit, 0)
}

func (b *Backend) setRealMode(m hv.RealMode) {
	b.gprs = hv.GPRFile{}

	v := b.vmcb
	v.put64(saveCR0, cr0RealMode)
	v.put64(saveCR3, 0)
	v.put64(saveCR4, 0)
	v.put64(saveEFER, eferSVME)
	v.put64(saveRIP, uint64(m.IP))
	v.put64(saveRSP, 0)
	v.put64(saveRFLAGS, 0x2)
	v.put64(saveRAX, 0)

	v.putSegment(saveCS, m.CS, attribCode16, realLimit, uint64(m.CS)<<4)
	v.putSegment(saveDS, 0, attribData16, realLimit, 0)
	v.putSegment(saveES, 0, attribData16, realLimit, 0)
	v.putSegment(saveSS, 0, attribData16, realLimit, 0)
}

// ReadRegister implements hv.Backend. RAX lives in the VMCB, not the GPR
// file the port carries.
func (b *Backend) ReadRegister(reg hv.Register) (uint64, error) {
	if reg == hv.RegisterRax {
		return b.vmcb.get64(saveRAX), nil
	}
	if v, ok := b.gprs.Get(reg); ok {
		return v, nil
	}
	if off, ok := saveOffset(reg); ok {
		return b.vmcb.get64(off), nil
	}
	return 0, fmt.Errorf("svm: unreadable register %s", reg)
}

// WriteRegister implements hv.Backend.
func (b *Backend) WriteRegister(reg hv.Register, value uint64) error {
	if reg == hv.RegisterRax {
		b.vmcb.put64(saveRAX, value)
		return nil
	}
	if b.gprs.Set(reg, value) {
		return nil
	}
	switch reg {
	case hv.RegisterRsp, hv.RegisterRip, hv.RegisterRflags, hv.RegisterCr3:
		off, _ := saveOffset(reg)
		b.vmcb.put64(off, value)
		return nil
	}
	return fmt.Errorf("svm: unwritable register %s", reg)
}

func saveOffset(reg hv.Register) (int, bool) {
	switch reg {
	case hv.RegisterRsp:
		return saveRSP, true
	case hv.RegisterRip:
		return saveRIP, true
	case hv.RegisterRflags:
		return saveRFLAGS, true
	case hv.RegisterCr0:
		return saveCR0, true
	case hv.RegisterCr2:
		return saveCR2, true
	case hv.RegisterCr3:
		return saveCR3, true
	case hv.RegisterCr4:
		return saveCR4, true
	case hv.RegisterEfer:
		return saveEFER, true
	}
	return 0, false
}

// Registers implements hv.Backend.
func (b *Backend) Registers() (*hv.Registers, error) {
	regs := &hv.Registers{GPRFile: b.gprs}
	regs.Rax = b.vmcb.get64(saveRAX)
	regs.Rsp = b.vmcb.get64(saveRSP)
	regs.Rip = b.vmcb.get64(saveRIP)
	regs.Rflags = b.vmcb.get64(saveRFLAGS)
	regs.Cr0 = b.vmcb.get64(saveCR0)
	regs.Cr2 = b.vmcb.get64(saveCR2)
	regs.Cr3 = b.vmcb.get64(saveCR3)
	regs.Cr4 = b.vmcb.get64(saveCR4)
	regs.Efer = b.vmcb.get64(saveEFER)
	return regs, nil
}

// AdvanceRIP implements hv.Backend. With nRIP save the hardware already
// recorded where the intercepted instruction ends.
func (b *Backend) AdvanceRIP(instLen int) error {
	if instLen == 0 {
		if !b.caps.NRIPSave {
			return fmt.Errorf("svm: instruction length unavailable without nRIP save")
		}
		b.vmcb.put64(saveRIP, b.vmcb.get64(vmcbNextRIP))
		return nil
	}
	b.vmcb.put64(saveRIP, b.vmcb.get64(saveRIP)+uint64(instLen))
	return nil
}

// Enter implements hv.Backend: one VMRUN, then exit decode.
func (b *Backend) Enter(ctx context.Context) (hv.Exit, error) {
	if err := ctx.Err(); err != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}

	if err := b.port.VMRun(b.vmcbAddr, b.hostSave, &b.gprs); err != nil {
		return hv.Exit{}, err
	}

	return b.decodeExit()
}

func (b *Backend) decodeExit() (hv.Exit, error) {
	code := b.vmcb.get64(vmcbExitCode)
	if code == exitCodeInvalid {
		return hv.Exit{}, ErrEntryFailed
	}

	exit := hv.Exit{
		RawReason:         code,
		InterruptsEnabled: b.vmcb.get64(saveRFLAGS)&rflagsIF != 0,
	}

	switch code {
	case exitCodeHLT:
		exit.Kind = hv.ExitHalt

	case exitCodeCPUID:
		exit.Kind = hv.ExitCPUID

	case exitCodeVMMCALL:
		exit.Kind = hv.ExitHypercall

	case exitCodeShutdown:
		exit.Kind = hv.ExitTripleFault

	case exitCodeMSR:
		if b.vmcb.get64(vmcbExitInfo1) == 0 {
			exit.Kind = hv.ExitMSRRead
		} else {
			exit.Kind = hv.ExitMSRWrite
		}
		exit.MSR = uint32(b.gprs.Rcx)

	case exitCodeIOIO:
		info := b.vmcb.get64(vmcbExitInfo1)
		exit.Kind = hv.ExitIO
		exit.IOWrite = info&1 == 0
		exit.IOPort = uint16(info >> 16)
		switch {
		case info&(1<<4) != 0:
			exit.IOSize = 1
		case info&(1<<5) != 0:
			exit.IOSize = 2
		case info&(1<<6) != 0:
			exit.IOSize = 4
		}

	case exitCodeNPF:
		ec := b.vmcb.get64(vmcbExitInfo1)
		exit.Kind = hv.ExitMemoryFault
		exit.GPA = b.vmcb.get64(vmcbExitInfo2)
		exit.FaultWrite = ec&(1<<1) != 0
		exit.FaultExec = ec&(1<<4) != 0
		exit.FaultRead = !exit.FaultWrite && !exit.FaultExec

	default:
		b.log.Warn("unhandled exit code", "code", fmt.Sprintf("%#x", code))
		exit.Kind = hv.ExitUnknown
	}

	if b.caps.NRIPSave && exit.Kind != hv.ExitMemoryFault && exit.Kind != hv.ExitTripleFault {
		rip := b.vmcb.get64(saveRIP)
		if nrip := b.vmcb.get64(vmcbNextRIP); nrip > rip && nrip-rip <= 15 {
			exit.InstLen = int(nrip - rip)
		}
	}

	return exit, nil
}

// Close implements hv.Backend.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	var firstErr error
	if err := b.alloc.FreePage(b.vmcbAddr); err != nil {
		firstErr = err
	}
	if err := b.alloc.FreePage(b.hostSave); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ hv.Backend = (*Backend)(nil)
