package vmx

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
)

// Backend drives one guest on VT-x. It owns a VMCS and a share of VMX root
// operation.
type Backend struct {
	port  Port
	alloc hostmem.Allocator
	log   *slog.Logger
	msr   cpuid.MSRReader

	vmcs     hostmem.PhysAddr
	caps     cpuid.Capabilities
	vpid     uint16
	gprs     hv.GPRFile
	launched bool
	closed   bool
}

// New brings up a VMCS for one guest: enters root operation if this is the
// first guest, clears and loads the VMCS and programs the execution
// controls. The capabilities must report VMX with EPT and VPID.
func New(port Port, msr cpuid.MSRReader, alloc hostmem.Allocator, caps cpuid.Capabilities, logger *slog.Logger) (*Backend, error) {
	if !caps.VMX {
		return nil, fmt.Errorf("%w: VT-x not available", hv.ErrBackendUnavailable)
	}
	if !caps.EPT || !caps.VPID {
		return nil, fmt.Errorf("%w: EPT and VPID are required", hv.ErrBackendUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := root.acquire(port, alloc, caps.VMCSRevision); err != nil {
		return nil, err
	}

	vmcs, err := alloc.AllocPage()
	if err != nil {
		root.release(port)
		return nil, fmt.Errorf("vmx: allocate VMCS: %w", err)
	}
	page, err := alloc.Page(vmcs)
	if err != nil {
		alloc.FreePage(vmcs)
		root.release(port)
		return nil, err
	}
	binary.LittleEndian.PutUint32(page, caps.VMCSRevision)

	b := &Backend{
		port:  port,
		alloc: alloc,
		log:   logger.With("backend", "vmx"),
		msr:   msr,
		vmcs:  vmcs,
		caps:  caps,
	}

	if err := port.VMClear(vmcs); err != nil {
		b.teardown()
		return nil, fmt.Errorf("vmx: VMCLEAR: %w", err)
	}
	if err := port.VMPtrLoad(vmcs); err != nil {
		b.teardown()
		return nil, fmt.Errorf("vmx: VMPTRLD: %w", err)
	}
	if err := b.programControls(msr); err != nil {
		b.teardown()
		return nil, err
	}

	return b, nil
}

// adjustControls folds the desired control bits into what the capability
// MSR allows: allowed-0 bits (low half) must be set, allowed-1 bits (high
// half) bound what may be set.
func adjustControls(msr cpuid.MSRReader, capability uint32, desired uint64) (uint64, error) {
	v, err := msr.ReadMSR(capability)
	if err != nil {
		return 0, fmt.Errorf("vmx: read control capability %#x: %w", capability, err)
	}
	allowed0 := v & 0xFFFF_FFFF
	allowed1 := v >> 32
	if desired&^allowed1 != 0 {
		return 0, fmt.Errorf("vmx: control bits %#x not supported (capability %#x)", desired&^allowed1, capability)
	}
	return (desired | allowed0) & allowed1, nil
}

func (b *Backend) programControls(msr cpuid.MSRReader) error {
	pin, err := adjustControls(msr, msrVMXPinBasedCtls, 0)
	if err != nil {
		return err
	}
	proc, err := adjustControls(msr, msrVMXProcBasedCtls,
		procHLTExit|procUncondIOExit|procSecondaryEnable)
	if err != nil {
		return err
	}

	secondary := uint64(secondaryEPT | secondaryVPID)
	if b.caps.UnrestrictedGuest {
		secondary |= secondaryUnrestricted
	}
	sec, err := adjustControls(msr, msrVMXProcCtls2, secondary)
	if err != nil {
		return err
	}

	exit, err := adjustControls(msr, msrVMXExitCtls, exitHostAddrSpaceSize)
	if err != nil {
		return err
	}
	// Entry controls are mode-dependent; SetGuestMode reprograms them. The
	// EFER field is always loaded on entry so the mode setters stay
	// authoritative over the guest's EFER.
	entry, err := adjustControls(msr, msrVMXEntryCtls, entryLoadEFER)
	if err != nil {
		return err
	}

	for _, w := range []struct {
		field uint64
		value uint64
	}{
		{fieldPinBasedCtls, pin},
		{fieldProcBasedCtls, proc},
		{fieldSecondaryCtls, sec},
		{fieldExitCtls, exit},
		{fieldEntryCtls, entry},
		{fieldExceptionBitmap, 0},
	} {
		if err := b.port.VMWrite(w.field, w.value); err != nil {
			return fmt.Errorf("vmx: write control %#x: %w", w.field, err)
		}
	}
	return nil
}

// Vendor implements hv.Backend.
func (b *Backend) Vendor() hv.Vendor { return hv.VendorVMX }

// ControlBlock implements hv.Backend.
func (b *Backend) ControlBlock() hostmem.PhysAddr { return b.vmcs }

// SetTaggingID implements hv.Backend by installing the VPID.
func (b *Backend) SetTaggingID(id uint16) error {
	if err := b.port.VMWrite(fieldVPID, uint64(id)); err != nil {
		return err
	}
	b.vpid = id
	return b.port.InvVPID(id)
}

// SetNestedRoot implements hv.Backend by installing the EPT pointer.
func (b *Backend) SetNestedRoot(pointer uint64) error {
	return b.port.VMWrite(fieldEPTPointer, pointer)
}

// Guest CR0/CR4/EFER values per mode.
const (
	cr0LongMode = 0x8001_0033 // PG | WP | NE | ET | MP | PE
	cr0ProtMode = 0x0000_0033 // NE | ET | MP | PE
	cr0RealMode = 0x0000_0030 // NE | ET
	cr4LongMode = 0x0000_0020 // PAE
	eferLong    = 0x0000_0500 // LMA | LME

	accessCode64   = 0xA09B
	accessCode32   = 0xC09B
	accessData32   = 0xC093
	accessCode16   = 0x009B
	accessData16   = 0x0093
	accessTSS      = 0x008B
	flatLimit      = 0xFFFF_FFFF
	realLimit      = 0xFFFF
)

// SetGuestMode implements hv.Backend.
func (b *Backend) SetGuestMode(mode hv.GuestMode) error {
	switch m := mode.(type) {
	case hv.LongMode:
		return b.setLongMode(m)
	case hv.ProtectedMode:
		return b.setProtectedMode(m)
	case hv.RealMode:
		if !b.caps.UnrestrictedGuest {
			return fmt.Errorf("%w: real mode requires unrestricted guest", hv.ErrBackendUnavailable)
		}
		return b.setRealMode(m)
	default:
		return fmt.Errorf("vmx: unsupported guest mode %T", mode)
	}
}

func (b *Backend) writeFields(fields map[uint64]uint64) error {
	for f, v := range fields {
		if err := b.port.VMWrite(f, v); err != nil {
			return fmt.Errorf("vmx: write field %#x: %w", f, err)
		}
	}
	return nil
}

// setEntryControls reprograms the VM-entry controls for the guest mode
// being installed. A long-mode guest needs "IA-32e mode guest" set or the
// entry checks fail; 16/32-bit guests need it clear.
func (b *Backend) setEntryControls(ia32e bool) error {
	desired := uint64(entryLoadEFER)
	if ia32e {
		desired |= entryIA32eGuest
	}
	entry, err := adjustControls(b.msr, msrVMXEntryCtls, desired)
	if err != nil {
		return err
	}
	return b.port.VMWrite(fieldEntryCtls, entry)
}

func (b *Backend) setLongMode(m hv.LongMode) error {
	b.gprs = hv.GPRFile{Rsi: m.RSI}
	if err := b.setEntryControls(true); err != nil {
		return err
	}
	return b.writeFields(map[uint64]uint64{
		fieldGuestCR0:    cr0LongMode,
		fieldGuestCR3:    m.CR3,
		fieldGuestCR4:    cr4LongMode,
		fieldGuestEFER:   eferLong,
		fieldGuestRIP:    m.RIP,
		fieldGuestRSP:    m.RSP,
		fieldGuestRFLAGS: 0x2,

		fieldGuestCSSelector: uint64(m.CodeSel),
		fieldGuestCSBase:     0,
		fieldGuestCSLimit:    flatLimit,
		fieldGuestCSAccess:   accessCode64,

		fieldGuestDSSelector: uint64(m.DataSel),
		fieldGuestDSBase:     0,
		fieldGuestDSLimit:    flatLimit,
		fieldGuestDSAccess:   accessData32,
		fieldGuestESSelector: uint64(m.DataSel),
		fieldGuestESBase:     0,
		fieldGuestESLimit:    flatLimit,
		fieldGuestESAccess:   accessData32,
		fieldGuestSSSelector: uint64(m.DataSel),
		fieldGuestSSBase:     0,
		fieldGuestSSLimit:    flatLimit,
		fieldGuestSSAccess:   accessData32,
		fieldGuestFSSelector: uint64(m.DataSel),
		fieldGuestFSBase:     0,
		fieldGuestFSLimit:    flatLimit,
		fieldGuestFSAccess:   accessData32,
		fieldGuestGSSelector: uint64(m.DataSel),
		fieldGuestGSBase:     0,
		fieldGuestGSLimit:    flatLimit,
		fieldGuestGSAccess:   accessData32,

		fieldGuestTRSelector: 0,
		fieldGuestTRBase:     0,
		fieldGuestTRLimit:    realLimit,
		fieldGuestTRAccess:   accessTSS,

		fieldGuestGDTRBase:  m.GDTBase,
		fieldGuestGDTRLimit: uint64(m.GDTLimit),
	})
}

func (b *Backend) setProtectedMode(m hv.ProtectedMode) error {
	b.gprs = hv.GPRFile{}
	if err := b.setEntryControls(false); err != nil {
		return err
	}
	return b.writeFields(map[uint64]uint64{
		fieldGuestCR0:    cr0ProtMode,
		fieldGuestCR3:    0,
		fieldGuestCR4:    0,
		fieldGuestEFER:   0,
		fieldGuestRIP:    uint64(m.EIP),
		fieldGuestRSP:    uint64(m.ESP),
		fieldGuestRFLAGS: 0x2,

		fieldGuestCSSelector: 0x08,
		fieldGuestCSBase:     0,
		fieldGuestCSLimit:    flatLimit,
		fieldGuestCSAccess:   accessCode32,
		fieldGuestDSSelector: 0x10,
		fieldGuestDSBase:     0,
		fieldGuestDSLimit:    flatLimit,
		fieldGuestDSAccess:   accessData32,
		fieldGuestESSelector: 0x10,
		fieldGuestESBase:     0,
		fieldGuestESLimit:    flatLimit,
		fieldGuestESAccess:   accessData32,
		fieldGuestSSSelector: 0x10,
		fieldGuestSSBase:     0,
		fieldGuestSSLimit:    flatLimit,
		fieldGuestSSAccess:   accessData32,

		fieldGuestTRSelector: 0,
		fieldGuestTRBase:     0,
		fieldGuestTRLimit:    realLimit,
		fieldGuestTRAccess:   accessTSS,
	})
}

func (b *Backend) setRealMode(m hv.RealMode) error {
	b.gprs = hv.GPRFile{}
	if err := b.setEntryControls(false); err != nil {
		return err
	}
	base := uint64(m.CS) << 4
	return b.writeFields(map[uint64]uint64{
		fieldGuestCR0:    cr0RealMode,
		fieldGuestCR3:    0,
		fieldGuestCR4:    0,
		fieldGuestEFER:   0,
		fieldGuestRIP:    uint64(m.IP),
		fieldGuestRSP:    0,
		fieldGuestRFLAGS: 0x2,

		fieldGuestCSSelector: uint64(m.CS),
		fieldGuestCSBase:     base,
		fieldGuestCSLimit:    realLimit,
		fieldGuestCSAccess:   accessCode16,
		fieldGuestDSSelector: 0,
		fieldGuestDSBase:     0,
		fieldGuestDSLimit:    realLimit,
		fieldGuestDSAccess:   accessData16,
		fieldGuestSSSelector: 0,
		fieldGuestSSBase:     0,
		fieldGuestSSLimit:    realLimit,
		fieldGuestSSAccess:   accessData16,

		fieldGuestTRSelector: 0,
		fieldGuestTRBase:     0,
		fieldGuestTRLimit:    realLimit,
		fieldGuestTRAccess:   accessTSS,
	})
}

// ReadRegister implements hv.Backend.
func (b *Backend) ReadRegister(reg hv.Register) (uint64, error) {
	if v, ok := b.gprs.Get(reg); ok {
		return v, nil
	}
	switch reg {
	case hv.RegisterRsp:
		return b.port.VMRead(fieldGuestRSP)
	case hv.RegisterRip:
		return b.port.VMRead(fieldGuestRIP)
	case hv.RegisterRflags:
		return b.port.VMRead(fieldGuestRFLAGS)
	case hv.RegisterCr0:
		return b.port.VMRead(fieldGuestCR0)
	case hv.RegisterCr3:
		return b.port.VMRead(fieldGuestCR3)
	case hv.RegisterCr4:
		return b.port.VMRead(fieldGuestCR4)
	case hv.RegisterEfer:
		return b.port.VMRead(fieldGuestEFER)
	default:
		return 0, fmt.Errorf("vmx: unreadable register %s", reg)
	}
}

// WriteRegister implements hv.Backend.
func (b *Backend) WriteRegister(reg hv.Register, value uint64) error {
	if b.gprs.Set(reg, value) {
		return nil
	}
	switch reg {
	case hv.RegisterRsp:
		return b.port.VMWrite(fieldGuestRSP, value)
	case hv.RegisterRip:
		return b.port.VMWrite(fieldGuestRIP, value)
	case hv.RegisterRflags:
		return b.port.VMWrite(fieldGuestRFLAGS, value)
	case hv.RegisterCr3:
		return b.port.VMWrite(fieldGuestCR3, value)
	default:
		return fmt.Errorf("vmx: unwritable register %s", reg)
	}
}

// Registers implements hv.Backend.
func (b *Backend) Registers() (*hv.Registers, error) {
	regs := &hv.Registers{GPRFile: b.gprs}
	for _, f := range []struct {
		field uint64
		dst   *uint64
	}{
		{fieldGuestRSP, &regs.Rsp},
		{fieldGuestRIP, &regs.Rip},
		{fieldGuestRFLAGS, &regs.Rflags},
		{fieldGuestCR0, &regs.Cr0},
		{fieldGuestCR3, &regs.Cr3},
		{fieldGuestCR4, &regs.Cr4},
		{fieldGuestEFER, &regs.Efer},
	} {
		v, err := b.port.VMRead(f.field)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}
	return regs, nil
}

// AdvanceRIP implements hv.Backend.
func (b *Backend) AdvanceRIP(instLen int) error {
	if instLen == 0 {
		v, err := b.port.VMRead(fieldExitInstLen)
		if err != nil {
			return err
		}
		instLen = int(v)
	}
	rip, err := b.port.VMRead(fieldGuestRIP)
	if err != nil {
		return err
	}
	return b.port.VMWrite(fieldGuestRIP, rip+uint64(instLen))
}

// Enter implements hv.Backend: one VMLAUNCH or VMRESUME, then exit decode.
func (b *Backend) Enter(ctx context.Context) (hv.Exit, error) {
	if err := ctx.Err(); err != nil {
		return hv.Exit{Kind: hv.ExitCanceled}, nil
	}

	var err error
	if b.launched {
		err = b.port.VMResume(&b.gprs)
	} else {
		err = b.port.VMLaunch(&b.gprs)
		b.launched = true
	}
	if err != nil {
		return hv.Exit{}, err
	}

	return b.decodeExit()
}

func (b *Backend) decodeExit() (hv.Exit, error) {
	reason, err := b.port.VMRead(fieldExitReason)
	if err != nil {
		return hv.Exit{}, err
	}
	if reason&entryFailureBit != 0 {
		return hv.Exit{}, fmt.Errorf("%w: reason %d", ErrEntryFailed, reason&0xFFFF)
	}

	exit := hv.Exit{RawReason: reason & 0xFFFF}

	rflags, err := b.port.VMRead(fieldGuestRFLAGS)
	if err != nil {
		return hv.Exit{}, err
	}
	exit.InterruptsEnabled = rflags&rflagsIF != 0

	switch exit.RawReason {
	case exitReasonHLT:
		exit.Kind = hv.ExitHalt

	case exitReasonCPUID:
		exit.Kind = hv.ExitCPUID

	case exitReasonVMCall:
		exit.Kind = hv.ExitHypercall

	case exitReasonTripleFault:
		exit.Kind = hv.ExitTripleFault

	case exitReasonRDMSR, exitReasonWRMSR:
		if exit.RawReason == exitReasonRDMSR {
			exit.Kind = hv.ExitMSRRead
		} else {
			exit.Kind = hv.ExitMSRWrite
		}
		exit.MSR = uint32(b.gprs.Rcx)

	case exitReasonIO:
		q, err := b.port.VMRead(fieldExitQualification)
		if err != nil {
			return hv.Exit{}, err
		}
		exit.Kind = hv.ExitIO
		exit.IOSize = int(q&7) + 1
		exit.IOWrite = q&(1<<3) == 0
		exit.IOPort = uint16(q >> 16)

	case exitReasonEPTViolation:
		q, err := b.port.VMRead(fieldExitQualification)
		if err != nil {
			return hv.Exit{}, err
		}
		gpa, err := b.port.VMRead(fieldGuestPhysAddr)
		if err != nil {
			return hv.Exit{}, err
		}
		exit.Kind = hv.ExitMemoryFault
		exit.GPA = gpa
		exit.FaultRead = q&(1<<0) != 0
		exit.FaultWrite = q&(1<<1) != 0
		exit.FaultExec = q&(1<<2) != 0

	default:
		exit.Kind = hv.ExitUnknown
	}

	if exit.Kind != hv.ExitMemoryFault && exit.Kind != hv.ExitTripleFault {
		if v, err := b.port.VMRead(fieldExitInstLen); err == nil {
			exit.InstLen = int(v)
		}
	}

	return exit, nil
}

// Close implements hv.Backend. The VPID's cached translations are flushed
// before the tag can be reused by another guest.
func (b *Backend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.vpid != 0 {
		if err := b.port.InvVPID(b.vpid); err != nil {
			b.log.Warn("INVVPID on close failed", "err", err)
		}
	}
	if err := b.port.VMClear(b.vmcs); err != nil {
		b.log.Warn("VMCLEAR on close failed", "err", err)
	}
	return b.teardown()
}

func (b *Backend) teardown() error {
	var firstErr error
	if b.vmcs != 0 {
		if err := b.alloc.FreePage(b.vmcs); err != nil {
			firstErr = err
		}
		b.vmcs = 0
	}
	if err := root.release(b.port); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var _ hv.Backend = (*Backend)(nil)
