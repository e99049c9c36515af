package vmx

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
)

// fakePort is a software model of the privileged instruction port. VMCS
// fields live in a map; entries run a scripted exit.
type fakePort struct {
	fields map[uint64]uint64

	vmxonCount  int
	vmxonRegion hostmem.PhysAddr
	vmxoffCount int
	cleared     []hostmem.PhysAddr
	current     hostmem.PhysAddr
	flushed     []uint16

	launches int
	resumes  int
	onEnter  func(p *fakePort, gprs *hv.GPRFile)
}

func newFakePort() *fakePort {
	return &fakePort{fields: make(map[uint64]uint64)}
}

func (p *fakePort) VMXOn(region hostmem.PhysAddr) error {
	p.vmxonCount++
	p.vmxonRegion = region
	return nil
}

func (p *fakePort) VMXOff() error {
	p.vmxoffCount++
	return nil
}

func (p *fakePort) VMClear(vmcs hostmem.PhysAddr) error {
	p.cleared = append(p.cleared, vmcs)
	return nil
}

func (p *fakePort) VMPtrLoad(vmcs hostmem.PhysAddr) error {
	p.current = vmcs
	return nil
}

func (p *fakePort) VMRead(field uint64) (uint64, error) {
	return p.fields[field], nil
}

func (p *fakePort) VMWrite(field, value uint64) error {
	p.fields[field] = value
	return nil
}

func (p *fakePort) VMLaunch(gprs *hv.GPRFile) error {
	p.launches++
	if p.onEnter != nil {
		p.onEnter(p, gprs)
	}
	return nil
}

func (p *fakePort) VMResume(gprs *hv.GPRFile) error {
	p.resumes++
	if p.onEnter != nil {
		p.onEnter(p, gprs)
	}
	return nil
}

func (p *fakePort) InvVPID(vpid uint16) error {
	p.flushed = append(p.flushed, vpid)
	return nil
}

type fakeMSRs map[uint32]uint64

func (m fakeMSRs) ReadMSR(msr uint32) (uint64, error) {
	v, ok := m[msr]
	if !ok {
		return 0, fmt.Errorf("no such MSR %#x", msr)
	}
	return v, nil
}

// permissiveMSRs allows every control bit and forces none.
func permissiveMSRs() fakeMSRs {
	all := uint64(0xFFFF_FFFF) << 32
	return fakeMSRs{
		msrVMXPinBasedCtls:  all,
		msrVMXProcBasedCtls: all,
		msrVMXExitCtls:      all,
		msrVMXEntryCtls:     all,
		msrVMXProcCtls2:     all,
	}
}

func fullCaps() cpuid.Capabilities {
	return cpuid.Capabilities{
		Vendor:            cpuid.VendorIntel,
		VMX:               true,
		EPT:               true,
		VPID:              true,
		UnrestrictedGuest: true,
		VMCSRevision:      0x12,
	}
}

func newTestBackend(t *testing.T, port *fakePort, caps cpuid.Capabilities) *Backend {
	t.Helper()
	alloc, err := hostmem.NewHeapArena(1 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { alloc.Close() })

	b, err := New(port, permissiveMSRs(), alloc, caps, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestAdjustControls(t *testing.T) {
	msrs := fakeMSRs{0x482: 0x11 | uint64(0xFF)<<32}

	v, err := adjustControls(msrs, 0x482, 0x40)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x51), v)

	_, err = adjustControls(msrs, 0x482, 0x100)
	assert.Error(t, err)
}

func TestNewRequiresCapabilities(t *testing.T) {
	alloc, err := hostmem.NewHeapArena(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	port := newFakePort()

	caps := fullCaps()
	caps.VMX = false
	_, err = New(port, permissiveMSRs(), alloc, caps, nil)
	assert.ErrorIs(t, err, hv.ErrBackendUnavailable)

	caps = fullCaps()
	caps.EPT = false
	_, err = New(port, permissiveMSRs(), alloc, caps, nil)
	assert.ErrorIs(t, err, hv.ErrBackendUnavailable)

	assert.Zero(t, port.vmxonCount, "failed construction must not enter root operation")
}

func TestNewSetsUpVMCS(t *testing.T) {
	alloc, err := hostmem.NewHeapArena(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	port := newFakePort()
	b, err := New(port, permissiveMSRs(), alloc, fullCaps(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, port.vmxonCount)
	region, err := alloc.Page(port.vmxonRegion)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12), binary.LittleEndian.Uint32(region))

	require.NotZero(t, b.ControlBlock())
	vmcs, err := alloc.Page(b.ControlBlock())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12), binary.LittleEndian.Uint32(vmcs))
	assert.Contains(t, port.cleared, b.ControlBlock())
	assert.Equal(t, b.ControlBlock(), port.current)

	proc := port.fields[fieldProcBasedCtls]
	assert.NotZero(t, proc&procHLTExit)
	assert.NotZero(t, proc&procUncondIOExit)
	assert.NotZero(t, proc&procSecondaryEnable)

	sec := port.fields[fieldSecondaryCtls]
	assert.NotZero(t, sec&secondaryEPT)
	assert.NotZero(t, sec&secondaryVPID)
	assert.NotZero(t, sec&secondaryUnrestricted)

	assert.Equal(t, hv.VendorVMX, b.Vendor())

	require.NoError(t, b.Close())
	assert.Equal(t, 1, port.vmxoffCount)
	require.NoError(t, b.Close(), "close is idempotent")
	assert.Equal(t, 1, port.vmxoffCount)
}

func TestRootOperationIsShared(t *testing.T) {
	alloc, err := hostmem.NewHeapArena(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	port := newFakePort()
	b1, err := New(port, permissiveMSRs(), alloc, fullCaps(), nil)
	require.NoError(t, err)
	b2, err := New(port, permissiveMSRs(), alloc, fullCaps(), nil)
	require.NoError(t, err)

	assert.Equal(t, 1, port.vmxonCount, "second guest reuses root operation")

	require.NoError(t, b1.Close())
	assert.Zero(t, port.vmxoffCount, "root operation stays up while a guest remains")

	require.NoError(t, b2.Close())
	assert.Equal(t, 1, port.vmxoffCount)
}

func TestSetTaggingID(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	require.NoError(t, b.SetTaggingID(7))
	assert.Equal(t, uint64(7), port.fields[fieldVPID])
	assert.Equal(t, []uint16{7}, port.flushed)
}

func TestSetNestedRoot(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	require.NoError(t, b.SetNestedRoot(0x20000|(3<<3)|6))
	assert.Equal(t, uint64(0x20000|(3<<3)|6), port.fields[fieldEPTPointer])
}

func TestSetGuestModeLong(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	require.NoError(t, b.SetGuestMode(hv.LongMode{
		RIP:      0x100200,
		RSP:      0x80000,
		RSI:      0x7000,
		CR3:      0x70000,
		GDTBase:  0x60000,
		GDTLimit: 0x27,
		CodeSel:  0x08,
		DataSel:  0x10,
	}))

	assert.Equal(t, uint64(cr0LongMode), port.fields[fieldGuestCR0])
	assert.Equal(t, uint64(cr4LongMode), port.fields[fieldGuestCR4])
	assert.Equal(t, uint64(eferLong), port.fields[fieldGuestEFER])
	assert.Equal(t, uint64(0x70000), port.fields[fieldGuestCR3])
	assert.Equal(t, uint64(0x100200), port.fields[fieldGuestRIP])
	assert.Equal(t, uint64(0x80000), port.fields[fieldGuestRSP])
	assert.Equal(t, uint64(0x2), port.fields[fieldGuestRFLAGS])

	assert.Equal(t, uint64(0x08), port.fields[fieldGuestCSSelector])
	assert.Equal(t, uint64(accessCode64), port.fields[fieldGuestCSAccess])
	assert.Equal(t, uint64(flatLimit), port.fields[fieldGuestCSLimit])
	assert.Equal(t, uint64(0x10), port.fields[fieldGuestDSSelector])
	assert.Equal(t, uint64(accessData32), port.fields[fieldGuestDSAccess])

	assert.Equal(t, uint64(0x60000), port.fields[fieldGuestGDTRBase])
	assert.Equal(t, uint64(0x27), port.fields[fieldGuestGDTRLimit])

	rsi, err := b.ReadRegister(hv.RegisterRsi)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7000), rsi)
}

func TestEntryControlsFollowGuestMode(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	// A long-mode guest must be entered with "IA-32e mode guest" set, and
	// EFER comes from the guest field on every entry.
	require.NoError(t, b.SetGuestMode(hv.LongMode{RIP: 0x100200, CR3: 0x70000}))
	entry := port.fields[fieldEntryCtls]
	assert.NotZero(t, entry&entryIA32eGuest, "IA-32e mode guest clear for a long-mode guest")
	assert.NotZero(t, entry&entryLoadEFER, "load IA32_EFER clear")

	// Dropping to a 32-bit guest clears IA-32e mode again.
	require.NoError(t, b.SetGuestMode(hv.ProtectedMode{EIP: 0x1000}))
	entry = port.fields[fieldEntryCtls]
	assert.Zero(t, entry&entryIA32eGuest, "IA-32e mode guest set for a protected-mode guest")
	assert.NotZero(t, entry&entryLoadEFER)

	require.NoError(t, b.SetGuestMode(hv.RealMode{CS: 0xF000, IP: 0xFFF0}))
	assert.Zero(t, port.fields[fieldEntryCtls]&entryIA32eGuest)
}

func TestRealModeNeedsUnrestrictedGuest(t *testing.T) {
	caps := fullCaps()
	caps.UnrestrictedGuest = false

	port := newFakePort()
	b := newTestBackend(t, port, caps)

	err := b.SetGuestMode(hv.RealMode{CS: 0xF000, IP: 0xFFF0})
	assert.ErrorIs(t, err, hv.ErrBackendUnavailable)
}

func TestRealModeSegments(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	require.NoError(t, b.SetGuestMode(hv.RealMode{CS: 0xF000, IP: 0xFFF0}))
	assert.Equal(t, uint64(0xF000), port.fields[fieldGuestCSSelector])
	assert.Equal(t, uint64(0xF0000), port.fields[fieldGuestCSBase])
	assert.Equal(t, uint64(realLimit), port.fields[fieldGuestCSLimit])
	assert.Equal(t, uint64(accessCode16), port.fields[fieldGuestCSAccess])
	assert.Equal(t, uint64(cr0RealMode), port.fields[fieldGuestCR0])
}

func TestAdvanceRIP(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	port.fields[fieldGuestRIP] = 0x1000
	port.fields[fieldExitInstLen] = 3

	require.NoError(t, b.AdvanceRIP(0))
	assert.Equal(t, uint64(0x1003), port.fields[fieldGuestRIP])

	require.NoError(t, b.AdvanceRIP(2))
	assert.Equal(t, uint64(0x1005), port.fields[fieldGuestRIP])
}

func TestEnterLaunchThenResume(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = exitReasonHLT
		p.fields[fieldExitInstLen] = 1
	}

	_, err := b.Enter(context.Background())
	require.NoError(t, err)
	_, err = b.Enter(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, port.launches)
	assert.Equal(t, 1, port.resumes)
}

func TestEnterCanceledContext(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exit, err := b.Enter(ctx)
	require.NoError(t, err)
	assert.Equal(t, hv.ExitCanceled, exit.Kind)
	assert.Zero(t, port.launches)
}

func TestDecodeHaltExit(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = exitReasonHLT
		p.fields[fieldExitInstLen] = 1
		p.fields[fieldGuestRFLAGS] = 0x2 | rflagsIF
	}

	exit, err := b.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hv.ExitHalt, exit.Kind)
	assert.True(t, exit.InterruptsEnabled)
	assert.Equal(t, 1, exit.InstLen)
}

func TestDecodeIOExit(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	// OUT to 0x3F8, 1 byte: size-1 in bits 0-2, direction bit 3 clear.
	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = exitReasonIO
		p.fields[fieldExitQualification] = 0x3F8 << 16
		p.fields[fieldExitInstLen] = 1
	}
	exit, err := b.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hv.ExitIO, exit.Kind)
	assert.True(t, exit.IOWrite)
	assert.Equal(t, 1, exit.IOSize)
	assert.Equal(t, uint16(0x3F8), exit.IOPort)

	// IN from 0x60, 4 bytes.
	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = exitReasonIO
		p.fields[fieldExitQualification] = 3 | 1<<3 | 0x60<<16
	}
	exit, err = b.Enter(context.Background())
	require.NoError(t, err)
	assert.False(t, exit.IOWrite)
	assert.Equal(t, 4, exit.IOSize)
	assert.Equal(t, uint16(0x60), exit.IOPort)
}

func TestDecodeMemoryFaultExit(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = exitReasonEPTViolation
		p.fields[fieldExitQualification] = 1 << 1 // write access
		p.fields[fieldGuestPhysAddr] = 0xFEE0_0300
	}

	exit, err := b.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hv.ExitMemoryFault, exit.Kind)
	assert.Equal(t, uint64(0xFEE0_0300), exit.GPA)
	assert.True(t, exit.FaultWrite)
	assert.False(t, exit.FaultRead)
	assert.False(t, exit.FaultExec)
}

func TestDecodeMSRExit(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	require.NoError(t, b.WriteRegister(hv.RegisterRcx, 0x1B))
	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = exitReasonRDMSR
		p.fields[fieldExitInstLen] = 2
	}

	exit, err := b.Enter(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hv.ExitMSRRead, exit.Kind)
	assert.Equal(t, uint32(0x1B), exit.MSR)
	assert.Equal(t, 2, exit.InstLen)
}

func TestEnterEntryFailure(t *testing.T) {
	port := newFakePort()
	b := newTestBackend(t, port, fullCaps())

	port.onEnter = func(p *fakePort, gprs *hv.GPRFile) {
		p.fields[fieldExitReason] = 33 | entryFailureBit
	}

	_, err := b.Enter(context.Background())
	assert.ErrorIs(t, err, ErrEntryFailed)
}

func TestCloseFlushesTaggedTranslations(t *testing.T) {
	alloc, err := hostmem.NewHeapArena(1 << 20)
	require.NoError(t, err)
	defer alloc.Close()

	port := newFakePort()
	b, err := New(port, permissiveMSRs(), alloc, fullCaps(), nil)
	require.NoError(t, err)

	require.NoError(t, b.SetTaggingID(3))
	require.NoError(t, b.Close())

	assert.Equal(t, []uint16{3, 3}, port.flushed)
	assert.Contains(t, port.cleared, port.current)
}
