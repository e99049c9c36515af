package hv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/trustvm/core/internal/acpi"
	"github.com/trustvm/core/internal/asid"
	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/isolation"
	"github.com/trustvm/core/internal/linux/boot"
	"github.com/trustvm/core/internal/vmi"
)

// State is a machine's lifecycle position. Transitions only move forward
// except for the Running/Paused pair.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateLoaded
	StateRunning
	StatePaused
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Stats counts what a machine has done since creation.
type Stats struct {
	Entries      uint64
	Halts        uint64
	CPUIDExits   uint64
	IOExits      uint64
	MSRExits     uint64
	MemoryFaults uint64
	Hypercalls   uint64
	Violations   uint64
}

// Config describes one machine.
type Config struct {
	Name       string
	MemorySize uint64

	// ExtraRegions adds MMIO or reserved windows beyond the default RAM
	// plus LAPIC/IOAPIC layout.
	ExtraRegions []isolation.Region

	// CPUID services guest CPUID exits. Nil answers every leaf with
	// zeros (plus the hypervisor-present bit).
	CPUID cpuid.Querier

	Logger *slog.Logger
}

// Guest-physical addresses of the per-VM interrupt controller windows.
const (
	lapicBase  = 0xFEE00000
	ioapicBase = 0xFEC00000
	apicSize   = 0x1000
)

// hypervisorPresent is CPUID.1:ECX bit 31.
const hypervisorPresent = 1 << 31

// Machine is one guest: an isolated address space, a TLB tag, a hardware
// control block and the lifecycle around them.
type Machine struct {
	mu sync.Mutex

	name    string
	log     *slog.Logger
	backend Backend
	alloc   hostmem.Allocator
	tags    *asid.Allocator
	query   cpuid.Querier

	state State
	stats Stats

	memSize  uint64
	ramHost  hostmem.PhysAddr
	mem      *GuestMemory
	layout   *isolation.Layout
	faults   *isolation.FaultHandler
	tables   *isolation.Tables
	tag      asid.ID
	extra    []isolation.Region

	setup *boot.Setup

	// pending is the outstanding device or port access the embedder must
	// complete before the guest can resume.
	pending *pendingAccess
}

type pendingAccess struct {
	device  *DeviceAccess
	io      *IOAccess
	reg     Register
	instLen int
}

// NewMachine wires a machine from its collaborators. The machine starts in
// StateCreated; nothing is allocated until Initialize.
func NewMachine(cfg Config, backend Backend, alloc hostmem.Allocator, tags *asid.Allocator) *Machine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		name:    cfg.Name,
		log:     logger.With("machine", cfg.Name, "backend", backend.Vendor()),
		backend: backend,
		alloc:   alloc,
		tags:    tags,
		query:   cfg.CPUID,
		memSize: cfg.MemorySize,
		extra:   cfg.ExtraRegions,
		state:   StateCreated,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a copy of the machine's counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// TaggingID returns the machine's TLB tag once initialized.
func (m *Machine) TaggingID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint16(m.tag)
}

// Vendor reports which backend drives the machine.
func (m *Machine) Vendor() Vendor { return m.backend.Vendor() }

// Memory returns the guest-physical memory view, valid after Initialize.
func (m *Machine) Memory() *GuestMemory { return m.mem }

// Layout returns the validated region layout, valid after Initialize.
func (m *Machine) Layout() *isolation.Layout { return m.layout }

// Violations returns the recorded isolation breaches and the total count.
func (m *Machine) Violations() ([]isolation.Violation, uint64) {
	if m.faults == nil {
		return nil, 0
	}
	return m.faults.Violations()
}

// Initialize allocates guest RAM, validates the region layout, claims a TLB
// tag and builds the second-level translation. The machine moves to
// StateInitialized; on any failure everything claimed so far is released
// and the machine stays in StateCreated. Region overlaps surface here
// rather than at load time: the region set is fixed at construction, so it
// is checked as soon as the layout is built, and the caller can retry with
// a corrected configuration the same way a failed load permits.
func (m *Machine) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateCreated {
		return fmt.Errorf("%w: initialize in %s", ErrInvalidState, m.state)
	}
	if m.memSize == 0 || m.memSize%hostmem.PageSize != 0 {
		return fmt.Errorf("hv: memory size %#x must be a positive page multiple", m.memSize)
	}

	regions := append([]isolation.Region{
		{Base: 0, Size: m.memSize, Type: isolation.Ram, Name: "ram", Perm: isolation.PermRWX},
		{Base: lapicBase, Size: apicSize, Type: isolation.Mmio, Name: "lapic", Perm: isolation.PermRW},
		{Base: ioapicBase, Size: apicSize, Type: isolation.Mmio, Name: "ioapic", Perm: isolation.PermRW},
	}, m.extra...)

	layout, err := isolation.NewLayout(regions)
	if err != nil {
		return err
	}

	ramHost, err := m.alloc.AllocRange(m.memSize)
	if err != nil {
		return fmt.Errorf("%w: guest RAM: %v", ErrAllocationFailed, err)
	}

	tag, err := m.tags.Allocate()
	if err != nil {
		return err
	}

	kind := isolation.EPT
	if m.backend.Vendor() == VendorSVM {
		kind = isolation.NPT
	}

	var maps []isolation.Mapping
	for _, r := range layout.Regions() {
		if r.Type != isolation.Ram {
			continue
		}
		maps = append(maps, isolation.Mapping{
			GPA:  r.Base,
			HPA:  uint64(ramHost) + r.Base,
			Size: r.Size,
			Perm: r.Perm,
		})
	}

	tables, err := isolation.BuildTables(kind, m.alloc, maps)
	if err != nil {
		m.tags.Free(tag)
		return fmt.Errorf("%w: %s tables: %v", ErrAllocationFailed, kind, err)
	}

	if err := m.backend.SetTaggingID(uint16(tag)); err != nil {
		tables.Release()
		m.tags.Free(tag)
		return err
	}
	if err := m.backend.SetNestedRoot(tables.Pointer()); err != nil {
		tables.Release()
		m.tags.Free(tag)
		return err
	}

	m.layout = layout
	m.faults = isolation.NewFaultHandler(layout)
	m.ramHost = ramHost
	m.mem = NewGuestMemory(m.alloc, layout, 0, m.memSize, ramHost)
	m.tables = tables
	m.tag = tag
	m.state = StateInitialized

	m.log.Info("machine initialized",
		"memory", m.memSize,
		"tag", uint16(tag),
		"tables", kind.String(),
		"root", fmt.Sprintf("%#x", tables.Pointer()))
	return nil
}

// LoadLinux installs ACPI tables, loads a bzImage and its initrd, and
// programs the CPU to enter the kernel in long mode. The machine moves to
// StateLoaded.
func (m *Machine) LoadLinux(kernel []byte, opts boot.Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitialized {
		return fmt.Errorf("%w: load in %s", ErrInvalidState, m.state)
	}

	img, err := boot.ParseImage(kernel)
	if err != nil {
		return err
	}

	tables, err := acpi.Build(acpi.Config{NumCPUs: 1})
	if err != nil {
		return err
	}
	if err := tables.Install(m.mem); err != nil {
		return err
	}

	if opts.RSDPAddr == 0 {
		opts.RSDPAddr = tables.RSDPBase
	}

	setup, err := img.Load(m.mem, opts)
	if err != nil {
		return err
	}

	mode := LongMode{
		RIP:      setup.EntryPoint,
		RSP:      setup.StackPtr,
		RSI:      setup.BootParamsGPA,
		CR3:      setup.CR3,
		GDTBase:  setup.GDTBase,
		GDTLimit: setup.GDTLimit,
		CodeSel:  boot.SelectorCode64,
		DataSel:  boot.SelectorData,
	}
	if err := m.backend.SetGuestMode(mode); err != nil {
		return err
	}

	m.setup = setup
	m.state = StateLoaded

	m.log.Info("kernel loaded",
		"entry", fmt.Sprintf("%#x", setup.EntryPoint),
		"initrd_size", setup.InitrdSize,
		"cmdline_gpa", fmt.Sprintf("%#x", setup.CmdlineGPA))
	return nil
}

// SetGuestMode programs a custom start state instead of LoadLinux; used for
// bare guests that execute raw code. The machine moves to StateLoaded.
func (m *Machine) SetGuestMode(mode GuestMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitialized {
		return fmt.Errorf("%w: set guest mode in %s", ErrInvalidState, m.state)
	}
	if err := m.backend.SetGuestMode(mode); err != nil {
		return err
	}
	m.state = StateLoaded
	return nil
}

// Run enters the guest and keeps re-entering until it needs the embedder:
// a device access, a halt, a violation, or context cancellation. The
// machine is StateRunning inside Run and moves to StatePaused (resumable
// reports) or StateStopped (terminal reports) when it returns.
func (m *Machine) Run(ctx context.Context) (*ExitReport, error) {
	m.mu.Lock()
	if m.state != StateLoaded && m.state != StatePaused {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: run in %s", ErrInvalidState, m.state)
	}
	if m.pending != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("hv: device access still pending; complete it before resuming")
	}
	m.state = StateRunning
	m.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return m.finish(&ExitReport{Kind: ReportCanceled}, StatePaused), nil
		}

		exit, err := m.backend.Enter(ctx)
		m.mu.Lock()
		m.stats.Entries++
		m.mu.Unlock()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return m.finish(&ExitReport{Kind: ReportCanceled}, StatePaused), nil
			}
			m.finish(nil, StateStopped)
			return nil, fmt.Errorf("hv: guest entry failed: %w", err)
		}

		report, err := m.handleExit(exit)
		if err != nil {
			m.finish(nil, StateStopped)
			return nil, err
		}
		if report != nil {
			return report, nil
		}
	}
}

// finish moves the machine out of StateRunning according to the report.
func (m *Machine) finish(report *ExitReport, resumable State) *ExitReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if report == nil {
		m.state = StateStopped
		return nil
	}
	switch report.Kind {
	case ReportDeviceAccess, ReportIO, ReportHypercall, ReportCanceled:
		m.state = resumable
	default:
		m.state = StateStopped
	}
	return report
}

func (m *Machine) handleExit(exit Exit) (*ExitReport, error) {
	switch exit.Kind {
	case ExitHalt:
		m.mu.Lock()
		m.stats.Halts++
		m.mu.Unlock()
		if exit.InterruptsEnabled {
			// An interrupt can still wake the guest; skip the HLT
			// and keep going.
			if err := m.backend.AdvanceRIP(exit.InstLen); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return m.finish(&ExitReport{Kind: ReportHalt}, StateStopped), nil

	case ExitCPUID:
		m.mu.Lock()
		m.stats.CPUIDExits++
		m.mu.Unlock()
		if err := m.emulateCPUID(exit); err != nil {
			return nil, err
		}
		return nil, nil

	case ExitMSRRead, ExitMSRWrite:
		m.mu.Lock()
		m.stats.MSRExits++
		m.mu.Unlock()
		if err := m.emulateMSR(exit); err != nil {
			return nil, err
		}
		return nil, nil

	case ExitMemoryFault:
		m.mu.Lock()
		m.stats.MemoryFaults++
		m.mu.Unlock()
		return m.handleFault(exit)

	case ExitIO:
		m.mu.Lock()
		m.stats.IOExits++
		m.mu.Unlock()
		return m.handleIO(exit)

	case ExitHypercall:
		m.mu.Lock()
		m.stats.Hypercalls++
		m.pending = &pendingAccess{instLen: exit.InstLen}
		m.mu.Unlock()
		return m.finish(&ExitReport{Kind: ReportHypercall}, StatePaused), nil

	case ExitTripleFault:
		m.log.Warn("guest triple fault")
		return m.finish(&ExitReport{
			Kind: ReportShutdown,
			Err:  errors.New("hv: guest triple fault"),
		}, StateStopped), nil

	case ExitCanceled:
		return m.finish(&ExitReport{Kind: ReportCanceled}, StatePaused), nil

	default:
		return nil, fmt.Errorf("hv: unhandled exit %s (raw %#x)", exit.Kind, exit.RawReason)
	}
}

func (m *Machine) emulateCPUID(exit Exit) error {
	rax, err := m.backend.ReadRegister(RegisterRax)
	if err != nil {
		return err
	}
	rcx, err := m.backend.ReadRegister(RegisterRcx)
	if err != nil {
		return err
	}

	var leaf cpuid.Leaf
	if m.query != nil {
		leaf = m.query.CPUID(uint32(rax), uint32(rcx))
	}
	if uint32(rax) == 1 {
		leaf.ECX |= hypervisorPresent
	}

	for reg, v := range map[Register]uint64{
		RegisterRax: uint64(leaf.EAX),
		RegisterRbx: uint64(leaf.EBX),
		RegisterRcx: uint64(leaf.ECX),
		RegisterRdx: uint64(leaf.EDX),
	} {
		if err := m.backend.WriteRegister(reg, v); err != nil {
			return err
		}
	}
	return m.backend.AdvanceRIP(exit.InstLen)
}

// emulateMSR answers RDMSR with zero and swallows WRMSR. The guest kernels
// this core runs probe MSRs it does not model; failing the access would
// inject #GP storms instead of letting boot continue.
func (m *Machine) emulateMSR(exit Exit) error {
	if exit.Kind == ExitMSRRead {
		if err := m.backend.WriteRegister(RegisterRax, 0); err != nil {
			return err
		}
		if err := m.backend.WriteRegister(RegisterRdx, 0); err != nil {
			return err
		}
		m.log.Debug("rdmsr emulated as zero", "msr", fmt.Sprintf("%#x", exit.MSR))
	} else {
		m.log.Debug("wrmsr ignored", "msr", fmt.Sprintf("%#x", exit.MSR))
	}
	return m.backend.AdvanceRIP(exit.InstLen)
}

func (m *Machine) handleFault(exit Exit) (*ExitReport, error) {
	access := isolation.Access{
		Read:    exit.FaultRead,
		Write:   exit.FaultWrite,
		Execute: exit.FaultExec,
	}
	rip, err := m.backend.ReadRegister(RegisterRip)
	if err != nil {
		return nil, err
	}

	fault := m.faults.Classify(exit.GPA, access, rip)
	switch fault.Kind {
	case isolation.FaultLazy:
		// RAM is mapped up front; a lazy fault here means the
		// hardware raced a mapping update. Re-enter.
		return nil, nil

	case isolation.FaultDevice:
		dev, err := m.decodeDeviceAccess(exit, fault, rip)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.pending = &pendingAccess{device: dev, reg: dev.reg, instLen: dev.instLen}
		m.mu.Unlock()
		return m.finish(&ExitReport{Kind: ReportDeviceAccess, Device: dev}, StatePaused), nil

	default:
		m.mu.Lock()
		m.stats.Violations++
		m.mu.Unlock()
		violations, _ := m.faults.Violations()
		var last *isolation.Violation
		if len(violations) > 0 {
			last = &violations[len(violations)-1]
		}
		m.log.Warn("isolation violation",
			"gpa", fmt.Sprintf("%#x", exit.GPA),
			"access", access.String(),
			"rip", fmt.Sprintf("%#x", rip))
		return m.finish(&ExitReport{
			Kind:      ReportViolation,
			Violation: last,
			Err: fmt.Errorf("%w: %s access at %#x",
				isolation.ErrIsolationViolation, access, exit.GPA),
		}, StateStopped), nil
	}
}

// decodeDeviceAccess fetches and decodes the faulting instruction so the
// embedder sees a width, direction and value instead of raw bytes.
func (m *Machine) decodeDeviceAccess(exit Exit, fault isolation.Fault, rip uint64) (*DeviceAccess, error) {
	cr3, err := m.backend.ReadRegister(RegisterCr3)
	if err != nil {
		return nil, err
	}
	ripPhys, err := vmi.TranslateVirtual(m.mem, cr3, rip)
	if err != nil {
		return nil, fmt.Errorf("hv: translate faulting rip %#x: %w", rip, err)
	}

	code := make([]byte, 15)
	n, err := m.mem.ReadAt(code, int64(ripPhys))
	if err != nil && n == 0 {
		return nil, fmt.Errorf("hv: fetch instruction at %#x: %w", ripPhys, err)
	}

	decoded, err := isolation.DecodeDeviceAccess(code[:n], exit.GPA, isolation.Access{
		Read:    exit.FaultRead,
		Write:   exit.FaultWrite,
		Execute: exit.FaultExec,
	})
	if err != nil {
		return nil, err
	}

	dev := &DeviceAccess{
		GPA:     decoded.GPA,
		Write:   decoded.Write,
		Size:    decoded.Size,
		Value:   decoded.Value,
		Region:  fault.Region.Name,
		instLen: decoded.InstLen,
	}
	if decoded.Reg != 0 {
		reg, ok := decodedRegister(decoded.Reg)
		if !ok {
			return nil, fmt.Errorf("hv: unsupported register %v in device access", decoded.Reg)
		}
		dev.reg = reg
		if decoded.Write {
			v, err := m.backend.ReadRegister(reg)
			if err != nil {
				return nil, err
			}
			dev.Value = v & widthMask(decoded.Size)
		}
	}
	return dev, nil
}

func (m *Machine) handleIO(exit Exit) (*ExitReport, error) {
	io := &IOAccess{
		Port:  exit.IOPort,
		Write: exit.IOWrite,
		Size:  exit.IOSize,
	}
	if exit.IOWrite {
		rax, err := m.backend.ReadRegister(RegisterRax)
		if err != nil {
			return nil, err
		}
		io.Value = rax & widthMask(exit.IOSize)
	}
	m.mu.Lock()
	m.pending = &pendingAccess{io: io, reg: RegisterRax, instLen: exit.InstLen}
	m.mu.Unlock()
	return m.finish(&ExitReport{Kind: ReportIO, IO: io}, StatePaused), nil
}

// CompleteDeviceRead supplies the value a pending device or port read
// returns to the guest, writes it into the destination register and
// advances past the instruction. The machine stays Paused; call Run to
// resume.
func (m *Machine) CompleteDeviceRead(value uint64) error {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()

	if p == nil {
		return ErrNoPendingAccess
	}
	size := 8
	if p.device != nil {
		size = p.device.Size
	} else if p.io != nil {
		size = p.io.Size
	}
	if p.reg != RegisterInvalid {
		if err := m.backend.WriteRegister(p.reg, value&widthMask(size)); err != nil {
			return err
		}
	}
	return m.completeAccess(p)
}

// CompleteDeviceAccess acknowledges a pending write or hypercall and
// advances past the instruction.
func (m *Machine) CompleteDeviceAccess() error {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()

	if p == nil {
		return ErrNoPendingAccess
	}
	return m.completeAccess(p)
}

func (m *Machine) completeAccess(p *pendingAccess) error {
	if err := m.backend.AdvanceRIP(p.instLen); err != nil {
		return err
	}
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
	return nil
}

// RegisterSnapshot copies out the guest's architectural state. Valid in any
// state from Loaded until Destroyed.
func (m *Machine) RegisterSnapshot() (*Registers, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateLoaded, StateRunning, StatePaused, StateStopped:
		return m.backend.Registers()
	default:
		return nil, fmt.Errorf("%w: register snapshot in %s", ErrInvalidState, m.state)
	}
}

// Destroy releases everything the machine owns: the second-level tables,
// the TLB tag and the hardware control block. Idempotent. A running
// machine is refused: Run owns the backend until it returns, so cancel the
// run (or let the guest exit) first.
func (m *Machine) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDestroyed {
		return nil
	}
	if m.state == StateRunning {
		return fmt.Errorf("%w: destroy while running", ErrInvalidState)
	}

	var firstErr error
	if m.tables != nil {
		if err := m.tables.Release(); err != nil {
			firstErr = err
		}
		m.tables = nil
	}
	if m.tag != asid.Host {
		m.tags.Free(m.tag)
		m.tag = asid.Host
	}
	if err := m.backend.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	m.state = StateDestroyed
	m.log.Info("machine destroyed")
	return firstErr
}

func widthMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(size)*8) - 1
}
