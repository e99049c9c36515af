package hv

import (
	"context"
	"io"

	"github.com/trustvm/core/internal/hostmem"
)

// Vendor names the virtualization architecture a backend drives.
type Vendor string

const (
	VendorVMX Vendor = "vmx"
	VendorSVM Vendor = "svm"
	VendorSim Vendor = "sim"
)

// GuestMode selects the processor mode the guest starts in. It is a sealed
// set: the backend switch over modes is exhaustive.
type GuestMode interface {
	isGuestMode()
}

// RealMode starts the guest in 16-bit real mode at the reset vector
// segment:offset. Requires unrestricted-guest support on VMX.
type RealMode struct {
	CS uint16
	IP uint16
}

// ProtectedMode starts the guest in 32-bit protected mode with flat
// segments and paging off.
type ProtectedMode struct {
	EIP uint32
	ESP uint32
}

// LongMode starts the guest in 64-bit mode with paging enabled; this is how
// a Linux kernel is entered directly.
type LongMode struct {
	RIP      uint64
	RSP      uint64
	RSI      uint64 // boot_params pointer for the Linux entry convention
	CR3      uint64
	GDTBase  uint64
	GDTLimit uint16
	CodeSel  uint16
	DataSel  uint16
}

func (RealMode) isGuestMode()      {}
func (ProtectedMode) isGuestMode() {}
func (LongMode) isGuestMode()      {}

// ExitKind classifies why control returned from the guest.
type ExitKind int

const (
	ExitUnknown ExitKind = iota
	ExitHalt
	ExitCPUID
	ExitIO
	ExitMSRRead
	ExitMSRWrite
	ExitMemoryFault
	ExitHypercall
	ExitTripleFault
	ExitCanceled
)

func (k ExitKind) String() string {
	switch k {
	case ExitHalt:
		return "halt"
	case ExitCPUID:
		return "cpuid"
	case ExitIO:
		return "io"
	case ExitMSRRead:
		return "msr-read"
	case ExitMSRWrite:
		return "msr-write"
	case ExitMemoryFault:
		return "memory-fault"
	case ExitHypercall:
		return "hypercall"
	case ExitTripleFault:
		return "triple-fault"
	case ExitCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Exit is the raw exit a backend reports from one guest entry.
type Exit struct {
	Kind ExitKind

	// RawReason is the architecture's exit code, for diagnostics.
	RawReason uint64

	// Memory fault details (Kind == ExitMemoryFault).
	GPA        uint64
	FaultRead  bool
	FaultWrite bool
	FaultExec  bool

	// Port I/O details (Kind == ExitIO).
	IOPort  uint16
	IOWrite bool
	IOSize  int

	// MSR index (Kind == ExitMSRRead / ExitMSRWrite).
	MSR uint32

	// InstLen is the faulting instruction's length when the hardware
	// reports it (SVM next_rip, VMX instruction-length field); zero when
	// the core must decode it itself.
	InstLen int

	// InterruptsEnabled reflects guest RFLAGS.IF at the exit.
	InterruptsEnabled bool
}

// Backend drives one virtual CPU on a concrete virtualization architecture.
// A backend owns its hardware control block and talks to the CPU through
// the architecture port it was built with.
type Backend interface {
	io.Closer

	Vendor() Vendor

	// ControlBlock returns the physical address of the hardware control
	// structure (VMCS or VMCB), mostly for diagnostics.
	ControlBlock() hostmem.PhysAddr

	// SetTaggingID installs the VM's TLB tag (VPID or ASID).
	SetTaggingID(id uint16) error

	// SetNestedRoot installs the second-level translation root: the EPT
	// pointer on VMX, the nested CR3 on SVM.
	SetNestedRoot(pointer uint64) error

	// SetGuestMode programs the guest's initial processor state.
	SetGuestMode(mode GuestMode) error

	// ReadRegister and WriteRegister access guest state between entries.
	ReadRegister(reg Register) (uint64, error)
	WriteRegister(reg Register, value uint64) error

	// Registers copies out the full architectural state.
	Registers() (*Registers, error)

	// AdvanceRIP moves the guest instruction pointer past the current
	// instruction, using the hardware-reported length when available.
	AdvanceRIP(instLen int) error

	// Enter runs the guest until the next exit or until ctx is done.
	Enter(ctx context.Context) (Exit, error)
}
