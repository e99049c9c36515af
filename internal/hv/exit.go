package hv

import (
	"fmt"

	"github.com/trustvm/core/internal/isolation"
)

// ReportKind classifies an exit report handed to the embedder.
type ReportKind int

const (
	// ReportHalt means the guest executed HLT with interrupts disabled
	// and cannot make further progress.
	ReportHalt ReportKind = iota
	// ReportDeviceAccess means the guest touched an MMIO region and
	// waits for the embedder to emulate the access.
	ReportDeviceAccess
	// ReportIO means the guest executed a port I/O instruction.
	ReportIO
	// ReportHypercall means the guest issued VMCALL/VMMCALL.
	ReportHypercall
	// ReportViolation means the guest broke its isolation boundary and
	// has been stopped.
	ReportViolation
	// ReportShutdown means the guest triple-faulted or shut down.
	ReportShutdown
	// ReportCanceled means the run context was canceled.
	ReportCanceled
)

func (k ReportKind) String() string {
	switch k {
	case ReportHalt:
		return "halt"
	case ReportDeviceAccess:
		return "device-access"
	case ReportIO:
		return "io"
	case ReportHypercall:
		return "hypercall"
	case ReportViolation:
		return "violation"
	case ReportShutdown:
		return "shutdown"
	case ReportCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("report(%d)", int(k))
	}
}

// DeviceAccess is a decoded MMIO access waiting for emulation. For reads
// the embedder calls CompleteDeviceRead with the value; for writes Value
// already carries what the guest stored and CompleteDeviceAccess resumes.
type DeviceAccess struct {
	GPA    uint64
	Write  bool
	Size   int
	Value  uint64
	Region string

	// reg is the destination register for reads; instLen advances RIP
	// on completion.
	reg     Register
	instLen int
}

// IOAccess is a port I/O exit.
type IOAccess struct {
	Port  uint16
	Write bool
	Size  int
	Value uint64
}

// ExitReport is what Run returns to the embedder when the guest needs
// attention.
type ExitReport struct {
	Kind ReportKind

	Device *DeviceAccess
	IO     *IOAccess

	// Violation carries the recorded breach for ReportViolation.
	Violation *isolation.Violation

	// Err carries the terminal error for ReportViolation and
	// ReportShutdown.
	Err error
}
