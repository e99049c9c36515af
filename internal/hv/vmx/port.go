// Package vmx drives Intel VT-x through a narrow port of privileged
// instructions. The package owns the VMCS layout, control-field setup and
// exit decoding; the port executes the instructions that only ring 0 with
// VMX enabled can run.
package vmx

import (
	"errors"

	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
)

// Port executes the privileged VMX instructions. Implementations live in
// the embedding kernel; tests use a software model.
type Port interface {
	// VMXOn enters VMX root operation using the given VMXON region.
	VMXOn(region hostmem.PhysAddr) error

	// VMXOff leaves VMX root operation.
	VMXOff() error

	// VMClear initializes or flushes a VMCS.
	VMClear(vmcs hostmem.PhysAddr) error

	// VMPtrLoad makes a VMCS current.
	VMPtrLoad(vmcs hostmem.PhysAddr) error

	// VMRead and VMWrite access fields of the current VMCS.
	VMRead(field uint64) (uint64, error)
	VMWrite(field, value uint64) error

	// VMLaunch and VMResume enter the guest. The port saves and
	// restores the general-purpose registers through gprs and returns
	// when the guest exits.
	VMLaunch(gprs *hv.GPRFile) error
	VMResume(gprs *hv.GPRFile) error

	// InvVPID flushes TLB entries tagged with vpid.
	InvVPID(vpid uint16) error
}

// ErrEntryFailed is returned when the CPU rejects a guest entry, which
// means inconsistent guest state was programmed into the VMCS.
var ErrEntryFailed = errors.New("vmx: VM entry failed")

// entryFailureBit is set in the exit reason when the exit was a failed
// entry rather than a guest exit.
const entryFailureBit = 1 << 31
