// Package svm drives AMD-V. Guest state lives in the VMCB, so the package
// is mostly VMCB bookkeeping; the port contributes the one privileged
// instruction that enters the guest.
package svm

import (
	"errors"

	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
)

// Port executes VMRUN. Implementations live in the embedding kernel, which
// is responsible for EFER.SVME and the host-save-area MSR; tests use a
// software model.
type Port interface {
	// VMRun enters the guest described by vmcb and returns when it exits.
	// The host state is stashed in hostSave. The port saves and restores
	// the general-purpose registers the VMCB does not hold through gprs;
	// RAX lives in the VMCB itself.
	VMRun(vmcb, hostSave hostmem.PhysAddr, gprs *hv.GPRFile) error
}

// ErrEntryFailed is returned when VMRUN rejects the VMCB, which means
// inconsistent guest state or controls were programmed into it.
var ErrEntryFailed = errors.New("svm: VMRUN failed")
