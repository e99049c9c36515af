// Package factory selects a hypervisor backend for the host CPU. The
// hardware backends need the matching privileged instruction port from the
// embedding kernel; the simulated backend needs none and always works.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
	"github.com/trustvm/core/internal/hv/sim"
	"github.com/trustvm/core/internal/hv/svm"
	"github.com/trustvm/core/internal/hv/vmx"
)

// Ports carries the privileged operations the embedding kernel exposes. A
// nil port disables the corresponding backend.
type Ports struct {
	VMX vmx.Port
	SVM svm.Port

	// MSR reads model-specific registers; required for the VMX control
	// capability MSRs.
	MSR cpuid.MSRReader
}

// New builds the backend matching the detected capabilities: VT-x when the
// CPU and the ports allow it, AMD-V otherwise. Hosts with neither get
// hv.ErrBackendUnavailable; callers that can live with a software model
// fall back to Simulated.
func New(caps cpuid.Capabilities, ports Ports, alloc hostmem.Allocator, logger *slog.Logger) (hv.Backend, error) {
	switch {
	case caps.VMX && ports.VMX != nil:
		return vmx.New(ports.VMX, ports.MSR, alloc, caps, logger)
	case caps.SVM && ports.SVM != nil:
		return svm.New(ports.SVM, alloc, caps, logger)
	}
	return nil, fmt.Errorf("%w: no usable virtualization extension", hv.ErrBackendUnavailable)
}

// Simulated builds the software backend.
func Simulated(alloc hostmem.Allocator) (hv.Backend, error) {
	return sim.New(alloc)
}
