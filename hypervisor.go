// Package trustvm is the hypervisor core: hardware-assisted virtual
// machines with second-level address translation, TLB tagging, ACPI
// synthesis, direct Linux boot and guest introspection. The privileged
// single-instruction operations only a kernel can perform (VMLAUNCH,
// VMRUN, VMREAD/VMWRITE, INVVPID, MSR reads) are injected as narrow port
// interfaces; everything else lives here and is testable on any host.
package trustvm

import (
	"github.com/trustvm/core/internal/api"
	"github.com/trustvm/core/internal/cpuid"
	"github.com/trustvm/core/internal/hostmem"
	"github.com/trustvm/core/internal/hv"
	"github.com/trustvm/core/internal/hv/factory"
	"github.com/trustvm/core/internal/linux/boot"
)

// Machine is one guest: an isolated address space, a TLB tag, a hardware
// control block and the lifecycle around them.
type Machine = hv.Machine

// Backend drives one virtual CPU on a concrete virtualization
// architecture.
type Backend = hv.Backend

// State is a machine's lifecycle position.
type State = hv.State

// Lifecycle states.
const (
	StateCreated     = hv.StateCreated
	StateInitialized = hv.StateInitialized
	StateLoaded      = hv.StateLoaded
	StateRunning     = hv.StateRunning
	StatePaused      = hv.StatePaused
	StateStopped     = hv.StateStopped
	StateDestroyed   = hv.StateDestroyed
)

// ExitReport is what Run returns when the guest needs attention.
type ExitReport = hv.ExitReport

// ReportKind classifies an exit report.
type ReportKind = hv.ReportKind

// Exit report kinds.
const (
	ReportHalt         = hv.ReportHalt
	ReportDeviceAccess = hv.ReportDeviceAccess
	ReportIO           = hv.ReportIO
	ReportHypercall    = hv.ReportHypercall
	ReportViolation    = hv.ReportViolation
	ReportShutdown     = hv.ReportShutdown
	ReportCanceled     = hv.ReportCanceled
)

// DeviceAccess is a decoded MMIO access waiting for emulation.
type DeviceAccess = hv.DeviceAccess

// IOAccess is a port I/O exit.
type IOAccess = hv.IOAccess

// Stats counts what a machine has done since creation.
type Stats = hv.Stats

// Manager owns the machine registry.
type Manager = api.Manager

// MachineConfig is the YAML machine definition.
type MachineConfig = api.MachineConfig

// MachineStatus is one row of the registry listing.
type MachineStatus = api.MachineStatus

// Event is one lifecycle transition in the manager's event log.
type Event = api.Event

// BackendFactory builds a backend for one machine.
type BackendFactory = api.BackendFactory

// BootOptions configures the Linux loader: kernel command line, initrd
// contents and e820 overrides.
type BootOptions = boot.Options

// Capabilities reports what the host CPU can virtualize.
type Capabilities = cpuid.Capabilities

// Ports carries the privileged operations the embedding kernel exposes.
type Ports = factory.Ports

// Allocator hands out page-aligned host memory addressed by physical
// address.
type Allocator = hostmem.Allocator

// Common sentinel errors.
var (
	ErrBackendUnavailable = hv.ErrBackendUnavailable
	ErrAllocationFailed   = hv.ErrAllocationFailed
	ErrInvalidState       = hv.ErrInvalidState
	ErrNoPendingAccess    = hv.ErrNoPendingAccess
)

// DetectCapabilities probes the CPU through the given ports.
func DetectCapabilities(q cpuid.Querier, msr cpuid.MSRReader) Capabilities {
	return cpuid.Detect(q, msr)
}

// NewBackend builds the hardware backend matching the detected
// capabilities.
var NewBackend = factory.New

// NewSimulatedBackend builds the software backend, usable on any host.
var NewSimulatedBackend = factory.Simulated

// NewManager wires a machine registry over an allocator and a backend
// factory.
var NewManager = api.NewManager

// ParseMachineConfig decodes and validates one YAML machine definition.
var ParseMachineConfig = api.ParseMachineConfig

// CapabilityReport renders a human-readable capability summary.
var CapabilityReport = api.CapabilityReport

// NewHeapArena returns a page allocator backed by ordinary Go heap memory,
// suitable for tests and the simulated backend.
var NewHeapArena = hostmem.NewHeapArena
